// Package report renders run results for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"keepaway/internal/domain"
)

var (
	ColorPrimary = lipgloss.Color("6")
	ColorMuted   = lipgloss.Color("241")
	ColorSuccess = lipgloss.Color("42")
)

func HeaderStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorMuted).
		Padding(0, 1)
}

func MetricStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorSuccess)
}

func MutedStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(ColorMuted)
}

type Renderer struct {
	styled bool
}

// NewRenderer styles output only when w is a terminal.
func NewRenderer(w io.Writer) *Renderer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Renderer{styled: styled}
}

func (r *Renderer) render(style lipgloss.Style, s string) string {
	if !r.styled {
		return s
	}
	return style.Render(s)
}

// Run formats one finished run: a header line, one row per agent busiest first, and
// the metric.
func (r *Renderer) Run(title string, run domain.RunRecord) string {
	var b strings.Builder
	mode := "relief off"
	if run.Relief {
		mode = fmt.Sprintf("relief /%d", run.ReliefFactor)
	}
	b.WriteString(r.render(HeaderStyle(), fmt.Sprintf("%s  rounds=%d  %s  modulus=%d", title, run.Rounds, mode, run.Modulus)))
	b.WriteString("\n")
	for _, c := range run.Counts {
		b.WriteString(fmt.Sprintf("  agent %-3d %s\n", c.AgentID, r.render(MutedStyle(), fmt.Sprintf("processed %d items", c.Processed))))
	}
	if run.Status == domain.RunStatusFailed {
		b.WriteString("  failed: " + run.LastError + "\n")
		return b.String()
	}
	b.WriteString("  metric " + r.render(MetricStyle(), fmt.Sprint(run.Metric)) + "\n")
	return b.String()
}
