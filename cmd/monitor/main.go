package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"keepaway/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "keepaway base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start keepaway -serve in the same monitor process lifecycle")
	serverBinary := flag.String("keepaway-bin", "", "path to keepaway binary (optional in embedded mode)")
	configPath := flag.String("config", "", "config.toml passed to the embedded server")
	input := flag.String("input", "", "agent definitions file passed to the embedded server")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}

	var embeddedProc *embeddedServer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedServer(*addr, *serverBinary, *configPath, *input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded server: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "keepaway health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	countsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	countsView.SetTitle("Agents").SetBorder(true)

	timelineView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	timelineView.SetTitle("Rounds").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Run: ")
	promptInput.SetBorder(true).SetTitle("Enter = start run (\"20 relief\", \"10000\", \"20 relief 7\")")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus runs",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(countsView, 0, 1, false).
		AddItem(timelineView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.RunRecord
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRuns := func() {
		runs, err := c.listRuns(100)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			run, runErr := c.getRun(selected)
			rounds, roundsErr := c.listRounds(selected, 1000)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if runErr != nil {
					countsView.SetText(fmt.Sprintf("error: %v", runErr))
				} else {
					countsView.SetText(renderCounts(run))
				}
				if roundsErr != nil {
					timelineView.SetText(fmt.Sprintf("error: %v", roundsErr))
				} else {
					timelineView.SetText(renderTimeline(rounds))
				}
			})
		}(runID, version)
	}

	submitPrompt := func(prompt string) {
		req, err := parsePrompt(prompt)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		setStatusUI(fmt.Sprintf("Running %d rounds...", req.Rounds))
		promptInput.SetText("")
		go func(in runRequest) {
			run, err := c.startRun(in)
			if err != nil {
				setStatusAsync("Run failed: " + err.Error())
				return
			}
			selectedRunID = run.ID
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusAsync(fmt.Sprintf("Run %s %s metric=%d", shortID(run.ID), run.Status, run.Metric))
		}(req)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(runsTable)
				setStatusUI("Focus -> runs")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		if len(lastRuns) > 0 {
			selectedRunID = lastRuns[0].ID
			refreshDetailsAsync(selectedRunID)
		}

		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

type runRequest struct {
	Rounds       int    `json:"rounds"`
	Relief       bool   `json:"relief"`
	ReliefFactor uint64 `json:"relief_factor,omitempty"`
}

// parsePrompt reads "<rounds> [relief [factor]]".
func parsePrompt(prompt string) (runRequest, error) {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return runRequest{}, fmt.Errorf("empty prompt")
	}
	rounds, err := strconv.Atoi(fields[0])
	if err != nil || rounds <= 0 {
		return runRequest{}, fmt.Errorf("rounds must be a positive number, got %q", fields[0])
	}
	req := runRequest{Rounds: rounds}
	if len(fields) == 1 {
		return req, nil
	}
	switch strings.ToLower(fields[1]) {
	case "relief":
		req.Relief = true
	case "norelief", "plain":
	default:
		return runRequest{}, fmt.Errorf("unknown mode %q (want relief or plain)", fields[1])
	}
	if len(fields) > 2 {
		factor, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil || factor == 0 {
			return runRequest{}, fmt.Errorf("relief factor must be a positive number, got %q", fields[2])
		}
		req.ReliefFactor = factor
	}
	if len(fields) > 3 {
		return runRequest{}, fmt.Errorf("too many fields in %q", prompt)
	}
	return req, nil
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr string, serverBinary string, configPath string, input string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}

	args := []string{"-serve", "-addr", ":" + port}
	if strings.TrimSpace(configPath) != "" {
		args = append(args, "-config", configPath)
	}
	if strings.TrimSpace(input) != "" {
		args = append(args, "-input", input)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(serverBinary) != "" {
		cmd = exec.Command(serverBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "keepaway")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/keepaway"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start keepaway process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRunsTable(table *tview.Table, runs []domain.RunRecord, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Rounds", "Mode", "Metric", "Created"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Status)))
		table.SetCell(row, 2, tview.NewTableCell(strconv.Itoa(r.Rounds)))
		table.SetCell(row, 3, tview.NewTableCell(modeLabel(r)))
		table.SetCell(row, 4, tview.NewTableCell(strconv.FormatUint(r.Metric, 10)))
		table.SetCell(row, 5, tview.NewTableCell(r.CreatedAt.Local().Format("15:04:05")))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func renderCounts(run domain.RunRecord) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Run: %s  status=%s  %s  modulus=%d  elapsed=%dms\n",
		shortID(run.ID), run.Status, modeLabel(run), run.Modulus, run.ElapsedMS))
	if run.LastError != "" {
		b.WriteString("[red]error: " + trimLine(run.LastError, 120) + "[-]\n")
	}
	var top uint64
	for _, c := range run.Counts {
		if c.Processed > top {
			top = c.Processed
		}
	}
	for _, c := range run.Counts {
		b.WriteString(fmt.Sprintf("agent %-3d %10d %s\n", c.AgentID, c.Processed, bar(c.Processed, top, 30)))
	}
	if run.Status == domain.RunStatusFinished {
		b.WriteString(fmt.Sprintf("[yellow]metric %d[-]\n", run.Metric))
	}
	return b.String()
}

func renderTimeline(rounds []domain.RoundStat) string {
	if len(rounds) == 0 {
		return "No rounds"
	}
	var b strings.Builder
	for _, r := range rounds {
		b.WriteString(fmt.Sprintf("round %-6d transfers=%-5d queues=%v processed=%v\n",
			r.Round, r.Transfers, r.QueueDepths, r.Processed))
	}
	return b.String()
}

func modeLabel(r domain.RunRecord) string {
	if r.Relief {
		return fmt.Sprintf("relief /%d", r.ReliefFactor)
	}
	return "plain"
}

func bar(v, top uint64, width int) string {
	if top == 0 {
		return ""
	}
	n := int(v * uint64(width) / top)
	return strings.Repeat("#", n)
}

func (c *client) startRun(in runRequest) (domain.RunRecord, error) {
	var run domain.RunRecord
	if err := c.postJSON("/runs", in, &run); err != nil {
		return domain.RunRecord{}, err
	}
	return run, nil
}

func (c *client) listRuns(limit int) ([]domain.RunRecord, error) {
	var out []domain.RunRecord
	if err := c.getJSON(fmt.Sprintf("/runs?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getRun(runID string) (domain.RunRecord, error) {
	var out domain.RunRecord
	if err := c.getJSON("/runs/"+url.PathEscape(runID), &out); err != nil {
		return domain.RunRecord{}, err
	}
	return out, nil
}

func (c *client) listRounds(runID string, limit int) ([]domain.RoundStat, error) {
	var out []domain.RoundStat
	if err := c.getJSON(fmt.Sprintf("/runs/%s/rounds?limit=%d", url.PathEscape(runID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
