// Package trace writes per-round statistics as zstd-compressed JSON lines.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"keepaway/internal/domain"
)

type Writer struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
	err error
}

// Path is the trace file for a run inside dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, runID+".jsonl.zst")
}

func Create(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(Path(dir, runID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Writer{f: f, enc: enc, w: bufio.NewWriter(enc)}, nil
}

// Write appends one JSON line. The first error sticks and is returned by Close.
func (w *Writer) Write(v any) error {
	if w.err != nil {
		return w.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.err = err
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		w.err = err
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Observe adapts the writer to a scheduler round observer.
func (w *Writer) Observe(stat domain.RoundStat) {
	_ = w.Write(stat)
}

func (w *Writer) Close() error {
	err := w.err
	if ferr := w.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAll decodes every round stat from a trace stream.
func ReadAll(r io.Reader) ([]domain.RoundStat, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var out []domain.RoundStat
	jd := json.NewDecoder(dec)
	for jd.More() {
		var stat domain.RoundStat
		if err := jd.Decode(&stat); err != nil {
			return nil, fmt.Errorf("decode trace line: %w", err)
		}
		out = append(out, stat)
	}
	return out, nil
}
