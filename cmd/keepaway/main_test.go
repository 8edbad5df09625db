package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"keepaway/internal/domain"
	"keepaway/internal/loader"
	"keepaway/internal/orchestrator"
	sqlitestore "keepaway/internal/store/sqlite"
)

const examplePath = "../../internal/loader/testdata/example.txt"

func newTestServer(t *testing.T, withDefaults bool) *httptest.Server {
	t.Helper()
	store, err := sqlitestore.Open()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	a := &app{
		orchestrator: orchestrator.New(store, orchestrator.Config{}, log.New(io.Discard, "", 0)),
		defaults:     domain.Part1Params(),
	}
	if withDefaults {
		specs, err := loader.LoadFile(examplePath)
		if err != nil {
			t.Fatalf("load example: %v", err)
		}
		a.specs = specs
	}
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return srv
}

func postRun(t *testing.T, srv *httptest.Server, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestPostRunWithInlineInput(t *testing.T) {
	srv := newTestServer(t, false)
	text, err := os.ReadFile(examplePath)
	if err != nil {
		t.Fatalf("read example: %v", err)
	}

	resp := postRun(t, srv, map[string]any{"rounds": 20, "relief": true, "input": string(text)})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var run domain.RunRecord
	decode(t, resp, &run)
	if run.Metric != 10605 || run.Status != domain.RunStatusFinished {
		t.Fatalf("run=%+v", run)
	}

	got, err := http.Get(srv.URL + "/runs/" + run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", got.StatusCode)
	}

	rounds, err := http.Get(srv.URL + "/runs/" + run.ID + "/rounds?limit=5")
	if err != nil {
		t.Fatalf("get rounds: %v", err)
	}
	defer rounds.Body.Close()
	var stats []domain.RoundStat
	decode(t, rounds, &stats)
	if len(stats) != 5 || stats[0].Round != 1 {
		t.Fatalf("rounds=%+v", stats)
	}
}

func TestPostRunUsesConfiguredDefaults(t *testing.T) {
	srv := newTestServer(t, true)

	resp := postRun(t, srv, map[string]any{"rounds": 10000, "relief": false})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var run domain.RunRecord
	decode(t, resp, &run)
	if run.Metric != 2713310158 {
		t.Fatalf("metric=%d", run.Metric)
	}

	list, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer list.Body.Close()
	var runs []domain.RunRecord
	decode(t, list, &runs)
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestPostRunRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, false)

	cases := []map[string]any{
		{"rounds": 20},
		{"rounds": 20, "input": "Monkey 0:\n  Starting items: 1\n"},
		{"rounds": 20, "input": "{}", "format": "json"},
	}
	for _, body := range cases {
		resp := postRun(t, srv, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body=%v status=%d", body, resp.StatusCode)
		}
	}
}

func TestPostRunConfigErrorIsBadRequest(t *testing.T) {
	srv := newTestServer(t, true)

	resp := postRun(t, srv, map[string]any{"rounds": 20, "relief": true, "input": "Monkey 0:\n  Starting items: 1\n  Operation: new = old + 1\n  Test: divisible by 2\n    If true: throw to monkey 0\n    If false: throw to monkey 0\n"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["error"] == "" {
		t.Fatalf("missing error body")
	}
}

func TestUnknownRunIsNotFound(t *testing.T) {
	srv := newTestServer(t, false)

	for _, path := range []string{"/runs/missing", "/runs/missing/rounds"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
