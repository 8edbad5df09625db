package main

import (
	"strings"
	"testing"

	"keepaway/internal/domain"
)

func TestParsePrompt(t *testing.T) {
	cases := []struct {
		in      string
		want    runRequest
		wantErr bool
	}{
		{in: "20 relief", want: runRequest{Rounds: 20, Relief: true}},
		{in: "10000", want: runRequest{Rounds: 10000}},
		{in: " 20  relief 7 ", want: runRequest{Rounds: 20, Relief: true, ReliefFactor: 7}},
		{in: "5 plain", want: runRequest{Rounds: 5}},
		{in: "", wantErr: true},
		{in: "zero", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "20 fast", wantErr: true},
		{in: "20 relief 0", wantErr: true},
		{in: "20 relief 3 extra", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parsePrompt(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parsePrompt(%q) expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePrompt(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parsePrompt(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestRenderCounts(t *testing.T) {
	run := domain.RunRecord{
		ID:           "0123456789abcdef",
		Status:       domain.RunStatusFinished,
		Relief:       true,
		ReliefFactor: 3,
		Metric:       10605,
		Counts: []domain.AgentCount{
			{AgentID: 0, Processed: 101},
			{AgentID: 3, Processed: 105},
		},
	}
	out := renderCounts(run)
	for _, want := range []string{"01234567", "relief /3", "metric 10605", "agent 3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

func TestRenderTimelineEmpty(t *testing.T) {
	if got := renderTimeline(nil); got != "No rounds" {
		t.Fatalf("unexpected timeline %q", got)
	}
}
