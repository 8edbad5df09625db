package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusInRound    RunStatus = "in_round"
	RunStatusFinished   RunStatus = "finished"
	RunStatusFailed     RunStatus = "failed"
)

const DefaultReliefFactor uint64 = 3

// AgentSpec is one agent definition as handed over by a loader.
type AgentSpec struct {
	ID         int        `json:"id" toml:"id" yaml:"id"`
	Items      []uint64   `json:"items" toml:"items" yaml:"items"`
	Operation  Operation  `json:"operation" toml:"operation" yaml:"operation"`
	Classifier Classifier `json:"classifier" toml:"classifier" yaml:"classifier"`
}

type Params struct {
	Rounds       int    `json:"rounds"`
	Relief       bool   `json:"relief"`
	ReliefFactor uint64 `json:"relief_factor"`
}

// Part1Params is the short run with relief enabled.
func Part1Params() Params {
	return Params{Rounds: 20, Relief: true, ReliefFactor: DefaultReliefFactor}
}

// Part2Params is the long run with only modulus reduction.
func Part2Params() Params {
	return Params{Rounds: 10000, Relief: false, ReliefFactor: DefaultReliefFactor}
}

func (p Params) WithDefaults() Params {
	if p.ReliefFactor == 0 {
		p.ReliefFactor = DefaultReliefFactor
	}
	return p
}

func (p Params) Validate() error {
	if p.Rounds <= 0 {
		return &ConfigError{AgentID: -1, Field: "rounds", Err: ErrInvalidRounds}
	}
	if p.Relief && p.ReliefFactor == 0 {
		return &ConfigError{AgentID: -1, Field: "relief_factor", Err: ErrInvalidReliefFactor}
	}
	return nil
}

// Transfer is one item leaving an agent during its turn.
type Transfer struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Value uint64 `json:"value"`
}

// Position is the scheduler's place in the run. Agent is -1 between rounds.
type Position struct {
	Status RunStatus `json:"status"`
	Round  int       `json:"round"`
	Agent  int       `json:"agent"`
}

type RoundStat struct {
	Round       int      `json:"round"`
	Processed   []uint64 `json:"processed"`
	QueueDepths []int    `json:"queue_depths"`
	Transfers   int      `json:"transfers"`
	Digest      string   `json:"digest"`
}

type AgentCount struct {
	AgentID   int    `json:"agent_id"`
	Processed uint64 `json:"processed"`
}

type RunRecord struct {
	ID           string       `json:"id"`
	Status       RunStatus    `json:"status"`
	Rounds       int          `json:"rounds"`
	Relief       bool         `json:"relief"`
	ReliefFactor uint64       `json:"relief_factor"`
	Agents       int          `json:"agents"`
	Modulus      uint64       `json:"modulus"`
	Metric       uint64       `json:"metric"`
	Counts       []AgentCount `json:"counts"`
	LastError    string       `json:"last_error,omitempty"`
	ElapsedMS    int64        `json:"elapsed_ms"`
	CreatedAt    time.Time    `json:"created_at"`
}
