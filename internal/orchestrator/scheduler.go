package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"keepaway/internal/agent"
	"keepaway/internal/domain"
	"keepaway/internal/messaging/inproc"
	"keepaway/internal/modulus"
	"keepaway/internal/policy"
	"keepaway/internal/stats"
)

var ErrRunFinished = errors.New("run already finished")

// RoundObserver is called after every completed round.
type RoundObserver func(stat domain.RoundStat)

type AgentState struct {
	ID        int      `json:"id"`
	Items     []uint64 `json:"items"`
	Processed uint64   `json:"processed"`
}

type Result struct {
	Rounds  int                 `json:"rounds"`
	Modulus uint64              `json:"modulus"`
	Counts  []uint64            `json:"counts"`
	Ranking []domain.AgentCount `json:"ranking"`
	Metric  uint64              `json:"metric"`
}

// Scheduler drives one run. Agents take turns in id order and every transfer lands in
// the destination queue before the next item is inspected, so an agent later in the
// order handles forwarded items within the same round.
type Scheduler struct {
	agents    []*agent.Agent
	bus       *inproc.Bus
	reducer   *modulus.Manager
	params    domain.Params
	logger    *log.Logger
	observers []RoundObserver

	status  domain.RunStatus
	round   int
	current int
}

func NewScheduler(specs []domain.AgentSpec, params domain.Params, logger *log.Logger) (*Scheduler, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := policy.New().Validate(specs); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	divisors := make([]uint64, 0, len(specs))
	for _, spec := range specs {
		divisors = append(divisors, spec.Classifier.Divisor)
	}
	reducer, err := modulus.New(divisors, params)
	if err != nil {
		return nil, &domain.ConfigError{AgentID: -1, Field: "divisors", Err: err}
	}

	s := &Scheduler{
		agents:  make([]*agent.Agent, 0, len(specs)),
		bus:     inproc.New(),
		reducer: reducer,
		params:  params,
		logger:  logger,
		status:  domain.RunStatusNotStarted,
		current: -1,
	}
	for _, spec := range specs {
		a := agent.New(spec)
		if err := s.bus.Register(a.ID(), a); err != nil {
			return nil, err
		}
		s.agents = append(s.agents, a)
	}
	return s, nil
}

func (s *Scheduler) Observe(fn RoundObserver) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

func (s *Scheduler) Status() domain.RunStatus {
	return s.status
}

func (s *Scheduler) Position() domain.Position {
	return domain.Position{Status: s.status, Round: s.round, Agent: s.current}
}

func (s *Scheduler) Modulus() uint64 {
	return s.reducer.Modulus()
}

func (s *Scheduler) Counts() []uint64 {
	out := make([]uint64, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.Processed()
	}
	return out
}

func (s *Scheduler) Snapshot() []AgentState {
	out := make([]AgentState, len(s.agents))
	for i, a := range s.agents {
		out[i] = AgentState{ID: a.ID(), Items: a.Items(), Processed: a.Processed()}
	}
	return out
}

// Step runs one full round.
func (s *Scheduler) Step() error {
	switch s.status {
	case domain.RunStatusFinished:
		return ErrRunFinished
	case domain.RunStatusFailed:
		return fmt.Errorf("run failed at round %d", s.round)
	}

	s.status = domain.RunStatusInRound
	s.round++
	transfers := 0
	for i, a := range s.agents {
		s.current = i
		out, turnErr := a.TakeTurn(s.reducer)
		for _, t := range out {
			if err := s.bus.Publish(t); err != nil {
				s.status = domain.RunStatusFailed
				return fmt.Errorf("round %d: %w", s.round, err)
			}
		}
		transfers += len(out)
		if turnErr != nil {
			s.status = domain.RunStatusFailed
			return fmt.Errorf("round %d: %w", s.round, turnErr)
		}
	}
	s.current = -1
	if s.round >= s.params.Rounds {
		s.status = domain.RunStatusFinished
	}

	if len(s.observers) > 0 {
		stat := s.roundStat(transfers)
		for _, fn := range s.observers {
			fn(stat)
		}
	}
	return nil
}

// Run steps through every remaining round and summarizes the counts.
func (s *Scheduler) Run() (Result, error) {
	s.logger.Printf("run started agents=%d rounds=%d relief=%t modulus=%d",
		len(s.agents), s.params.Rounds, s.params.Relief, s.reducer.Modulus())
	for s.status != domain.RunStatusFinished {
		if err := s.Step(); err != nil {
			return Result{}, err
		}
	}
	res, err := s.Result()
	if err != nil {
		return Result{}, err
	}
	s.logger.Printf("run finished rounds=%d metric=%d", res.Rounds, res.Metric)
	return res, nil
}

func (s *Scheduler) Result() (Result, error) {
	counts := s.Counts()
	metric, err := stats.Summarize(counts)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Rounds:  s.round,
		Modulus: s.reducer.Modulus(),
		Counts:  counts,
		Ranking: stats.Ranking(counts),
		Metric:  metric,
	}, nil
}

func (s *Scheduler) roundStat(transfers int) domain.RoundStat {
	stat := domain.RoundStat{
		Round:       s.round,
		Processed:   s.Counts(),
		QueueDepths: make([]int, len(s.agents)),
		Transfers:   transfers,
	}
	h := sha256.New()
	var tmp [8]byte
	for i, a := range s.agents {
		stat.QueueDepths[i] = a.Len()
		binary.LittleEndian.PutUint64(tmp[:], a.Processed())
		_, _ = h.Write(tmp[:])
		binary.LittleEndian.PutUint64(tmp[:], uint64(a.Len()))
		_, _ = h.Write(tmp[:])
		for _, v := range a.Items() {
			binary.LittleEndian.PutUint64(tmp[:], v)
			_, _ = h.Write(tmp[:])
		}
	}
	stat.Digest = hex.EncodeToString(h.Sum(nil))
	return stat
}
