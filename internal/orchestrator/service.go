package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"keepaway/internal/domain"
	"keepaway/internal/trace"
)

type Store interface {
	CreateRun(ctx context.Context, run domain.RunRecord) error
	FinishRun(ctx context.Context, run domain.RunRecord, rounds []domain.RoundStat) error
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
	ListRoundStats(ctx context.Context, runID string, limit int) ([]domain.RoundStat, error)
	PruneRuns(ctx context.Context, keep int) (int, error)
}

type Config struct {
	TraceDir     string
	HistoryLimit int
	MaxRounds    int
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 100000
	}
	return c
}

// Service executes runs on request and keeps their records in the store.
type Service struct {
	store  Store
	cfg    Config
	logger *log.Logger
}

func New(store Store, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

type RunInput struct {
	ID     string
	Specs  []domain.AgentSpec
	Params domain.Params
}

// ExecuteRun validates the input, runs it to completion and records the outcome.
// Configuration errors are returned before anything is recorded.
func (s *Service) ExecuteRun(ctx context.Context, in RunInput) (domain.RunRecord, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	params := in.Params.WithDefaults()
	if params.Rounds > s.cfg.MaxRounds {
		return domain.RunRecord{}, &domain.ConfigError{
			AgentID: -1,
			Field:   "rounds",
			Err:     fmt.Errorf("%d exceeds limit %d", params.Rounds, s.cfg.MaxRounds),
		}
	}

	sched, err := NewScheduler(in.Specs, params, s.logger)
	if err != nil {
		return domain.RunRecord{}, err
	}

	run := domain.RunRecord{
		ID:           in.ID,
		Status:       domain.RunStatusInRound,
		Rounds:       params.Rounds,
		Relief:       params.Relief,
		ReliefFactor: params.ReliefFactor,
		Agents:       len(in.Specs),
		Modulus:      sched.Modulus(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return domain.RunRecord{}, err
	}

	rounds := make([]domain.RoundStat, 0, params.Rounds)
	sched.Observe(func(stat domain.RoundStat) {
		rounds = append(rounds, stat)
	})

	var tw *trace.Writer
	if s.cfg.TraceDir != "" {
		tw, err = trace.Create(s.cfg.TraceDir, run.ID)
		if err != nil {
			s.logger.Printf("trace disabled run=%s: %v", run.ID, err)
		} else {
			sched.Observe(tw.Observe)
		}
	}

	started := time.Now()
	res, runErr := sched.Run()
	run.ElapsedMS = time.Since(started).Milliseconds()
	if tw != nil {
		if err := tw.Close(); err != nil {
			s.logger.Printf("trace close failed run=%s: %v", run.ID, err)
		}
	}

	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.LastError = runErr.Error()
		run.Counts = countsOf(sched.Counts())
	} else {
		run.Status = domain.RunStatusFinished
		run.Metric = res.Metric
		run.Counts = res.Ranking
	}
	if err := s.store.FinishRun(ctx, run, rounds); err != nil {
		return run, err
	}
	if removed, err := s.store.PruneRuns(ctx, s.cfg.HistoryLimit); err != nil {
		s.logger.Printf("prune runs failed: %v", err)
	} else if removed > 0 {
		s.logger.Printf("pruned runs count=%d", removed)
	}

	s.logger.Printf("run recorded id=%s status=%s metric=%d elapsed_ms=%d", run.ID, run.Status, run.Metric, run.ElapsedMS)
	return run, runErr
}

func (s *Service) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	return s.store.ListRuns(ctx, limit)
}

func (s *Service) ListRoundStats(ctx context.Context, runID string, limit int) ([]domain.RoundStat, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListRoundStats(ctx, runID, limit)
}

func countsOf(counts []uint64) []domain.AgentCount {
	out := make([]domain.AgentCount, len(counts))
	for i, n := range counts {
		out[i] = domain.AgentCount{AgentID: i, Processed: n}
	}
	return out
}
