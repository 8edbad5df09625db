package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keepaway/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	rounds INTEGER NOT NULL,
	relief INTEGER NOT NULL,
	relief_factor INTEGER NOT NULL,
	agents INTEGER NOT NULL,
	modulus INTEGER NOT NULL DEFAULT 0,
	metric INTEGER NOT NULL DEFAULT 0,
	counts TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS round_stats (
	run_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	processed TEXT NOT NULL,
	queue_depths TEXT NOT NULL,
	transfers INTEGER NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY(run_id, round),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// Store is a run registry that lives only as long as the process. It is backed by an
// in-memory database and never touches disk.
type Store struct {
	db *sql.DB
}

func Open() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusNotStarted
	}
	counts, err := json.Marshal(nonNilCounts(run.Counts))
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			id, status, rounds, relief, relief_factor, agents, modulus, metric,
			counts, last_error, elapsed_ms, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Rounds, boolInt(run.Relief), int64(run.ReliefFactor), run.Agents,
		int64(run.Modulus), int64(run.Metric), string(counts), run.LastError, run.ElapsedMS,
		run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run and its round timeline in one transaction.
func (s *Store) FinishRun(ctx context.Context, run domain.RunRecord, rounds []domain.RoundStat) error {
	counts, err := json.Marshal(nonNilCounts(run.Counts))
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = ?, modulus = ?, metric = ?, counts = ?, last_error = ?, elapsed_ms = ?
		 WHERE id = ?`,
		string(run.Status), int64(run.Modulus), int64(run.Metric), string(counts), run.LastError,
		run.ElapsedMS, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO round_stats(
		run_id, round, processed, queue_depths, transfers, digest
	) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare round insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rounds {
		processed, err := json.Marshal(r.Processed)
		if err != nil {
			return fmt.Errorf("encode processed: %w", err)
		}
		depths, err := json.Marshal(r.QueueDepths)
		if err != nil {
			return fmt.Errorf("encode queue depths: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, r.Round, string(processed), string(depths), r.Transfers, r.Digest); err != nil {
			return fmt.Errorf("insert round %d: %w", r.Round, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, status, rounds, relief, relief_factor, agents, modulus, metric,
		counts, last_error, elapsed_ms, created_at
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, status, rounds, relief, relief_factor, agents, modulus, metric,
		counts, last_error, elapsed_ms, created_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListRoundStats returns up to limit rounds of a run in round order.
func (s *Store) ListRoundStats(ctx context.Context, runID string, limit int) ([]domain.RoundStat, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT round, processed, queue_depths, transfers, digest
		FROM round_stats WHERE run_id = ? ORDER BY round ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list round stats: %w", err)
	}
	defer rows.Close()

	var out []domain.RoundStat
	for rows.Next() {
		var (
			stat      domain.RoundStat
			processed string
			depths    string
		)
		if err := rows.Scan(&stat.Round, &processed, &depths, &stat.Transfers, &stat.Digest); err != nil {
			return nil, fmt.Errorf("scan round stat: %w", err)
		}
		if err := json.Unmarshal([]byte(processed), &stat.Processed); err != nil {
			return nil, fmt.Errorf("decode processed: %w", err)
		}
		if err := json.Unmarshal([]byte(depths), &stat.QueueDepths); err != nil {
			return nil, fmt.Errorf("decode queue depths: %w", err)
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

// PruneRuns keeps the newest keep runs and drops the rest with their rounds.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id NOT IN (
		SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.RunRecord, error) {
	var (
		run          domain.RunRecord
		status       string
		relief       int
		reliefFactor int64
		modulus      int64
		metric       int64
		counts       string
		createdAt    int64
	)
	if err := row.Scan(
		&run.ID, &status, &run.Rounds, &relief, &reliefFactor, &run.Agents, &modulus, &metric,
		&counts, &run.LastError, &run.ElapsedMS, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunRecord{}, err
		}
		return domain.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.Relief = relief != 0
	run.ReliefFactor = uint64(reliefFactor)
	run.Modulus = uint64(modulus)
	run.Metric = uint64(metric)
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(counts), &run.Counts); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode counts: %w", err)
	}
	return run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilCounts(c []domain.AgentCount) []domain.AgentCount {
	if c == nil {
		return []domain.AgentCount{}
	}
	return c
}
