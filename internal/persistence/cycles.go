package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusFailed    CycleStatus = "failed"
)

// InterruptedError is recorded on cycles orphaned by an unclean shutdown.
const InterruptedError = "interrupted: process restarted while cycle was running"

// WorkerCycle is one execution pass of a queen or worker.
type WorkerCycle struct {
	ID           string      `json:"id"`
	RoomID       string      `json:"room_id"`
	WorkerID     string      `json:"worker_id"`
	Status       CycleStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	DurationMs   int64       `json:"duration_ms"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

type CycleLogEntry struct {
	CycleID   string    `json:"cycle_id"`
	Seq       int       `json:"seq"`
	EntryType string    `json:"entry_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CycleResult carries the terminal state passed to FinishCycle.
type CycleResult struct {
	Status       CycleStatus
	Error        string
	InputTokens  int
	OutputTokens int
}

const cycleColumns = `id, room_id, worker_id, status, error, input_tokens, output_tokens, duration_ms, started_at, finished_at`

func scanCycle(scanFn func(dest ...any) error, c *WorkerCycle) error {
	var finished sql.NullTime
	if err := scanFn(&c.ID, &c.RoomID, &c.WorkerID, &c.Status, &c.Error, &c.InputTokens, &c.OutputTokens,
		&c.DurationMs, &c.StartedAt, &finished); err != nil {
		return err
	}
	c.FinishedAt = timePtr(finished)
	return nil
}

func (s *Store) CreateCycle(ctx context.Context, roomID, workerID string) (WorkerCycle, error) {
	c := WorkerCycle{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		WorkerID:  workerID,
		Status:    CycleStatusRunning,
		StartedAt: now(),
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_cycles (id, room_id, worker_id, status, started_at) VALUES (?, ?, ?, ?, ?);
		`, c.ID, c.RoomID, c.WorkerID, c.Status, c.StartedAt)
		return err
	})
	if err != nil {
		return WorkerCycle{}, fmt.Errorf("create cycle: %w", err)
	}
	return c, nil
}

func (s *Store) GetCycle(ctx context.Context, id string) (*WorkerCycle, error) {
	var c WorkerCycle
	err := scanCycle(s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM worker_cycles WHERE id = ?;`, id).Scan, &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get cycle: %w", err)
	}
	return &c, nil
}

// AppendCycleLog appends an entry at the next sequence number for the cycle.
func (s *Store) AppendCycleLog(ctx context.Context, cycleID, entryType, content string) (CycleLogEntry, error) {
	entry := CycleLogEntry{CycleID: cycleID, EntryType: entryType, Content: content, CreatedAt: now()}
	err := retryOnBusy(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO cycle_logs (cycle_id, seq, entry_type, content, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cycle_logs WHERE cycle_id = ?), ?, ?, ?)
			RETURNING seq;
		`, cycleID, cycleID, entryType, content, entry.CreatedAt).Scan(&entry.Seq)
	})
	if err != nil {
		return CycleLogEntry{}, fmt.Errorf("append cycle log: %w", err)
	}
	return entry, nil
}

func (s *Store) ListCycleLogs(ctx context.Context, cycleID string) ([]CycleLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, seq, entry_type, content, created_at FROM cycle_logs WHERE cycle_id = ? ORDER BY seq ASC;
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list cycle logs: %w", err)
	}
	defer rows.Close()
	var out []CycleLogEntry
	for rows.Next() {
		var e CycleLogEntry
		if err := rows.Scan(&e.CycleID, &e.Seq, &e.EntryType, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cycle log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FinishCycle records a terminal status. It is a no-op for cycles already finished.
func (s *Store) FinishCycle(ctx context.Context, id string, r CycleResult) error {
	return retryOnBusy(ctx, 3, func() error {
		var startedAt time.Time
		if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM worker_cycles WHERE id = ?;`, id).Scan(&startedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("cycle %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("read cycle: %w", err)
		}
		finished := now()
		_, err := s.db.ExecContext(ctx, `
			UPDATE worker_cycles
			SET status = ?, error = ?, input_tokens = ?, output_tokens = ?, duration_ms = ?, finished_at = ?
			WHERE id = ? AND status = ?;
		`, r.Status, r.Error, r.InputTokens, r.OutputTokens, finished.Sub(startedAt).Milliseconds(), finished,
			id, CycleStatusRunning)
		if err != nil {
			return fmt.Errorf("finish cycle: %w", err)
		}
		return nil
	})
}

// ListStaleCycles returns every cycle still marked running.
func (s *Store) ListStaleCycles(ctx context.Context) ([]WorkerCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+` FROM worker_cycles WHERE status = ? ORDER BY started_at ASC;
	`, CycleStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list stale cycles: %w", err)
	}
	defer rows.Close()
	var out []WorkerCycle
	for rows.Next() {
		var c WorkerCycle
		if err := scanCycle(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCyclesInterrupted fails the given running cycles with InterruptedError.
func (s *Store) MarkCyclesInterrupted(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{CycleStatusFailed, InterruptedError, now()}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, CycleStatusRunning)
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_cycles SET status = ?, error = ?, finished_at = ?
		WHERE id IN (`+placeholders+`) AND status = ?;
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark cycles interrupted: %w", err)
	}
	return res.RowsAffected()
}
