package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WatchStatus string

const (
	WatchStatusActive WatchStatus = "active"
	WatchStatusPaused WatchStatus = "paused"
)

// Watch binds a filesystem path to an optional natural-language action.
type Watch struct {
	ID              string      `json:"id"`
	RoomID          string      `json:"room_id,omitempty"`
	Path            string      `json:"path"`
	Action          string      `json:"action,omitempty"`
	Status          WatchStatus `json:"status"`
	TriggerCount    int         `json:"trigger_count"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

const watchColumns = `id, room_id, path, action, status, trigger_count, last_triggered_at, created_at, updated_at`

func scanWatch(scanFn func(dest ...any) error, w *Watch) error {
	var last sql.NullTime
	if err := scanFn(&w.ID, &w.RoomID, &w.Path, &w.Action, &w.Status, &w.TriggerCount, &last,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return err
	}
	w.LastTriggeredAt = timePtr(last)
	return nil
}

func (s *Store) CreateWatch(ctx context.Context, w Watch) (Watch, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WatchStatusActive
	}
	ts := now()
	w.CreatedAt, w.UpdatedAt = ts, ts
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watches (id, room_id, path, action, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?);
	`, w.ID, w.RoomID, w.Path, w.Action, w.Status, ts, ts)
	if err != nil {
		return Watch{}, fmt.Errorf("create watch: %w", err)
	}
	return w, nil
}

func (s *Store) GetWatch(ctx context.Context, id string) (*Watch, error) {
	var w Watch
	err := scanWatch(s.db.QueryRowContext(ctx, `SELECT `+watchColumns+` FROM watches WHERE id = ?;`, id).Scan, &w)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("watch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get watch: %w", err)
	}
	return &w, nil
}

func (s *Store) ListActiveWatches(ctx context.Context) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+watchColumns+` FROM watches WHERE status = ? ORDER BY created_at ASC;
	`, WatchStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active watches: %w", err)
	}
	defer rows.Close()
	var out []Watch
	for rows.Next() {
		var w Watch
		if err := scanWatch(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) SetWatchStatus(ctx context.Context, id string, status WatchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watches SET status = ?, updated_at = ? WHERE id = ?;`, status, now(), id)
	if err != nil {
		return fmt.Errorf("set watch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordWatchTrigger bumps the trigger count and stamps the trigger time.
func (s *Store) RecordWatchTrigger(ctx context.Context, id string, at time.Time) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE watches SET trigger_count = trigger_count + 1, last_triggered_at = ?, updated_at = ? WHERE id = ?;
		`, at.UTC(), now(), id)
		if err != nil {
			return fmt.Errorf("record watch trigger: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteWatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}
	return nil
}
