package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RoomStatus string

const (
	RoomStatusActive  RoomStatus = "active"
	RoomStatusPaused  RoomStatus = "paused"
	RoomStatusStopped RoomStatus = "stopped"
)

type WorkerRole string

const (
	RoleQueen  WorkerRole = "queen"
	RoleWorker WorkerRole = "worker"
)

type Room struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Goal      string     `json:"goal,omitempty"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Worker is an agent seat inside a room. Each room has at most one queen.
type Worker struct {
	ID           string     `json:"id"`
	RoomID       string     `json:"room_id"`
	Name         string     `json:"name"`
	Role         WorkerRole `json:"role"`
	Model        string     `json:"model,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Activity struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
	IsError   bool      `json:"is_error"`
	CreatedAt time.Time `json:"created_at"`
}

// Message sources.
const (
	SourceClerk  = "clerk"
	SourceKeeper = "keeper"
	SourceRelay  = "relay"
)

type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id,omitempty"`
	Source    string    `json:"source"`
	Sender    string    `json:"sender,omitempty"`
	Body      string    `json:"body"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, room Room) (Room, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.Status == "" {
		room.Status = RoomStatusActive
	}
	ts := now()
	room.CreatedAt, room.UpdatedAt = ts, ts
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?);
	`, room.ID, room.Name, room.Goal, room.Status, ts, ts)
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, goal, status, created_at, updated_at FROM rooms WHERE id = ?;
	`, id).Scan(&r.ID, &r.Name, &r.Goal, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	return s.listRooms(ctx, "")
}

func (s *Store) ListActiveRooms(ctx context.Context) ([]Room, error) {
	return s.listRooms(ctx, RoomStatusActive)
}

func (s *Store) listRooms(ctx context.Context, status RoomStatus) ([]Room, error) {
	q := `SELECT id, name, goal, status, created_at, updated_at FROM rooms`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Goal, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetRoomStatus(ctx context.Context, id string, status RoomStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?;`, status, now(), id)
	if err != nil {
		return fmt.Errorf("set room status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Workers ---

func (s *Store) CreateWorker(ctx context.Context, w Worker) (Worker, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Role == "" {
		w.Role = RoleWorker
	}
	w.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, room_id, name, role, model, system_prompt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);
	`, w.ID, w.RoomID, w.Name, w.Role, w.Model, w.SystemPrompt, w.CreatedAt)
	if err != nil {
		return Worker{}, fmt.Errorf("create worker: %w", err)
	}
	return w, nil
}

const workerColumns = `id, room_id, name, role, model, system_prompt, created_at`

func scanWorker(scanFn func(dest ...any) error, w *Worker) error {
	return scanFn(&w.ID, &w.RoomID, &w.Name, &w.Role, &w.Model, &w.SystemPrompt, &w.CreatedAt)
}

func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, id).Scan, &w)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

func (s *Store) ListRoomWorkers(ctx context.Context, roomID string) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE room_id = ? ORDER BY created_at ASC;
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []Worker
	for rows.Next() {
		var w Worker
		if err := scanWorker(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// QueenOf returns the room's queen worker.
func (s *Store) QueenOf(ctx context.Context, roomID string) (*Worker, error) {
	var w Worker
	err := scanWorker(s.db.QueryRowContext(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE room_id = ? AND role = ? ORDER BY created_at ASC LIMIT 1;
	`, roomID, RoleQueen).Scan, &w)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queen of room %s: %w", roomID, ErrNotFound)
		}
		return nil, fmt.Errorf("queen of room: %w", err)
	}
	return &w, nil
}

// --- Activity ---

func (s *Store) LogRoomActivity(ctx context.Context, a Activity) (Activity, error) {
	a.CreatedAt = now()
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO room_activity (room_id, kind, summary, detail, is_error, created_at) VALUES (?, ?, ?, ?, ?, ?);
		`, a.RoomID, a.Kind, a.Summary, a.Detail, boolToInt(a.IsError), a.CreatedAt)
		if err != nil {
			return err
		}
		a.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Activity{}, fmt.Errorf("log room activity: %w", err)
	}
	return a, nil
}

// ListRoomActivity returns recent activity for a room, newest first.
func (s *Store) ListRoomActivity(ctx context.Context, roomID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, kind, summary, detail, is_error, created_at
		FROM room_activity WHERE room_id = ? ORDER BY id DESC LIMIT ?;
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list room activity: %w", err)
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		var isErr int
		if err := rows.Scan(&a.ID, &a.RoomID, &a.Kind, &a.Summary, &a.Detail, &isErr, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.IsError = isErr != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, source, sender, body, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, m.ID, m.RoomID, m.Source, m.Sender, m.Body, m.Model, m.CreatedAt)
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListMessages returns up to limit most recent messages for a room in chronological order.
// An empty roomID selects room-less messages such as commentary.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, source, sender, body, model, created_at FROM (
			SELECT id, room_id, source, sender, body, model, created_at
			FROM messages WHERE room_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC;
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Source, &m.Sender, &m.Body, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
