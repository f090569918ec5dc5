package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/scheduler"
)

const maxMessageBytes = 64 << 10

// TaskRunner starts a task immediately. runtime.Runtime satisfies it.
type TaskRunner interface {
	RunTaskNow(ctx context.Context, taskID string) scheduler.Result
	Running() bool
}

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Tasks  TaskRunner
	Logger *slog.Logger

	// AuthToken, when set, must be sent as a bearer token on every route but /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket connections.
	// Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /api/tasks/{id}/run", s.requireAuth(http.HandlerFunc(s.handleRunTask)))
	mux.Handle("GET /api/rooms/{id}/messages", s.requireAuth(http.HandlerFunc(s.handleListMessages)))
	mux.Handle("POST /api/rooms/{id}/messages", s.requireAuth(http.HandlerFunc(s.handlePostMessage)))
	mux.Handle("GET /ws/events", s.requireAuth(http.HandlerFunc(s.handleEvents)))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
		dbOK = false
	}
	running := s.cfg.Tasks != nil && s.cfg.Tasks.Running()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"runtime_running":    running,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["bus_listeners"] = s.cfg.Bus.ListenerCount()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not available")
		return
	}
	taskID := r.PathValue("id")
	res := s.cfg.Tasks.RunTaskNow(r.Context(), taskID)
	status := http.StatusAccepted
	switch res.Reason {
	case "":
	case scheduler.ReasonNotFound:
		status = http.StatusNotFound
	case scheduler.ReasonAlreadyRunning:
		status = http.StatusConflict
	case scheduler.ReasonNotRunning:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	s.logger.Info("run now requested", "task_id", taskID, "started", res.Started, "reason", res.Reason)
	writeJSON(w, status, res)
}

type postMessageRequest struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// handlePostMessage records a keeper message and announces it on the bus,
// which also holds commentary back while the keeper is talking.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := s.cfg.Store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req postMessageRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = "keeper"
	}

	msg, err := s.cfg.Store.InsertMessage(r.Context(), persistence.Message{
		RoomID: roomID,
		Source: persistence.SourceKeeper,
		Sender: sender,
		Body:   content,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.RoomChannel(roomID), bus.UserMessage{RoomID: roomID, Content: content})
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.cfg.Store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
