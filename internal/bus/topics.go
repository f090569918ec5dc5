package bus

// Event types carried on the bus.
const (
	TypeRunCreated     = "run:created"
	TypeRunCompleted   = "run:completed"
	TypeRunFailed      = "run:failed"
	TypeRunProgress    = "run:progress"
	TypeCycleCreated   = "cycle:created"
	TypeCycleCompleted = "cycle:completed"
	TypeCycleFailed    = "cycle:failed"
	TypeCycleLog       = "cycle:log"
	TypeUserMessage    = "user_message"
	TypeCommentary     = "clerk:commentary"
	TypeRoomMessage    = "room:message"
	TypeRoomActivity   = "room:activity"
	TypeWatchTriggered = "watch:triggered"
)

// Well-known channels. Room and cycle channels are derived from ids.
const (
	ChannelRuns  = "runs"
	ChannelClerk = "clerk"
)

func RoomChannel(roomID string) string   { return "room:" + roomID }
func CycleChannel(cycleID string) string { return "cycle:" + cycleID }

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() string
}

// Publish emits p on channel under its own event type.
func (b *Bus) Publish(channel string, p Payload) Event {
	return b.Emit(channel, p.EventType(), p)
}

type RunCreated struct {
	TaskID   string `json:"task_id"`
	RoomID   string `json:"room_id,omitempty"`
	TaskName string `json:"task_name"`
	Source   string `json:"source"`
}

type RunCompleted struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	RoomID     string `json:"room_id,omitempty"`
	TaskName   string `json:"task_name"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type RunFailed struct {
	RunID    string `json:"run_id,omitempty"`
	TaskID   string `json:"task_id"`
	RoomID   string `json:"room_id,omitempty"`
	TaskName string `json:"task_name"`
	Error    string `json:"error"`
}

type RunProgress struct {
	RunID    string  `json:"run_id"`
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

type CycleCreated struct {
	CycleID  string `json:"cycle_id"`
	RoomID   string `json:"room_id"`
	WorkerID string `json:"worker_id"`
}

// CycleFinished reports a terminal cycle; its event type follows Status.
type CycleFinished struct {
	CycleID    string `json:"cycle_id"`
	RoomID     string `json:"room_id"`
	WorkerID   string `json:"worker_id"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type CycleLog struct {
	CycleID   string `json:"cycle_id"`
	RoomID    string `json:"room_id"`
	Seq       int    `json:"seq"`
	EntryType string `json:"entry_type"`
	Content   string `json:"content"`
}

type UserMessage struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

type Commentary struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Model     string `json:"model,omitempty"`
}

type RoomMessage struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Body      string `json:"body"`
}

type RoomActivity struct {
	RoomID  string `json:"room_id"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	IsError bool   `json:"is_error"`
}

type WatchTriggered struct {
	WatchID string `json:"watch_id"`
	RoomID  string `json:"room_id"`
	Path    string `json:"path"`
	Op      string `json:"op"`
}

func (RunCreated) EventType() string     { return TypeRunCreated }
func (RunCompleted) EventType() string   { return TypeRunCompleted }
func (RunFailed) EventType() string      { return TypeRunFailed }
func (RunProgress) EventType() string    { return TypeRunProgress }
func (CycleCreated) EventType() string   { return TypeCycleCreated }
func (CycleLog) EventType() string       { return TypeCycleLog }
func (UserMessage) EventType() string    { return TypeUserMessage }
func (Commentary) EventType() string     { return TypeCommentary }
func (RoomMessage) EventType() string    { return TypeRoomMessage }
func (RoomActivity) EventType() string   { return TypeRoomActivity }
func (WatchTriggered) EventType() string { return TypeWatchTriggered }

func (c CycleFinished) EventType() string {
	if c.Status == "completed" {
		return TypeCycleCompleted
	}
	return TypeCycleFailed
}
