package engine

// Event types published while a turn progresses. Subscribers (the
// websocket hub) relay these to connected clients.
const (
	EventTyping  = "typing"
	EventDelta   = "delta"
	EventMessage = "message"
	EventError   = "error"
)

// Event describes one observable transcript change.
type Event struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
}

// Notifier receives turn events. Implementations must not block; the
// engine publishes from the streaming path.
type Notifier interface {
	Publish(ev Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}
