package notify

import (
	"context"
	"time"

	"fleetalert/internal/domain"
)

// Event is one notification-worthy alert transition.
// Params: event type, alert snapshot, and transition timestamp.
// Returns: formatter input produced by the lifecycle manager.
type Event struct {
	Type       domain.EventType
	Alert      domain.Alert
	OccurredAt time.Time
}

// Field is one short labeled value inside a rendered message.
// Params: label/value pair and side-by-side layout hint.
// Returns: structured message detail.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Message is one rendered channel-agnostic notification.
// Params: accent color, title, body, detail fields, and suggestion line.
// Returns: payload each sender serializes for its transport.
type Message struct {
	Color      string
	Title      string
	Text       string
	Fields     []Field
	Suggestion string
}

// SendResult returns sender-specific metadata after successful delivery.
// Params: optional transport message identifier.
// Returns: delivery metadata.
type SendResult struct {
	MessageID int
}

// Sender delivers one rendered message to one channel.
// Params: context and rendered message.
// Returns: delivery metadata and transport error classification.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}
