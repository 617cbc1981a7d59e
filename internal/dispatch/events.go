package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to subscribers.
const (
	EventMessageReceived     = "message.received"
	EventConversationCreated = "conversation.created"
	EventSessionStarted      = "session.started"
	EventSessionHandedOff    = "session.handed_off"
	EventSessionExpired      = "session.expired"
	EventAgentReplied        = "agent.replied"
)

var supportedEventTypes = []string{
	EventMessageReceived,
	EventConversationCreated,
	EventSessionStarted,
	EventSessionHandedOff,
	EventSessionExpired,
	EventAgentReplied,
}

var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

func IsValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

// Event is the document published to RabbitMQ and the events webhook.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType, companyID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		CompanyID:  companyID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}
