package models

import (
	"time"
)

type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelMessenger ChannelType = "messenger"
	ChannelInstagram ChannelType = "instagram"
	ChannelWebchat   ChannelType = "webchat"
	ChannelEmail     ChannelType = "email"
)

const (
	ChannelStatusActive   = "active"
	ChannelStatusInactive = "inactive"
)

// Channel is one connected provider account. Credentials are opaque to the core
// apart from the keys read by the provider clients.
type Channel struct {
	ID          string      `db:"id" json:"id"`
	CompanyID   string      `db:"company_id" json:"company_id"`
	Type        ChannelType `db:"type" json:"type"`
	ExternalID  string      `db:"external_id" json:"external_id"`
	Credentials JSONMap     `db:"credentials" json:"-"`
	Status      string      `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// Credential returns a string credential by key, or "".
func (c *Channel) Credential(key string) string {
	return c.Credentials.String(key)
}

// Contact is keyed by (CompanyID, ChannelType, ExternalID).
type Contact struct {
	ID                string      `db:"id" json:"id"`
	CompanyID         string      `db:"company_id" json:"company_id"`
	ChannelType       ChannelType `db:"channel_type" json:"channel_type"`
	ExternalID        string      `db:"external_id" json:"external_id"`
	Name              string      `db:"name" json:"name"`
	ProfilePictureURL string      `db:"profile_picture_url" json:"profile_picture_url,omitempty"`
	PhoneOrEmail      string      `db:"phone_or_email" json:"phone_or_email,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationWaiting  ConversationStatus = "waiting"
	ConversationResolved ConversationStatus = "resolved"
	ConversationClosed   ConversationStatus = "closed"
)

// IsActive reports whether the conversation still accepts new messages
// without opening a new one.
func (s ConversationStatus) IsActive() bool {
	return s == ConversationOpen || s == ConversationWaiting
}

type Conversation struct {
	ID            string             `db:"id" json:"id"`
	CompanyID     string             `db:"company_id" json:"company_id"`
	ChannelID     string             `db:"channel_id" json:"channel_id"`
	ContactID     string             `db:"contact_id" json:"contact_id"`
	Status        ConversationStatus `db:"status" json:"status"`
	LastMessage   string             `db:"last_message" json:"last_message"`
	LastMessageAt *time.Time         `db:"last_message_at" json:"last_message_at,omitempty"`
	UnreadCount   int                `db:"unread_count" json:"unread_count"`
	AssignedTo    string             `db:"assigned_to" json:"assigned_to,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageVideo      MessageType = "video"
	MessageAudio      MessageType = "audio"
	MessageFile       MessageType = "file"
	MessageLocation   MessageType = "location"
	MessageSticker    MessageType = "sticker"
	MessagePostback   MessageType = "postback"
	MessageQuickReply MessageType = "quick_reply"
	MessageReferral   MessageType = "referral"
	MessageFallback   MessageType = "fallback"
)

// HasMedia reports whether messages of this type may carry a media URL worth mirroring.
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSticker:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageStatus string

const (
	MessageReceived  MessageStatus = "received"
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message content never changes after insert. Status and Metadata may be annotated.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	ContactID      string        `db:"contact_id" json:"contact_id"`
	Content        string        `db:"content" json:"content"`
	MessageType    MessageType   `db:"message_type" json:"message_type"`
	Direction      Direction     `db:"direction" json:"direction"`
	ExternalID     string        `db:"external_id" json:"external_id,omitempty"`
	Status         MessageStatus `db:"status" json:"status"`
	Metadata       JSONMap       `db:"metadata" json:"metadata,omitempty"`
	Timestamp      time.Time     `db:"sent_at" json:"timestamp"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

type AgentStatus string

const (
	AgentDraft  AgentStatus = "draft"
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
)

type FallbackType string

const (
	FallbackMessage FallbackType = "message"
	FallbackHandoff FallbackType = "handoff"
)

type AIAgent struct {
	ID                    string       `db:"id" json:"id"`
	CompanyID             string       `db:"company_id" json:"company_id"`
	Name                  string       `db:"name" json:"name"`
	Status                AgentStatus  `db:"status" json:"status"`
	ConfidenceThreshold   float64      `db:"confidence_threshold" json:"confidence_threshold"`
	MaxMessagesPerSession int          `db:"max_messages_per_session" json:"max_messages_per_session"`
	SessionTimeoutMinutes int          `db:"session_timeout_minutes" json:"session_timeout_minutes"`
	FallbackType          FallbackType `db:"fallback_type" json:"fallback_type"`
	FallbackMessage       string       `db:"fallback_message" json:"fallback_message"`
	HandoffBehavior       string       `db:"handoff_behavior" json:"handoff_behavior"`
	HandoffMessage        string       `db:"handoff_message" json:"handoff_message"`
	SystemPrompt          string       `db:"system_prompt" json:"system_prompt"`
	CreatedAt             time.Time    `db:"created_at" json:"created_at"`
}

// SessionTimeout is zero when the agent has no timeout.
func (a *AIAgent) SessionTimeout() time.Duration {
	if a.SessionTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(a.SessionTimeoutMinutes) * time.Minute
}

type AgentChannel struct {
	AgentID   string `db:"agent_id" json:"agent_id"`
	ChannelID string `db:"channel_id" json:"channel_id"`
	IsEnabled bool   `db:"is_enabled" json:"is_enabled"`
}

type SessionStatus string

const (
	SessionActive          SessionStatus = "active"
	SessionWaitingResponse SessionStatus = "waiting_response"
	SessionCompleted       SessionStatus = "completed"
	SessionHandedOff       SessionStatus = "handed_off"
	SessionExpired         SessionStatus = "expired"
)

// IsOpen reports whether the session still belongs to the agent.
func (s SessionStatus) IsOpen() bool {
	return s == SessionActive || s == SessionWaitingResponse
}

type AgentSession struct {
	ID               string        `db:"id" json:"id"`
	AgentID          string        `db:"agent_id" json:"agent_id"`
	ConversationID   string        `db:"conversation_id" json:"conversation_id"`
	ContactID        string        `db:"contact_id" json:"contact_id"`
	Status           SessionStatus `db:"status" json:"status"`
	MessagesSent     int           `db:"messages_sent" json:"messages_sent"`
	MessagesReceived int           `db:"messages_received" json:"messages_received"`
	IntentHistory    StringList    `db:"intent_history" json:"intent_history"`
	SentimentHistory StringList    `db:"sentiment_history" json:"sentiment_history"`
	ConfidenceScores FloatList     `db:"confidence_scores" json:"confidence_scores"`
	CollectedData    JSONMap       `db:"collected_data" json:"collected_data"`
	HandoffReason    string        `db:"handoff_reason" json:"handoff_reason,omitempty"`
	LastActivityAt   time.Time     `db:"last_activity_at" json:"last_activity_at"`
	StartedAt        time.Time     `db:"started_at" json:"started_at"`
	EndedAt          *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	Version          int           `db:"version" json:"version"`
}

// LastConfidence returns the most recent confidence score.
func (s *AgentSession) LastConfidence() (float64, bool) {
	if len(s.ConfidenceScores) == 0 {
		return 0, false
	}
	return s.ConfidenceScores[len(s.ConfidenceScores)-1], true
}

// Handoff rule condition types.
const (
	ConditionAlways     = "always"
	ConditionKeyword    = "keyword"
	ConditionRegex      = "regex"
	ConditionIntent     = "intent"
	ConditionSentiment  = "sentiment"
	ConditionConfidence = "confidence"
)

type HandoffRule struct {
	ID             string `db:"id" json:"id"`
	AgentID        string `db:"agent_id" json:"agent_id"`
	Priority       int    `db:"priority" json:"priority"`
	ConditionType  string `db:"condition_type" json:"condition_type"`
	ConditionValue string `db:"condition_value" json:"condition_value"`
	ReasonCode     string `db:"reason_code" json:"reason_code"`
	PreMessage     string `db:"pre_message" json:"pre_message,omitempty"`
	IsEnabled      bool   `db:"is_enabled" json:"is_enabled"`
}

type Skill struct {
	ID            string     `db:"id" json:"id"`
	AgentID       string     `db:"agent_id" json:"agent_id"`
	Name          string     `db:"name" json:"name"`
	SkillType     string     `db:"skill_type" json:"skill_type"`
	MatchPatterns StringList `db:"match_patterns" json:"match_patterns"`
	Responses     StringList `db:"responses" json:"responses"`
	Priority      int        `db:"priority" json:"priority"`
	IsEnabled     bool       `db:"is_enabled" json:"is_enabled"`
}
