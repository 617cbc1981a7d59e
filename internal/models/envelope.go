package models

import "time"

// EnvelopeKind discriminates the canonical inbound event variants.
type EnvelopeKind string

const (
	KindMessage  EnvelopeKind = "message"
	KindPostback EnvelopeKind = "postback"
	KindReferral EnvelopeKind = "referral"
	KindRead     EnvelopeKind = "read"
	KindDelivery EnvelopeKind = "delivery"
)

// Provider names the webhook source an envelope came from.
type Provider string

const (
	ProviderMeta      Provider = "meta"
	ProviderEvolution Provider = "evolution"
)

// Attachment is one normalized media or location item.
type Attachment struct {
	Type      MessageType `json:"type"`
	URL       string      `json:"url,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	Title     string      `json:"title,omitempty"`
	StickerID string      `json:"sticker_id,omitempty"`
	Latitude  *float64    `json:"latitude,omitempty"`
	Longitude *float64    `json:"longitude,omitempty"`
	// Inline marks media whose bytes arrived in the event itself.
	Inline bool `json:"inline,omitempty"`
}

// Envelope is the provider-independent form of one inbound webhook event.
// Content fields are only meaningful for KindMessage, KindPostback and
// KindReferral; receipts carry Watermark and ReceiptIDs.
type Envelope struct {
	Kind              EnvelopeKind
	Provider          Provider
	ChannelType       ChannelType
	ChannelExternalID string
	SenderID          string
	RecipientID       string
	SenderName        string
	SenderPhone       string
	ExternalID        string
	Timestamp         time.Time

	Content     string
	ContentType MessageType
	MediaURL    string
	MimeType    string
	Attachments []Attachment

	Watermark  time.Time
	ReceiptIDs []string

	Metadata map[string]any
}

// IsReceipt reports whether the envelope is a delivery or read signal.
func (e *Envelope) IsReceipt() bool {
	return e.Kind == KindRead || e.Kind == KindDelivery
}

// ReceiptStatus maps a receipt kind to the message status it implies.
func (e *Envelope) ReceiptStatus() MessageStatus {
	if e.Kind == KindRead {
		return MessageRead
	}
	return MessageDelivered
}

// ConversationKey groups envelopes that write to the same conversation.
func (e *Envelope) ConversationKey() string {
	return string(e.ChannelType) + "|" + e.ChannelExternalID + "|" + e.SenderID
}

// Skip records a provider event that produced no envelope.
type Skip struct {
	Source string
	Index  int
	Reason string
}

// Profile is what a provider can tell about a contact.
type Profile struct {
	Name       string
	PictureURL string
}
