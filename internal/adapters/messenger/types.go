package messenger

import "encoding/json"

// WebhookPayload is the body Meta posts for the "page" and "instagram" objects.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

// MessagingEvent is one element of entry.messaging. Exactly one of the
// optional blocks is normally set; classification picks the variant.
type MessagingEvent struct {
	Sender    Party     `json:"sender"`
	Recipient Party     `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
	Postback  *Postback `json:"postback,omitempty"`
	Referral  *Referral `json:"referral,omitempty"`
	Read      *Read     `json:"read,omitempty"`
	Delivery  *Delivery `json:"delivery,omitempty"`
}

type Party struct {
	ID string `json:"id"`
}

type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	QuickReply  *QuickReply  `json:"quick_reply,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *struct {
		MID string `json:"mid"`
	} `json:"reply_to,omitempty"`
	Referral *Referral `json:"referral,omitempty"`
}

type QuickReply struct {
	Payload string `json:"payload"`
}

type Attachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	StickerID   json.Number  `json:"sticker_id"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type Postback struct {
	MID      string    `json:"mid"`
	Title    string    `json:"title"`
	Payload  string    `json:"payload"`
	Referral *Referral `json:"referral,omitempty"`
}

type Referral struct {
	Ref    string `json:"ref"`
	Source string `json:"source"`
	Type   string `json:"type"`
	AdID   string `json:"ad_id"`
}

type Read struct {
	Watermark int64 `json:"watermark"`
}

type Delivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// Profile is the subset of the Graph user profile the resolver stores.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ProfilePic string `json:"profile_pic"`
	// Instagram-scoped ids return username instead of first/last name.
	Username string `json:"username"`
}

// DisplayName picks the best available name.
func (p *Profile) DisplayName() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.FirstName != "" || p.LastName != "":
		if p.LastName == "" {
			return p.FirstName
		}
		if p.FirstName == "" {
			return p.LastName
		}
		return p.FirstName + " " + p.LastName
	default:
		return p.Username
	}
}

type sendRequest struct {
	Recipient     Party           `json:"recipient"`
	MessagingType string          `json:"messaging_type"`
	Message       sendMessageBody `json:"message"`
}

type sendMessageBody struct {
	Text string `json:"text"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}
