package evolution

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// WebhookPayload is the envelope Evolution API posts for every instance event.
type WebhookPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	Sender   string          `json:"sender"`
	DateTime string          `json:"date_time"`
	APIKey   string          `json:"apikey"`
}

// EventName returns the event in dotted lower case; Evolution emits both
// "messages.upsert" and "MESSAGES_UPSERT" depending on server config.
func (p *WebhookPayload) EventName() string {
	return strings.ReplaceAll(strings.ToLower(p.Event), "_", ".")
}

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant"`
}

// UpsertData is one received message.
type UpsertData struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *MessageContent `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
}

type MessageContent struct {
	Conversation           string                  `json:"conversation"`
	ExtendedTextMessage    *ExtendedText           `json:"extendedTextMessage,omitempty"`
	ImageMessage           *MediaMessage           `json:"imageMessage,omitempty"`
	VideoMessage           *MediaMessage           `json:"videoMessage,omitempty"`
	AudioMessage           *MediaMessage           `json:"audioMessage,omitempty"`
	DocumentMessage        *MediaMessage           `json:"documentMessage,omitempty"`
	StickerMessage         *MediaMessage           `json:"stickerMessage,omitempty"`
	LocationMessage        *LocationMessage        `json:"locationMessage,omitempty"`
	ButtonsResponseMessage *ButtonsResponseMessage `json:"buttonsResponseMessage,omitempty"`
	ListResponseMessage    *ListResponseMessage    `json:"listResponseMessage,omitempty"`
	// Base64 is filled when the instance has webhook_base64 enabled.
	Base64 string `json:"base64,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type MediaMessage struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
	Title    string `json:"title"`
	Seconds  int    `json:"seconds"`
}

type LocationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name"`
	Address          string  `json:"address"`
}

type ButtonsResponseMessage struct {
	SelectedButtonID    string `json:"selectedButtonId"`
	SelectedDisplayText string `json:"selectedDisplayText"`
}

type ListResponseMessage struct {
	Title             string `json:"title"`
	SingleSelectReply struct {
		SelectedRowID string `json:"selectedRowId"`
	} `json:"singleSelectReply"`
}

// UpdateData is a status change for a message the instance sent.
type UpdateData struct {
	KeyID     string      `json:"keyId"`
	Key       *MessageKey `json:"key,omitempty"`
	RemoteJID string      `json:"remoteJid"`
	FromMe    bool        `json:"fromMe"`
	Status    string      `json:"status"`
}

// MessageID returns the WhatsApp message id regardless of payload version.
func (u *UpdateData) MessageID() string {
	if u.KeyID != "" {
		return u.KeyID
	}
	if u.Key != nil {
		return u.Key.ID
	}
	return ""
}

func (u *UpdateData) JID() string {
	if u.RemoteJID != "" {
		return u.RemoteJID
	}
	if u.Key != nil {
		return u.Key.RemoteJID
	}
	return ""
}

// flexInt accepts numbers and numeric strings; Evolution serializes
// messageTimestamp as either depending on the Baileys version.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

type profilePictureRequest struct {
	Number string `json:"number"`
}

type profilePictureResponse struct {
	WUID              string `json:"wuid"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}
