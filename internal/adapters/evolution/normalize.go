package evolution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"omnidesk/internal/models"
)

const (
	EventMessagesUpsert = "messages.upsert"
	EventMessagesUpdate = "messages.update"
)

// Normalize converts an Evolution webhook into canonical envelopes. Events
// other than message upserts and status updates produce nothing.
func Normalize(p *WebhookPayload) ([]models.Envelope, []models.Skip, error) {
	if p.Instance == "" {
		return nil, nil, fmt.Errorf("evolution payload has no instance")
	}

	items, err := splitData(p.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding evolution data: %w", err)
	}

	var (
		envelopes []models.Envelope
		skips     []models.Skip
	)
	for i, raw := range items {
		var (
			env    *models.Envelope
			reason string
		)
		switch p.EventName() {
		case EventMessagesUpsert:
			env, reason = normalizeUpsert(p.Instance, raw)
		case EventMessagesUpdate:
			env, reason = normalizeUpdate(p.Instance, raw)
		default:
			reason = "unsupported event " + p.Event
		}
		if reason != "" {
			skips = append(skips, models.Skip{Source: p.Instance, Index: i, Reason: reason})
			continue
		}
		envelopes = append(envelopes, *env)
	}
	return envelopes, skips, nil
}

func splitData(data json.RawMessage) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] != '[' {
		return []json.RawMessage{data}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func normalizeUpsert(instance string, raw json.RawMessage) (*models.Envelope, string) {
	var d UpsertData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, "malformed event: " + err.Error()
	}
	if d.Key.FromMe {
		return nil, "echo"
	}
	if skip := jidSkipReason(d.Key.RemoteJID); skip != "" {
		return nil, skip
	}
	phone := PhoneFromJID(d.Key.RemoteJID)
	if phone == "" {
		return nil, "missing sender id"
	}

	env := &models.Envelope{
		Kind:              models.KindMessage,
		Provider:          models.ProviderEvolution,
		ChannelType:       models.ChannelWhatsApp,
		ChannelExternalID: instance,
		SenderID:          phone,
		SenderName:        strings.TrimSpace(d.PushName),
		SenderPhone:       "+" + phone,
		ExternalID:        d.Key.ID,
		Timestamp:         unixTime(int64(d.MessageTimestamp)),
		Metadata:          map[string]any{"provider": string(models.ProviderEvolution), "remote_jid": d.Key.RemoteJID},
	}
	classify(env, d.Message)

	if env.ExternalID == "" {
		env.ExternalID = fmt.Sprintf("%s:%s:%d", env.Kind, env.SenderID, env.Timestamp.UnixMilli())
	}
	return env, ""
}

func classify(env *models.Envelope, m *MessageContent) {
	if m == nil {
		env.ContentType = models.MessageFallback
		env.Content = "[unsupported message]"
		return
	}

	switch {
	case m.Conversation != "":
		env.ContentType = models.MessageText
		env.Content = m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		env.ContentType = models.MessageText
		env.Content = m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		media(env, m, models.MessageImage, m.ImageMessage, m.ImageMessage.Caption)
	case m.VideoMessage != nil:
		media(env, m, models.MessageVideo, m.VideoMessage, m.VideoMessage.Caption)
	case m.AudioMessage != nil:
		media(env, m, models.MessageAudio, m.AudioMessage, "")
	case m.DocumentMessage != nil:
		media(env, m, models.MessageFile, m.DocumentMessage,
			firstNonEmpty(m.DocumentMessage.Caption, m.DocumentMessage.FileName, m.DocumentMessage.Title))
	case m.StickerMessage != nil:
		media(env, m, models.MessageSticker, m.StickerMessage, "")
	case m.LocationMessage != nil:
		lat, long := m.LocationMessage.DegreesLatitude, m.LocationMessage.DegreesLongitude
		env.ContentType = models.MessageLocation
		env.Content = "Location: " + formatCoord(lat) + ", " + formatCoord(long)
		env.Attachments = []models.Attachment{{Type: models.MessageLocation, Title: m.LocationMessage.Name, Latitude: &lat, Longitude: &long}}
		env.Metadata["latitude"] = lat
		env.Metadata["longitude"] = long
		if m.LocationMessage.Address != "" {
			env.Metadata["address"] = m.LocationMessage.Address
		}
	case m.ButtonsResponseMessage != nil:
		b := m.ButtonsResponseMessage
		env.Kind = models.KindPostback
		env.ContentType = models.MessagePostback
		env.Content = firstNonEmpty(b.SelectedDisplayText, b.SelectedButtonID, "[postback]")
		env.Metadata["payload"] = b.SelectedButtonID
	case m.ListResponseMessage != nil:
		l := m.ListResponseMessage
		env.ContentType = models.MessageQuickReply
		env.Content = firstNonEmpty(l.Title, l.SingleSelectReply.SelectedRowID, "[quick reply]")
		env.Metadata["payload"] = l.SingleSelectReply.SelectedRowID
	default:
		env.ContentType = models.MessageFallback
		env.Content = "[unsupported message]"
	}
}

func media(env *models.Envelope, m *MessageContent, t models.MessageType, mm *MediaMessage, caption string) {
	env.ContentType = t
	env.MimeType = mm.Mimetype
	env.MediaURL = mm.URL
	if m.Base64 != "" && mm.Mimetype != "" {
		// WhatsApp CDN urls are encrypted; the inline copy is the usable one
		env.MediaURL = "data:" + mm.Mimetype + ";base64," + m.Base64
	}
	env.Content = firstNonEmpty(caption, "["+string(t)+"]")
	// The data URL stays on the envelope for mirroring; it is never stored.
	env.Attachments = []models.Attachment{{Type: t, URL: mm.URL, MimeType: mm.Mimetype, Title: mm.FileName, Inline: m.Base64 != ""}}
	if mm.URL != "" {
		env.Metadata["media_url"] = mm.URL
	}
	if mm.Seconds > 0 {
		env.Metadata["duration_seconds"] = mm.Seconds
	}
}

func normalizeUpdate(instance string, raw json.RawMessage) (*models.Envelope, string) {
	var d UpdateData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, "malformed event: " + err.Error()
	}
	if skip := jidSkipReason(d.JID()); skip != "" {
		return nil, skip
	}

	var kind models.EnvelopeKind
	switch strings.ToUpper(d.Status) {
	case "DELIVERY_ACK":
		kind = models.KindDelivery
	case "READ", "PLAYED":
		kind = models.KindRead
	default:
		return nil, "unsupported status " + d.Status
	}

	id := d.MessageID()
	phone := PhoneFromJID(d.JID())
	if id == "" || phone == "" {
		return nil, "missing message id"
	}

	return &models.Envelope{
		Kind:              kind,
		Provider:          models.ProviderEvolution,
		ChannelType:       models.ChannelWhatsApp,
		ChannelExternalID: instance,
		SenderID:          phone,
		ReceiptIDs:        []string{id},
		Timestamp:         time.Now().UTC(),
		Metadata:          map[string]any{"provider": string(models.ProviderEvolution)},
	}, ""
}

func jidSkipReason(jid string) string {
	switch {
	case strings.HasSuffix(jid, "@g.us"):
		return "group message"
	case strings.HasSuffix(jid, "@broadcast"):
		return "broadcast message"
	case strings.HasSuffix(jid, "@newsletter"):
		return "newsletter message"
	}
	return ""
}

// PhoneFromJID extracts the digits of a user JID such as
// "5511999999999:12@s.whatsapp.net".
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	for _, r := range user {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return user
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
