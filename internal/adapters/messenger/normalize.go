package messenger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"omnidesk/internal/models"
)

// Normalize converts one webhook delivery into canonical envelopes. Events that
// are echoes, malformed or unsupported are reported as skips; they never
// prevent sibling events from being normalized.
func Normalize(p *WebhookPayload) ([]models.Envelope, []models.Skip, error) {
	channelType, err := ChannelTypeForObject(p.Object)
	if err != nil {
		return nil, nil, err
	}

	var (
		envelopes []models.Envelope
		skips     []models.Skip
	)
	for _, entry := range p.Entry {
		for i, raw := range entry.Messaging {
			env, reason := normalizeEvent(channelType, entry, raw)
			if reason != "" {
				skips = append(skips, models.Skip{Source: entry.ID, Index: i, Reason: reason})
				continue
			}
			envelopes = append(envelopes, *env)
		}
	}
	return envelopes, skips, nil
}

// ChannelTypeForObject maps the webhook "object" field to a channel type.
func ChannelTypeForObject(object string) (models.ChannelType, error) {
	switch object {
	case "page":
		return models.ChannelMessenger, nil
	case "instagram":
		return models.ChannelInstagram, nil
	default:
		return "", fmt.Errorf("unsupported webhook object %q", object)
	}
}

func normalizeEvent(channelType models.ChannelType, entry Entry, raw json.RawMessage) (*models.Envelope, string) {
	var ev MessagingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, "malformed event: " + err.Error()
	}
	if ev.Sender.ID == "" {
		return nil, "missing sender id"
	}
	if ev.Sender.ID == entry.ID || (ev.Message != nil && ev.Message.IsEcho) {
		return nil, "echo"
	}

	env := &models.Envelope{
		Provider:          models.ProviderMeta,
		ChannelType:       channelType,
		ChannelExternalID: entry.ID,
		SenderID:          ev.Sender.ID,
		RecipientID:       ev.Recipient.ID,
		Timestamp:         eventTime(ev.Timestamp, entry.Time),
		Metadata:          map[string]any{"provider": string(models.ProviderMeta)},
	}
	if env.ChannelExternalID == "" {
		env.ChannelExternalID = ev.Recipient.ID
	}

	switch {
	case ev.Message != nil:
		classifyMessage(env, ev.Message)
	case ev.Postback != nil:
		env.Kind = models.KindPostback
		env.ContentType = models.MessagePostback
		env.ExternalID = ev.Postback.MID
		env.Content = firstNonEmpty(ev.Postback.Title, ev.Postback.Payload, "[postback]")
		env.Metadata["payload"] = ev.Postback.Payload
		if ev.Postback.Referral != nil {
			env.Metadata["referral"] = referralMeta(ev.Postback.Referral)
		}
	case ev.Referral != nil:
		env.Kind = models.KindReferral
		env.ContentType = models.MessageReferral
		env.Content = referralContent(ev.Referral)
		env.Metadata["referral"] = referralMeta(ev.Referral)
	case ev.Read != nil:
		env.Kind = models.KindRead
		env.Watermark = eventTime(ev.Read.Watermark, 0)
	case ev.Delivery != nil:
		env.Kind = models.KindDelivery
		env.ReceiptIDs = ev.Delivery.MIDs
		if ev.Delivery.Watermark > 0 {
			env.Watermark = eventTime(ev.Delivery.Watermark, 0)
		}
	default:
		return nil, "unsupported event"
	}

	if env.ExternalID == "" && !env.IsReceipt() {
		env.ExternalID = syntheticID(env, firstNonZero(ev.Timestamp, entry.Time), raw)
	}
	return env, ""
}

// syntheticID keys events without a mid (postbacks and referrals) so provider
// retries dedupe. It only uses data carried by the event itself.
func syntheticID(env *models.Envelope, providerMs int64, raw json.RawMessage) string {
	if providerMs > 0 {
		return fmt.Sprintf("%s:%s:%d", env.Kind, env.SenderID, providerMs)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%s:%s", env.Kind, env.SenderID, hex.EncodeToString(sum[:8]))
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func classifyMessage(env *models.Envelope, m *Message) {
	env.Kind = models.KindMessage
	env.ExternalID = m.MID
	if m.ReplyTo != nil && m.ReplyTo.MID != "" {
		env.Metadata["reply_to"] = m.ReplyTo.MID
	}
	if m.Referral != nil {
		env.Metadata["referral"] = referralMeta(m.Referral)
	}

	if m.QuickReply != nil {
		env.ContentType = models.MessageQuickReply
		env.Content = firstNonEmpty(m.Text, m.QuickReply.Payload, "[quick reply]")
		env.Metadata["payload"] = m.QuickReply.Payload
		return
	}

	if len(m.Attachments) == 0 {
		if strings.TrimSpace(m.Text) == "" {
			env.ContentType = models.MessageFallback
			env.Content = "[unsupported message]"
			return
		}
		env.ContentType = models.MessageText
		env.Content = m.Text
		return
	}

	for _, a := range m.Attachments {
		env.Attachments = append(env.Attachments, classifyAttachment(a))
	}
	first := env.Attachments[0]
	env.ContentType = first.Type
	env.MediaURL = first.URL
	env.Content = firstNonEmpty(m.Text, attachmentSummary(first))

	if env.MediaURL != "" {
		env.Metadata["media_url"] = env.MediaURL
	}
	if len(env.Attachments) > 1 {
		env.Metadata["attachment_count"] = len(env.Attachments)
	}
	if first.Latitude != nil && first.Longitude != nil {
		env.Metadata["latitude"] = *first.Latitude
		env.Metadata["longitude"] = *first.Longitude
	}
}

func classifyAttachment(a Attachment) models.Attachment {
	out := models.Attachment{URL: a.Payload.URL, Title: a.Payload.Title}
	switch a.Type {
	case "image":
		out.Type = models.MessageImage
		if s := a.Payload.StickerID.String(); s != "" && s != "0" {
			out.Type = models.MessageSticker
			out.StickerID = s
		}
	case "video":
		out.Type = models.MessageVideo
	case "audio":
		out.Type = models.MessageAudio
	case "file":
		out.Type = models.MessageFile
	case "location":
		out.Type = models.MessageLocation
		if c := a.Payload.Coordinates; c != nil {
			lat, long := c.Lat, c.Long
			out.Latitude, out.Longitude = &lat, &long
		}
	default:
		// "fallback", "template", "share", story mentions and reels
		out.Type = models.MessageFallback
	}
	return out
}

func attachmentSummary(a models.Attachment) string {
	switch a.Type {
	case models.MessageLocation:
		if a.Latitude != nil && a.Longitude != nil {
			return "Location: " + formatCoord(*a.Latitude) + ", " + formatCoord(*a.Longitude)
		}
		return "[location]"
	case models.MessageFile:
		return firstNonEmpty(a.Title, "[file]")
	case models.MessageFallback:
		return firstNonEmpty(a.Title, a.URL, "[attachment]")
	default:
		return "[" + string(a.Type) + "]"
	}
}

func referralContent(r *Referral) string {
	if r.Ref != "" {
		return "Referral: " + r.Ref
	}
	if r.Source != "" {
		return "Referral from " + strings.ToLower(r.Source)
	}
	return "[referral]"
}

func referralMeta(r *Referral) map[string]any {
	m := map[string]any{"source": r.Source, "type": r.Type}
	if r.Ref != "" {
		m["ref"] = r.Ref
	}
	if r.AdID != "" {
		m["ad_id"] = r.AdID
	}
	return m
}

func eventTime(ms, fallbackMs int64) time.Time {
	switch {
	case ms > 0:
		return time.UnixMilli(ms).UTC()
	case fallbackMs > 0:
		return time.UnixMilli(fallbackMs).UTC()
	default:
		return time.Now().UTC()
	}
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
