package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/db"
	"omnidesk/internal/models"
)

// MessageSyncService stores messages and applies delivery receipts.
type MessageSyncService struct {
	store *db.Store
}

func NewMessageSyncService(store *db.Store) (*MessageSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &MessageSyncService{store: store}, nil
}

// AppendMessage stores an incoming message from env. A redelivered event
// returns the stored message with created false and leaves the conversation
// untouched.
func (s *MessageSyncService) AppendMessage(ctx context.Context, conv *models.Conversation, contact *models.Contact, env *models.Envelope) (*models.Message, bool, error) {
	meta := models.JSONMap{}
	for k, v := range env.Metadata {
		meta[k] = v
	}
	if env.MimeType != "" {
		meta["mime_type"] = env.MimeType
	}
	if len(env.Attachments) > 0 {
		meta["attachments"] = storableAttachments(env.Attachments)
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        env.Content,
		MessageType:    env.ContentType,
		Direction:      models.DirectionIncoming,
		ExternalID:     env.ExternalID,
		Status:         models.MessageReceived,
		Metadata:       meta,
		Timestamp:      env.Timestamp,
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageText
	}

	created, err := s.store.InsertIncomingMessage(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Info().Str("messageID", msg.ID).Str("conversationID", conv.ID).Str("type", string(msg.MessageType)).Msg("Stored incoming message")
	} else {
		log.Info().Str("messageID", msg.ID).Str("externalID", msg.ExternalID).Msg("Duplicate message ignored")
	}
	return msg, created, nil
}

// storableAttachments drops inline data URLs; the bytes only travel to the
// media mirror.
func storableAttachments(in []models.Attachment) []models.Attachment {
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		if strings.HasPrefix(a.URL, "data:") {
			a.URL = ""
			a.Inline = true
		}
		out[i] = a
	}
	return out
}

// AppendOutgoing stores a reply before it is sent, with status pending.
func (s *MessageSyncService) AppendOutgoing(ctx context.Context, conv *models.Conversation, content string, messageType models.MessageType, metadata map[string]any) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		Content:        content,
		MessageType:    messageType,
		Status:         models.MessagePending,
		Metadata:       models.JSONMap(metadata),
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageText
	}
	if err := s.store.InsertOutgoingMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkSent records the outcome of an outbound send.
func (s *MessageSyncService) MarkSent(ctx context.Context, msg *models.Message, externalID string, sendErr error) error {
	status := models.MessageSent
	if sendErr != nil {
		status = models.MessageFailed
	}
	if err := s.store.SetMessageDelivery(ctx, msg.ID, status, externalID); err != nil {
		return err
	}
	if sendErr != nil {
		return s.store.MergeMessageMetadata(ctx, msg.ID, map[string]any{"send_error": sendErr.Error()})
	}
	return nil
}

// ApplyReceipt advances outgoing messages to delivered or read. Receipts
// for unknown channels or contacts are ignored; they never create rows.
func (s *MessageSyncService) ApplyReceipt(ctx context.Context, channel *models.Channel, env *models.Envelope) (int64, error) {
	contact, err := s.store.FindContact(ctx, channel.CompanyID, channel.Type, env.SenderID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find receipt contact: %w", err)
	}
	conv, err := s.store.FindOpenConversation(ctx, channel.ID, contact.ID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find receipt conversation: %w", err)
	}

	if len(env.ReceiptIDs) == 0 && env.Watermark.IsZero() {
		return 0, nil
	}
	n, err := s.store.MarkOutgoingStatus(ctx, conv.ID, env.ReceiptStatus(), env.ReceiptIDs, env.Watermark)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("conversationID", conv.ID).Str("status", string(env.ReceiptStatus())).Int64("updated", n).Msg("Applied receipt")
	return n, nil
}
