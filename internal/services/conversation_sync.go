package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/db"
	"omnidesk/internal/models"
)

// ConversationSyncService keeps one open conversation per channel and contact.
type ConversationSyncService struct {
	store *db.Store
}

func NewConversationSyncService(store *db.Store) (*ConversationSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &ConversationSyncService{store: store}, nil
}

// ResolveConversation returns the open or waiting conversation between
// channel and contact, opening one if there is none. created reports whether
// this call opened it.
func (s *ConversationSyncService) ResolveConversation(ctx context.Context, channel *models.Channel, contact *models.Contact) (*models.Conversation, bool, error) {
	conv, err := s.store.FindOpenConversation(ctx, channel.ID, contact.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, fmt.Errorf("find open conversation: %w", err)
	}

	conv = &models.Conversation{
		CompanyID: channel.CompanyID,
		ChannelID: channel.ID,
		ContactID: contact.ID,
		Status:    models.ConversationOpen,
	}
	created, err := s.store.CreateConversationIfAbsent(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Info().Str("conversationID", conv.ID).Str("channelID", channel.ID).Str("contactID", contact.ID).Msg("Opened conversation")
	}
	return conv, created, nil
}
