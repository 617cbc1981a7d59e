package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"omnidesk/internal/models"
)

const conversationColumns = `id, company_id, channel_id, contact_id, status, last_message, last_message_at, unread_count, assigned_to, created_at, updated_at`

// FindOpenConversation returns the open or waiting conversation for the pair.
func (s *Store) FindOpenConversation(ctx context.Context, channelID, contactID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.get(ctx, s.db, &c,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE channel_id = ? AND contact_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		channelID, contactID, models.ConversationOpen, models.ConversationWaiting)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.get(ctx, s.db, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// CreateConversationIfAbsent inserts an open conversation unless one is
// already open for (channel, contact). c ends up holding the stored row.
func (s *Store) CreateConversationIfAbsent(ctx context.Context, c *models.Conversation) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ConversationOpen
	}
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		c.ID, c.CompanyID, c.ChannelID, c.ContactID, c.Status, c.LastMessage, c.LastMessageAt, c.UnreadCount, c.AssignedTo, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	existing, err := s.FindOpenConversation(ctx, c.ChannelID, c.ContactID)
	if err != nil {
		return false, fmt.Errorf("reload conversation after conflict: %w", err)
	}
	*c = *existing
	return false, nil
}

// SetConversationStatus moves a conversation to status.
func (s *Store) SetConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`), status, now(), id)
	if err != nil {
		return fmt.Errorf("set conversation %s status: %w", id, err)
	}
	return nil
}

// CountOpenConversations counts open or waiting conversations for the pair.
func (s *Store) CountOpenConversations(ctx context.Context, channelID, contactID string) (int, error) {
	var n int
	err := s.get(ctx, s.db, &n,
		`SELECT COUNT(*) FROM conversations WHERE channel_id = ? AND contact_id = ? AND status IN (?, ?)`,
		channelID, contactID, models.ConversationOpen, models.ConversationWaiting)
	return n, err
}
