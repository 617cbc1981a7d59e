package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"omnidesk/internal/models"
)

const messageColumns = `id, conversation_id, contact_id, content, message_type, direction, external_id, status, metadata, sent_at, created_at`

// summaryLimit bounds the denormalized last_message preview.
const summaryLimit = 255

// InsertIncomingMessage stores m and bumps the conversation summary in one
// transaction. A message whose (conversation, external id) already exists is
// not inserted again: m is replaced by the stored row and created is false.
func (s *Store) InsertIncomingMessage(ctx context.Context, m *models.Message) (bool, error) {
	prepareMessage(m)

	created := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
			m.ID, m.ConversationID, m.ContactID, m.Content, m.MessageType, m.Direction, m.ExternalID, m.Status, m.Metadata, m.Timestamp, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var existing models.Message
			if err := s.get(ctx, tx, &existing,
				`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND external_id = ?`,
				m.ConversationID, m.ExternalID); err != nil {
				return fmt.Errorf("reload duplicate message: %w", err)
			}
			*m = existing
			return nil
		}
		created = true

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`),
			now(), m.ConversationID)
		if err != nil {
			return fmt.Errorf("update unread count: %w", err)
		}
		// A late redelivery of an older message must not replace a newer summary.
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE conversations SET last_message = ?, last_message_at = ?
			 WHERE id = ? AND (last_message_at IS NULL OR last_message_at <= ?)`),
			summarize(m.Content), m.Timestamp, m.ConversationID, m.Timestamp)
		if err != nil {
			return fmt.Errorf("update conversation summary: %w", err)
		}
		return nil
	})
	return created, err
}

// InsertOutgoingMessage stores an agent reply and updates last_message
// without touching the unread counter.
func (s *Store) InsertOutgoingMessage(ctx context.Context, m *models.Message) error {
	m.Direction = models.DirectionOutgoing
	prepareMessage(m)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ID, m.ConversationID, m.ContactID, m.Content, m.MessageType, m.Direction, m.ExternalID, m.Status, m.Metadata, m.Timestamp, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert outgoing message: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ? WHERE id = ?`),
			summarize(m.Content), m.Timestamp, now(), m.ConversationID)
		if err != nil {
			return fmt.Errorf("update conversation summary: %w", err)
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.get(ctx, s.db, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in timestamp order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	err := sqlx.SelectContext(ctx, s.db, &out, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY sent_at, created_at`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// RecentMessages returns up to limit latest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var out []models.Message
	err := sqlx.SelectContext(ctx, s.db, &out, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY sent_at DESC, created_at DESC LIMIT ?`),
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SetMessageDelivery records the outcome of an outbound send.
func (s *Store) SetMessageDelivery(ctx context.Context, id string, status models.MessageStatus, externalID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages SET status = ?, external_id = CASE WHEN ? <> '' THEN ? ELSE external_id END WHERE id = ?`),
		status, externalID, externalID, id)
	if err != nil {
		return fmt.Errorf("set message %s delivery: %w", id, err)
	}
	return nil
}

// MarkOutgoingStatus advances outgoing messages to delivered or read, never
// backwards. With externalIDs the update targets those messages, otherwise
// every message sent at or before watermark.
func (s *Store) MarkOutgoingStatus(ctx context.Context, conversationID string, status models.MessageStatus, externalIDs []string, watermark time.Time) (int64, error) {
	from := []models.MessageStatus{models.MessagePending, models.MessageSent}
	if status == models.MessageRead {
		from = append(from, models.MessageDelivered)
	}

	var (
		query string
		args  []any
		err   error
	)
	if len(externalIDs) > 0 {
		query, args, err = sqlx.In(
			`UPDATE messages SET status = ? WHERE conversation_id = ? AND direction = ? AND status IN (?) AND external_id IN (?)`,
			status, conversationID, models.DirectionOutgoing, from, externalIDs)
	} else {
		query, args, err = sqlx.In(
			`UPDATE messages SET status = ? WHERE conversation_id = ? AND direction = ? AND status IN (?) AND sent_at <= ?`,
			status, conversationID, models.DirectionOutgoing, from, watermark.UTC())
	}
	if err != nil {
		return 0, fmt.Errorf("build receipt update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("apply receipt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MergeMessageMetadata adds keys to a message's metadata.
func (s *Store) MergeMessageMetadata(ctx context.Context, id string, patch map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var meta models.JSONMap
		if err := s.get(ctx, tx, &meta, `SELECT metadata FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("load message %s metadata: %w", id, err)
		}
		merged := meta.Clone()
		for k, v := range patch {
			merged[k] = v
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE messages SET metadata = ? WHERE id = ?`), merged, id); err != nil {
			return fmt.Errorf("update message %s metadata: %w", id, err)
		}
		return nil
	})
}

func prepareMessage(m *models.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Metadata == nil {
		m.Metadata = models.JSONMap{}
	}
	m.CreatedAt = now()
	if m.Timestamp.IsZero() {
		m.Timestamp = m.CreatedAt
	}
	m.Timestamp = m.Timestamp.UTC()
}

func summarize(content string) string {
	r := []rune(content)
	if len(r) <= summaryLimit {
		return content
	}
	return string(r[:summaryLimit-1]) + "…"
}
