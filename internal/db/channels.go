package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"omnidesk/internal/models"
)

const channelColumns = `id, company_id, type, external_id, credentials, status, created_at`

// GetChannelByExternalID finds an active channel by provider type and account id.
func (s *Store) GetChannelByExternalID(ctx context.Context, channelType models.ChannelType, externalID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.get(ctx, s.db, &ch,
		`SELECT `+channelColumns+` FROM channels WHERE type = ? AND external_id = ? AND status = ?`,
		channelType, externalID, models.ChannelStatusActive)
	if err != nil {
		return nil, fmt.Errorf("get channel %s/%s: %w", channelType, externalID, err)
	}
	return &ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.get(ctx, s.db, &ch, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}
	return &ch, nil
}

// CreateChannel inserts a channel. Channels are normally provisioned by the
// connection flow; this is used for seeding and tests.
func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = models.ChannelStatusActive
	}
	if ch.Credentials == nil {
		ch.Credentials = models.JSONMap{}
	}
	ch.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ch.ID, ch.CompanyID, ch.Type, ch.ExternalID, ch.Credentials, ch.Status, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}
