package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"omnidesk/internal/models"
)

const contactColumns = `id, company_id, channel_type, external_id, name, profile_picture_url, phone_or_email, created_at, updated_at`

func (s *Store) FindContact(ctx context.Context, companyID string, channelType models.ChannelType, externalID string) (*models.Contact, error) {
	var c models.Contact
	err := s.get(ctx, s.db, &c,
		`SELECT `+contactColumns+` FROM contacts WHERE company_id = ? AND channel_type = ? AND external_id = ?`,
		companyID, channelType, externalID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.get(ctx, s.db, &c, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return &c, nil
}

// CreateContactIfAbsent inserts c unless a contact with the same identity
// exists. Either way c ends up holding the stored row; created reports which.
func (s *Store) CreateContactIfAbsent(ctx context.Context, c *models.Contact) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		c.ID, c.CompanyID, c.ChannelType, c.ExternalID, c.Name, c.ProfilePictureURL, c.PhoneOrEmail, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	existing, err := s.FindContact(ctx, c.CompanyID, c.ChannelType, c.ExternalID)
	if err != nil {
		return false, fmt.Errorf("reload contact after conflict: %w", err)
	}
	*c = *existing
	return false, nil
}

// UpdateContactProfile overwrites name, picture and phone/email.
func (s *Store) UpdateContactProfile(ctx context.Context, c *models.Contact) error {
	c.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE contacts SET name = ?, profile_picture_url = ?, phone_or_email = ?, updated_at = ? WHERE id = ?`),
		c.Name, c.ProfilePictureURL, c.PhoneOrEmail, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	return nil
}

// CountContacts counts contacts with the given identity.
func (s *Store) CountContacts(ctx context.Context, companyID string, channelType models.ChannelType, externalID string) (int, error) {
	var n int
	err := s.get(ctx, s.db, &n,
		`SELECT COUNT(*) FROM contacts WHERE company_id = ? AND channel_type = ? AND external_id = ?`,
		companyID, channelType, externalID)
	return n, err
}
