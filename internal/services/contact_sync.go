package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/cache"
	"omnidesk/internal/db"
	"omnidesk/internal/models"
)

// ContactSyncService resolves channels and contacts for inbound envelopes.
type ContactSyncService struct {
	store         *db.Store
	channels      *cache.ChannelCache
	providers     Providers
	lookupTimeout time.Duration
	lookups       *cache.LookupThrottle
}

func NewContactSyncService(store *db.Store, channels *cache.ChannelCache, providers Providers, lookupTimeout time.Duration) (*ContactSyncService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if channels == nil {
		return nil, fmt.Errorf("channel cache cannot be nil")
	}
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}
	return &ContactSyncService{
		store:         store,
		channels:      channels,
		providers:     providers,
		lookupTimeout: lookupTimeout,
		lookups:       cache.NewLookupThrottle(time.Hour),
	}, nil
}

// SetProfileRetryInterval sets how long a sender waits between profile lookups.
func (s *ContactSyncService) SetProfileRetryInterval(d time.Duration) {
	s.lookups = cache.NewLookupThrottle(d)
}

// ResolveChannel finds the active channel for a provider account. The
// result wraps db.ErrNotFound when no such channel is configured.
func (s *ContactSyncService) ResolveChannel(ctx context.Context, channelType models.ChannelType, externalID string) (*models.Channel, error) {
	if ch, ok := s.channels.Get(channelType, externalID); ok {
		return ch, nil
	}
	ch, err := s.store.GetChannelByExternalID(ctx, channelType, externalID)
	if err != nil {
		return nil, err
	}
	s.channels.Set(ch)
	return ch, nil
}

// PlaceholderName is used until the provider tells us the contact's name.
func PlaceholderName(externalID string) string {
	r := []rune(externalID)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "User " + string(r)
}

// ResolveContact finds or creates the contact that sent env. New contacts get
// one profile lookup; existing ones are refreshed when env carries a
// different name or the stored name is still a placeholder.
func (s *ContactSyncService) ResolveContact(ctx context.Context, channel *models.Channel, env *models.Envelope) (*models.Contact, error) {
	existing, err := s.store.FindContact(ctx, channel.CompanyID, channel.Type, env.SenderID)
	switch {
	case err == nil:
		s.refresh(ctx, channel, existing, env)
		return existing, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("find contact: %w", err)
	}

	c := &models.Contact{
		CompanyID:    channel.CompanyID,
		ChannelType:  channel.Type,
		ExternalID:   env.SenderID,
		Name:         strings.TrimSpace(env.SenderName),
		PhoneOrEmail: env.SenderPhone,
	}
	profile := s.lookup(ctx, channel, env.SenderID)
	if profile != nil {
		if c.Name == "" {
			c.Name = profile.Name
		}
		c.ProfilePictureURL = profile.PictureURL
	}
	if c.Name == "" {
		c.Name = PlaceholderName(env.SenderID)
	}

	created, err := s.store.CreateContactIfAbsent(ctx, c)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("contactID", c.ID).Str("channelType", string(channel.Type)).Str("name", c.Name).Msg("Created contact")
	} else {
		log.Debug().Str("contactID", c.ID).Msg("Contact created concurrently, using existing row")
		// A concurrent creator skipped the lookup we just made.
		if profile != nil && profile.Name != "" && c.Name == PlaceholderName(c.ExternalID) {
			c.Name = profile.Name
			if profile.PictureURL != "" {
				c.ProfilePictureURL = profile.PictureURL
			}
			if err := s.store.UpdateContactProfile(ctx, c); err != nil {
				log.Warn().Err(err).Str("contactID", c.ID).Msg("Failed to apply fetched profile")
			}
		}
	}
	return c, nil
}

func (s *ContactSyncService) refresh(ctx context.Context, channel *models.Channel, c *models.Contact, env *models.Envelope) {
	changed := false
	if name := strings.TrimSpace(env.SenderName); name != "" && name != c.Name {
		c.Name = name
		changed = true
	}
	if env.SenderPhone != "" && c.PhoneOrEmail == "" {
		c.PhoneOrEmail = env.SenderPhone
		changed = true
	}
	if c.Name == PlaceholderName(c.ExternalID) {
		if profile := s.lookup(ctx, channel, c.ExternalID); profile != nil {
			if profile.Name != "" {
				c.Name = profile.Name
				changed = true
			}
			if profile.PictureURL != "" && profile.PictureURL != c.ProfilePictureURL {
				c.ProfilePictureURL = profile.PictureURL
				changed = true
			}
		}
	}
	if !changed {
		return
	}
	if err := s.store.UpdateContactProfile(ctx, c); err != nil {
		log.Warn().Err(err).Str("contactID", c.ID).Msg("Failed to refresh contact profile")
		return
	}
	log.Debug().Str("contactID", c.ID).Str("name", c.Name).Msg("Refreshed contact profile")
}

// lookup is best effort; failures only cost us the name and picture. At most
// one lookup per sender runs per retry interval.
func (s *ContactSyncService) lookup(ctx context.Context, channel *models.Channel, userID string) *models.Profile {
	prov, err := s.providers.For(channel.Type)
	if err != nil {
		return nil
	}
	if !s.lookups.Allow(channel.ID, userID) {
		log.Debug().Str("channelID", channel.ID).Str("userID", userID).Msg("Profile looked up recently, skipping")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	profile, err := prov.FetchProfile(ctx, channel, userID)
	if err != nil {
		log.Warn().Err(err).Str("channelID", channel.ID).Str("userID", userID).Msg("Profile lookup failed, using fallback name")
		return nil
	}
	return profile
}
