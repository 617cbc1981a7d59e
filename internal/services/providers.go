package services

import (
	"context"
	"fmt"

	"omnidesk/internal/dispatch"
	"omnidesk/internal/models"
)

// ProfileFetcher looks up a contact's display data at the provider.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, channel *models.Channel, userID string) (*models.Profile, error)
}

// Sender delivers a text message and returns the provider message id.
type Sender interface {
	SendText(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error)
}

// Provider is a channel client able to both look up and send.
type Provider interface {
	ProfileFetcher
	Sender
}

// Providers routes a channel type to its client.
type Providers map[models.ChannelType]Provider

func (p Providers) For(t models.ChannelType) (Provider, error) {
	prov, ok := p[t]
	if !ok || prov == nil {
		return nil, fmt.Errorf("no provider client for channel type %s", t)
	}
	return prov, nil
}

// Dispatcher runs work after the state change that caused it has committed.
type Dispatcher interface {
	Publish(ev dispatch.Event) string
	Submit(kind, key string, maxAttempts int, fn dispatch.TaskFunc) string
}

// InboundProcessor reacts to a newly stored incoming message, e.g. by running
// the AI agent.
type InboundProcessor interface {
	ProcessInbound(ctx context.Context, conv *models.Conversation, msg *models.Message) error
}

// MediaMirror copies provider media somewhere durable and annotates the message.
type MediaMirror interface {
	MirrorMessage(ctx context.Context, conv *models.Conversation, msg *models.Message, sourceURL string) error
}
