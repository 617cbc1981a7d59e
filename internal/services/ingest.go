package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"omnidesk/internal/db"
	"omnidesk/internal/dispatch"
	"omnidesk/internal/models"
)

// IngestOptions tunes IngestService.
type IngestOptions struct {
	Concurrency int
	// AutoProcess hands each new incoming message to the processor.
	AutoProcess bool
}

// IngestService runs normalized envelopes through identity resolution and
// persistence, then schedules the follow-up work.
type IngestService struct {
	contacts      *ContactSyncService
	conversations *ConversationSyncService
	messages      *MessageSyncService
	dispatcher    Dispatcher
	processor     InboundProcessor
	mirror        MediaMirror
	opts          IngestOptions
}

// IngestSummary counts what happened to one batch.
type IngestSummary struct {
	Received   int `json:"received"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Receipts   int `json:"receipts"`
	Dropped    int `json:"dropped"`
	Failed     int `json:"failed"`
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeDuplicate
	outcomeReceipt
	outcomeDropped
)

func NewIngestService(
	contacts *ContactSyncService,
	conversations *ConversationSyncService,
	messages *MessageSyncService,
	dispatcher Dispatcher,
	opts IngestOptions,
) (*IngestService, error) {
	if contacts == nil {
		return nil, fmt.Errorf("ContactSyncService cannot be nil")
	}
	if conversations == nil {
		return nil, fmt.Errorf("ConversationSyncService cannot be nil")
	}
	if messages == nil {
		return nil, fmt.Errorf("MessageSyncService cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &IngestService{
		contacts:      contacts,
		conversations: conversations,
		messages:      messages,
		dispatcher:    dispatcher,
		opts:          opts,
	}, nil
}

// SetProcessor wires the agent pipeline; it is created after the services it depends on.
func (s *IngestService) SetProcessor(p InboundProcessor) { s.processor = p }

// SetMediaMirror enables media mirroring for new messages.
func (s *IngestService) SetMediaMirror(m MediaMirror) { s.mirror = m }

// Ingest processes a batch. Envelopes for the same conversation run in
// arrival order; different conversations run concurrently. A failing
// envelope is logged and counted, never aborting the rest.
func (s *IngestService) Ingest(ctx context.Context, envelopes []models.Envelope) IngestSummary {
	summary := IngestSummary{Received: len(envelopes)}
	if len(envelopes) == 0 {
		return summary
	}

	var (
		order  []string
		groups = make(map[string][]int)
	)
	for i := range envelopes {
		key := envelopes[i].ConversationKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	results := make([]outcome, len(envelopes))
	errs := make([]error, len(envelopes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				results[i], errs[i] = s.ingestOne(gctx, &envelopes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range envelopes {
		if errs[i] != nil {
			summary.Failed++
			env := &envelopes[i]
			log.Error().Err(errs[i]).
				Str("channelType", string(env.ChannelType)).
				Str("channelExternalID", env.ChannelExternalID).
				Str("senderID", env.SenderID).
				Str("externalID", env.ExternalID).
				Msg("Failed to ingest event")
			continue
		}
		switch results[i] {
		case outcomeStored:
			summary.Stored++
		case outcomeDuplicate:
			summary.Duplicates++
		case outcomeReceipt:
			summary.Receipts++
		case outcomeDropped:
			summary.Dropped++
		}
	}

	log.Info().
		Int("received", summary.Received).
		Int("stored", summary.Stored).
		Int("duplicates", summary.Duplicates).
		Int("receipts", summary.Receipts).
		Int("dropped", summary.Dropped).
		Int("failed", summary.Failed).
		Msg("Webhook batch ingested")
	return summary
}

func (s *IngestService) ingestOne(ctx context.Context, env *models.Envelope) (outcome, error) {
	if env.SenderID == "" {
		log.Warn().Str("channelExternalID", env.ChannelExternalID).Msg("Dropping event without sender id")
		return outcomeDropped, nil
	}

	channel, err := s.contacts.ResolveChannel(ctx, env.ChannelType, env.ChannelExternalID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn().
			Str("channelType", string(env.ChannelType)).
			Str("channelExternalID", env.ChannelExternalID).
			Msg("No active channel for webhook event, dropping")
		return outcomeDropped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve channel: %w", err)
	}

	if env.IsReceipt() {
		if _, err := s.messages.ApplyReceipt(ctx, channel, env); err != nil {
			return 0, fmt.Errorf("apply receipt: %w", err)
		}
		return outcomeReceipt, nil
	}

	contact, err := s.contacts.ResolveContact(ctx, channel, env)
	if err != nil {
		return 0, fmt.Errorf("resolve contact: %w", err)
	}
	conv, convCreated, err := s.conversations.ResolveConversation(ctx, channel, contact)
	if err != nil {
		return 0, fmt.Errorf("resolve conversation: %w", err)
	}
	msg, created, err := s.messages.AppendMessage(ctx, conv, contact, env)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	if convCreated {
		s.dispatcher.Publish(dispatch.NewEvent(dispatch.EventConversationCreated, channel.CompanyID, map[string]any{
			"conversation_id": conv.ID,
			"channel_id":      channel.ID,
			"contact_id":      contact.ID,
			"channel_type":    string(channel.Type),
		}))
	}
	if !created {
		return outcomeDuplicate, nil
	}

	s.afterCommit(channel, conv, contact, msg, env)
	return outcomeStored, nil
}

// afterCommit schedules side effects of a newly stored message.
func (s *IngestService) afterCommit(channel *models.Channel, conv *models.Conversation, contact *models.Contact, msg *models.Message, env *models.Envelope) {
	s.dispatcher.Publish(dispatch.NewEvent(dispatch.EventMessageReceived, channel.CompanyID, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": conv.ID,
		"contact_id":      contact.ID,
		"channel_type":    string(channel.Type),
		"message_type":    string(msg.MessageType),
		"content":         msg.Content,
		"timestamp":       msg.Timestamp.Format(time.RFC3339),
	}))

	if s.mirror != nil && msg.MessageType.HasMedia() && env.MediaURL != "" {
		mirror, source := s.mirror, env.MediaURL
		s.dispatcher.Submit(dispatch.KindMedia, msg.ID, 0, func(ctx context.Context) error {
			return mirror.MirrorMessage(ctx, conv, msg, source)
		})
	}

	if s.opts.AutoProcess && s.processor != nil {
		processor := s.processor
		s.dispatcher.Submit(dispatch.KindAgent, conv.ID, 1, func(ctx context.Context) error {
			return processor.ProcessInbound(ctx, conv, msg)
		})
	}
}
