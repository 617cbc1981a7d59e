// Package agent runs the AI agent on incoming messages: session bookkeeping,
// handoff rules, skills, model generation and the confidence gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/adapters/llm"
	"omnidesk/internal/apperr"
	"omnidesk/internal/db"
	"omnidesk/internal/dispatch"
	"omnidesk/internal/models"
	"omnidesk/internal/services"
)

// Event types accepted by Process.
const (
	EventMessageReceived      = "message.received"
	EventConversationResolved = "conversation.resolved"
)

// Reasons reported when a request is not processed.
const (
	ReasonNoActiveAgent      = "no_active_agent"
	ReasonHumanHandling      = "conversation_with_human"
	ReasonConversationClosed = "conversation_closed"
	ReasonSessionCompleted   = "session_completed"
	ReasonSessionClosed      = "session_closed"
)

const defaultHistorySize = 20

// ProcessRequest asks the agent to handle the latest message of a conversation.
type ProcessRequest struct {
	EventType      string `json:"event_type" validate:"omitempty,oneof=message.received conversation.resolved"`
	ConversationID string `json:"conversation_id" validate:"required"`
	ChannelID      string `json:"channel_id"`
	ContactID      string `json:"contact_id"`
	CompanyID      string `json:"company_id"`
	Message        string `json:"message,omitempty" validate:"max=4096"`
}

// ProcessResult is the agent's answer.
type ProcessResult struct {
	Processed     bool     `json:"processed"`
	Response      string   `json:"response,omitempty"`
	ShouldHandoff bool     `json:"should_handoff,omitempty"`
	HandoffReason string   `json:"handoff_reason,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	IsFallback    bool     `json:"is_fallback,omitempty"`
	SkillID       string   `json:"skill_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Pipeline wires the agent steps together.
type Pipeline struct {
	store       *db.Store
	sessions    *Sessions
	messages    *services.MessageSyncService
	providers   services.Providers
	generator   Generator
	dispatcher  services.Dispatcher
	pick        Picker
	historySize int
}

func NewPipeline(
	store *db.Store,
	sessions *Sessions,
	messages *services.MessageSyncService,
	providers services.Providers,
	generator Generator,
	dispatcher services.Dispatcher,
) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if messages == nil {
		return nil, fmt.Errorf("MessageSyncService cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	return &Pipeline{
		store:       store,
		sessions:    sessions,
		messages:    messages,
		providers:   providers,
		generator:   generator,
		dispatcher:  dispatcher,
		pick:        RandomPicker,
		historySize: defaultHistorySize,
	}, nil
}

// SetPicker replaces the skill response picker.
func (p *Pipeline) SetPicker(pick Picker) {
	if pick != nil {
		p.pick = pick
	}
}

// turnScope is what every step of one Process call needs.
type turnScope struct {
	agent   *models.AIAgent
	channel *models.Channel
	conv    *models.Conversation
	contact *models.Contact
	sess    *models.AgentSession
}

// Process runs one agent turn.
func (p *Pipeline) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	const op = "agent.Process"
	if req.ConversationID == "" {
		return nil, apperr.Validation(op, "conversation_id is required")
	}

	conv, err := p.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound(op, "conversation "+req.ConversationID+" not found")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if req.CompanyID != "" && req.CompanyID != conv.CompanyID {
		return nil, apperr.Validation(op, "conversation does not belong to company "+req.CompanyID)
	}
	if req.ChannelID != "" && req.ChannelID != conv.ChannelID {
		return nil, apperr.Validation(op, "conversation does not belong to channel "+req.ChannelID)
	}
	if req.ContactID != "" && req.ContactID != conv.ContactID {
		return nil, apperr.Validation(op, "conversation does not belong to contact "+req.ContactID)
	}

	channel, err := p.store.GetChannel(ctx, conv.ChannelID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	agent, err := p.store.GetActiveAgentForChannel(ctx, channel.ID)
	if errors.Is(err, db.ErrNotFound) {
		log.Debug().Str("channelID", channel.ID).Msg("No active agent for channel")
		return &ProcessResult{Reason: ReasonNoActiveAgent}, nil
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	if req.EventType == EventConversationResolved {
		sess, err := p.sessions.Complete(ctx, agent.ID, conv.ID)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		res := &ProcessResult{Processed: true, Reason: ReasonSessionCompleted}
		if sess != nil {
			res.SessionID = sess.ID
		}
		return res, nil
	}

	switch {
	case conv.Status == models.ConversationWaiting || conv.AssignedTo != "":
		return &ProcessResult{Reason: ReasonHumanHandling}, nil
	case !conv.Status.IsActive():
		return &ProcessResult{Reason: ReasonConversationClosed}, nil
	}

	contact, err := p.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	content, err := p.content(ctx, conv.ID, req.Message)
	if err != nil {
		return nil, err
	}

	sess, err := p.sessions.GetOrCreate(ctx, agent, conv)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	ts := &turnScope{agent: agent, channel: channel, conv: conv, contact: contact, sess: sess}

	received, err := p.sessions.RecordInbound(ctx, sess)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if agent.MaxMessagesPerSession > 0 && received > agent.MaxMessagesPerSession {
		log.Info().Str("sessionID", sess.ID).Int("received", received).Int("max", agent.MaxMessagesPerSession).Msg("Session message limit reached")
		return p.handOff(ctx, ts, ReasonSessionLimit, agent.HandoffMessage, nil)
	}

	rules, err := p.store.ListHandoffRules(ctx, agent.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	ruleSet := NewRuleSet(rules)
	if d := ruleSet.Evaluate(content, EvalContext{}, sess); d.ShouldHandoff {
		return p.handOff(ctx, ts, d.ReasonCode, d.PreMessage, nil)
	}

	skills, err := p.store.ListSkills(ctx, agent.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	skillSet := NewSkillSet(skills, p.pick)
	if sk := skillSet.Match(content); sk != nil {
		reply := skillSet.Respond(sk, p.templateVars(ts))
		one := 1.0
		if err := p.sessions.RecordTurn(ctx, sess, Turn{Confidence: &one, Sent: sentCount(reply)}); err != nil {
			return p.turnFailed(op, ts, err)
		}
		log.Info().Str("sessionID", sess.ID).Str("skillID", sk.ID).Str("skill", sk.Name).Msg("Answered with skill")
		if err := p.deliver(ctx, ts, reply, map[string]any{"skill_id": sk.ID}); err != nil {
			return nil, apperr.Internal(op, err)
		}
		return &ProcessResult{Processed: true, Response: reply, SessionID: sess.ID, Confidence: &one, SkillID: sk.ID}, nil
	}

	gen, err := p.generate(ctx, ts, content, skillSet.Skills())
	if err != nil {
		return nil, err
	}
	verdict := Gate(agent, gen)

	// Rules may depend on what the model detected this turn.
	var decision Decision
	if !verdict.ShouldHandoff {
		decision = ruleSet.Evaluate(content, EvalContext{Intent: gen.Intent, Sentiment: gen.Sentiment}, withScore(sess, gen.Confidence))
	}

	sent := 0
	if !verdict.ShouldHandoff && !decision.ShouldHandoff {
		sent = sentCount(verdict.Response)
	}
	confidence := gen.Confidence
	if err := p.sessions.RecordTurn(ctx, sess, Turn{
		Intent:     gen.Intent,
		Sentiment:  gen.Sentiment,
		Confidence: &confidence,
		Sent:       sent,
	}); err != nil {
		return p.turnFailed(op, ts, err)
	}

	log.Info().
		Str("sessionID", sess.ID).
		Float64("confidence", confidence).
		Str("intent", gen.Intent).
		Str("sentiment", gen.Sentiment).
		Bool("fallback", verdict.IsFallback).
		Str("generated", truncate(gen.Response, 200)).
		Msg("Generated agent reply")

	switch {
	case verdict.ShouldHandoff:
		return p.handOff(ctx, ts, verdict.HandoffReason, verdict.Response, &confidence)
	case decision.ShouldHandoff:
		return p.handOff(ctx, ts, decision.ReasonCode, decision.PreMessage, &confidence)
	}

	meta := map[string]any{"confidence": confidence}
	if verdict.IsFallback {
		meta["is_fallback"] = true
	}
	if err := p.deliver(ctx, ts, verdict.Response, meta); err != nil {
		return nil, apperr.Internal(op, err)
	}
	return &ProcessResult{
		Processed:  true,
		Response:   verdict.Response,
		SessionID:  sess.ID,
		Confidence: &confidence,
		IsFallback: verdict.IsFallback,
	}, nil
}

// ProcessInbound runs the agent for a message stored by the ingest path.
func (p *Pipeline) ProcessInbound(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	res, err := p.Process(ctx, ProcessRequest{
		EventType:      EventMessageReceived,
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Message:        msg.Content,
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("conversationID", conv.ID).
		Str("messageID", msg.ID).
		Bool("processed", res.Processed).
		Bool("handoff", res.ShouldHandoff).
		Str("reason", res.Reason).
		Msg("Agent processed inbound message")
	return nil
}

// content returns the explicit message or the latest incoming one.
func (p *Pipeline) content(ctx context.Context, conversationID, explicit string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	recent, err := p.store.RecentMessages(ctx, conversationID, p.historySize)
	if err != nil {
		return "", apperr.Internal("agent.Process", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Direction == models.DirectionIncoming && strings.TrimSpace(recent[i].Content) != "" {
			return recent[i].Content, nil
		}
	}
	return "", apperr.Validation("agent.Process", "conversation has no message to answer")
}

func (p *Pipeline) generate(ctx context.Context, ts *turnScope, content string, skills []models.Skill) (*llm.Generation, error) {
	const op = "agent.generate"
	if p.generator == nil {
		return nil, apperr.Configuration(op, "no response generator configured")
	}

	history, err := p.store.RecentMessages(ctx, ts.conv.ID, p.historySize)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	// The message being answered is passed separately.
	if n := len(history); n > 0 && history[n-1].Direction == models.DirectionIncoming && strings.TrimSpace(history[n-1].Content) == content {
		history = history[:n-1]
	}

	gen, err := p.generator.Generate(ctx, llm.Request{
		Agent:       ts.agent,
		ChannelType: ts.channel.Type,
		Content:     content,
		History:     history,
		Skills:      skills,
		Context:     p.templateVars(ts),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConfiguration || apperr.KindOf(err) == apperr.KindUpstream {
			return nil, err
		}
		return nil, apperr.Upstream(op, err)
	}
	return gen, nil
}

func (p *Pipeline) handOff(ctx context.Context, ts *turnScope, reason, preMessage string, confidence *float64) (*ProcessResult, error) {
	const op = "agent.handOff"
	if preMessage != "" {
		if err := p.sessions.RecordTurn(ctx, ts.sess, Turn{Sent: 1}); err != nil {
			return p.turnFailed(op, ts, err)
		}
	}
	handedOff, err := p.sessions.HandOff(ctx, ts.agent.CompanyID, ts.sess, reason)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if !handedOff {
		return p.sessionClosed(ts), nil
	}
	if preMessage != "" {
		if err := p.deliver(ctx, ts, preMessage, map[string]any{"handoff_reason": reason}); err != nil {
			return nil, apperr.Internal(op, err)
		}
	}
	return &ProcessResult{
		Processed:     true,
		Response:      preMessage,
		ShouldHandoff: true,
		HandoffReason: reason,
		SessionID:     ts.sess.ID,
		Confidence:    confidence,
	}, nil
}

// turnFailed maps a RecordTurn error. A session closed by a concurrent turn
// ends this one without a reply.
func (p *Pipeline) turnFailed(op string, ts *turnScope, err error) (*ProcessResult, error) {
	if errors.Is(err, ErrSessionClosed) {
		return p.sessionClosed(ts), nil
	}
	return nil, apperr.Internal(op, err)
}

func (p *Pipeline) sessionClosed(ts *turnScope) *ProcessResult {
	log.Info().Str("sessionID", ts.sess.ID).Str("status", string(ts.sess.Status)).Msg("Session closed during turn, not replying")
	return &ProcessResult{Reason: ReasonSessionClosed, SessionID: ts.sess.ID}
}

// deliver stores the reply and hands the send to the dispatcher. The send
// is attempted once; the stored message records the outcome.
func (p *Pipeline) deliver(ctx context.Context, ts *turnScope, text string, meta map[string]any) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	meta["agent_id"] = ts.agent.ID
	meta["session_id"] = ts.sess.ID

	msg, err := p.messages.AppendOutgoing(ctx, ts.conv, text, models.MessageText, meta)
	if err != nil {
		return err
	}

	channel, recipient, messages, providers := ts.channel, ts.contact.ExternalID, p.messages, p.providers
	p.dispatcher.Submit(dispatch.KindSend, msg.ID, 1, func(ctx context.Context) error {
		sender, err := providers.For(channel.Type)
		if err != nil {
			_ = messages.MarkSent(ctx, msg, "", err)
			return err
		}
		externalID, sendErr := sender.SendText(ctx, channel, recipient, text)
		if err := messages.MarkSent(ctx, msg, externalID, sendErr); err != nil {
			log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to record send outcome")
		}
		return sendErr
	})

	p.dispatcher.Publish(dispatch.NewEvent(dispatch.EventAgentReplied, ts.agent.CompanyID, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": ts.conv.ID,
		"session_id":      ts.sess.ID,
		"agent_id":        ts.agent.ID,
		"content":         text,
	}))
	return nil
}

// templateVars is what skill responses and the model prompt can refer to.
func (p *Pipeline) templateVars(ts *turnScope) map[string]any {
	vars := map[string]any{}
	for k, v := range ts.sess.CollectedData {
		vars[k] = v
	}
	first := ts.contact.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	vars["contact_name"] = ts.contact.Name
	vars["contact.name"] = ts.contact.Name
	vars["first_name"] = first
	vars["contact_phone"] = ts.contact.PhoneOrEmail
	vars["company_id"] = ts.agent.CompanyID
	vars["agent_name"] = ts.agent.Name
	vars["channel_type"] = string(ts.channel.Type)
	return vars
}

// withScore returns a copy of sess whose last confidence score is c.
func withScore(sess *models.AgentSession, c float64) *models.AgentSession {
	cp := *sess
	cp.ConfidenceScores = append(append(models.FloatList{}, sess.ConfidenceScores...), c)
	return &cp
}

func sentCount(reply string) int {
	if strings.TrimSpace(reply) == "" {
		return 0
	}
	return 1
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
