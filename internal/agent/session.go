package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"omnidesk/internal/db"
	"omnidesk/internal/dispatch"
	"omnidesk/internal/models"
	"omnidesk/internal/services"
)

const (
	createAttempts = 3
	turnAttempts   = 5
	historyLimit   = 50
)

var openStatuses = []models.SessionStatus{models.SessionActive, models.SessionWaitingResponse}

// ErrSessionClosed is returned when a turn is recorded against a session that
// was handed off, completed or expired in the meantime.
var ErrSessionClosed = errors.New("agent session is no longer open")

// Sessions manages the lifecycle of agent sessions.
type Sessions struct {
	store      *db.Store
	dispatcher services.Dispatcher
	now        func() time.Time
}

func NewSessions(store *db.Store, dispatcher services.Dispatcher) (*Sessions, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	return &Sessions{store: store, dispatcher: dispatcher, now: func() time.Time { return time.Now().UTC() }}, nil
}

// GetOrCreate returns the open session of agent on conv, creating one if
// there is none. A session idle past the agent's timeout is expired first
// and replaced. Concurrent callers converge on the same row.
func (s *Sessions) GetOrCreate(ctx context.Context, agent *models.AIAgent, conv *models.Conversation) (*models.AgentSession, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		sess, err := s.store.FindOpenSession(ctx, agent.ID, conv.ID)
		switch {
		case err == nil:
			if !s.idle(agent, sess) {
				return sess, nil
			}
			if err := s.Expire(ctx, agent.CompanyID, sess); err != nil {
				return nil, err
			}
			continue
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("find open session: %w", err)
		}

		sess = &models.AgentSession{AgentID: agent.ID, ConversationID: conv.ID, ContactID: conv.ContactID}
		created, err := s.store.CreateSessionIfAbsent(ctx, sess)
		if err != nil {
			return nil, err
		}
		if !created {
			log.Debug().Str("sessionID", sess.ID).Msg("Session created concurrently, using existing row")
			return sess, nil
		}
		log.Info().Str("sessionID", sess.ID).Str("agentID", agent.ID).Str("conversationID", conv.ID).Msg("Agent session started")
		s.dispatcher.Publish(dispatch.NewEvent(dispatch.EventSessionStarted, agent.CompanyID, map[string]any{
			"session_id":      sess.ID,
			"agent_id":        agent.ID,
			"conversation_id": conv.ID,
		}))
		return sess, nil
	}
	return nil, fmt.Errorf("could not obtain a session for conversation %s after %d attempts", conv.ID, createAttempts)
}

func (s *Sessions) idle(agent *models.AIAgent, sess *models.AgentSession) bool {
	timeout := agent.SessionTimeout()
	return timeout > 0 && s.now().Sub(sess.LastActivityAt) > timeout
}

// Expire marks an open session expired. Losing the race to another
// transition is not an error.
func (s *Sessions) Expire(ctx context.Context, companyID string, sess *models.AgentSession) error {
	ok, err := s.store.TransitionSession(ctx, sess.ID, openStatuses, models.SessionExpired, "")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	sess.Status = models.SessionExpired
	log.Info().Str("sessionID", sess.ID).Time("lastActivityAt", sess.LastActivityAt).Msg("Agent session expired")
	s.dispatcher.Publish(dispatch.NewEvent(dispatch.EventSessionExpired, companyID, map[string]any{
		"session_id":      sess.ID,
		"agent_id":        sess.AgentID,
		"conversation_id": sess.ConversationID,
	}))
	return nil
}

// RecordInbound counts an incoming message and returns the new total.
func (s *Sessions) RecordInbound(ctx context.Context, sess *models.AgentSession) (int, error) {
	n, err := s.store.IncrementReceived(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	sess.MessagesReceived = n
	return n, nil
}

// Turn is what one agent reply adds to the session.
type Turn struct {
	Intent     string
	Sentiment  string
	Confidence *float64
	Collected  map[string]any
	Sent       int
}

// RecordTurn appends the turn to the session histories. A concurrent update
// causes a reload and retry; a session closed meanwhile yields ErrSessionClosed.
func (s *Sessions) RecordTurn(ctx context.Context, sess *models.AgentSession, turn Turn) error {
	for attempt := 0; attempt < turnAttempts; attempt++ {
		next := *sess
		next.IntentHistory = appendBounded(sess.IntentHistory, turn.Intent)
		next.SentimentHistory = appendBounded(sess.SentimentHistory, turn.Sentiment)
		next.ConfidenceScores = append(models.FloatList{}, sess.ConfidenceScores...)
		if turn.Confidence != nil {
			next.ConfidenceScores = append(next.ConfidenceScores, *turn.Confidence)
			if len(next.ConfidenceScores) > historyLimit {
				next.ConfidenceScores = next.ConfidenceScores[len(next.ConfidenceScores)-historyLimit:]
			}
		}
		next.CollectedData = sess.CollectedData.Clone()
		for k, v := range turn.Collected {
			next.CollectedData[k] = v
		}

		ok, err := s.store.UpdateSessionTurn(ctx, &next, turn.Sent)
		if err != nil {
			return err
		}
		if ok {
			*sess = next
			return nil
		}

		log.Debug().Str("sessionID", sess.ID).Int("attempt", attempt+1).Msg("Session version conflict, reloading")
		fresh, err := s.store.GetSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		*sess = *fresh
		if !sess.Status.IsOpen() {
			return ErrSessionClosed
		}
	}
	return fmt.Errorf("session %s: too many concurrent updates", sess.ID)
}

func appendBounded(list models.StringList, v string) models.StringList {
	out := append(models.StringList{}, list...)
	if v == "" {
		return out
	}
	out = append(out, v)
	if len(out) > historyLimit {
		out = out[len(out)-historyLimit:]
	}
	return out
}

// HandOff transfers the conversation to a human: the session ends as
// handed_off and the conversation waits for an operator. It reports false
// when the session had already been closed by someone else.
func (s *Sessions) HandOff(ctx context.Context, companyID string, sess *models.AgentSession, reason string) (bool, error) {
	ok, err := s.store.TransitionSession(ctx, sess.ID, openStatuses, models.SessionHandedOff, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warn().Str("sessionID", sess.ID).Msg("Session was already closed, skipping handoff")
		return false, nil
	}
	sess.Status = models.SessionHandedOff
	sess.HandoffReason = reason

	if err := s.store.SetConversationStatus(ctx, sess.ConversationID, models.ConversationWaiting); err != nil {
		return true, err
	}
	log.Info().Str("sessionID", sess.ID).Str("conversationID", sess.ConversationID).Str("reason", reason).Msg("Conversation handed off")
	s.dispatcher.Publish(dispatch.NewEvent(dispatch.EventSessionHandedOff, companyID, map[string]any{
		"session_id":      sess.ID,
		"agent_id":        sess.AgentID,
		"conversation_id": sess.ConversationID,
		"reason":          reason,
	}))
	return true, nil
}

// Complete ends the open session of agent on conv, if any.
func (s *Sessions) Complete(ctx context.Context, agentID, conversationID string) (*models.AgentSession, error) {
	sess, err := s.store.FindOpenSession(ctx, agentID, conversationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	ok, err := s.store.TransitionSession(ctx, sess.ID, openStatuses, models.SessionCompleted, "")
	if err != nil {
		return nil, err
	}
	if ok {
		sess.Status = models.SessionCompleted
		log.Info().Str("sessionID", sess.ID).Msg("Agent session completed")
	}
	return sess, nil
}
