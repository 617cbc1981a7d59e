package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"omnidesk/internal/models"
)

const sessionColumns = `id, agent_id, conversation_id, contact_id, status, messages_sent, messages_received,
	intent_history, sentiment_history, confidence_scores, collected_data, handoff_reason,
	last_activity_at, started_at, ended_at, version`

// FindOpenSession returns the active or waiting_response session for the pair.
func (s *Store) FindOpenSession(ctx context.Context, agentID, conversationID string) (*models.AgentSession, error) {
	var sess models.AgentSession
	err := s.get(ctx, s.db, &sess,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE agent_id = ? AND conversation_id = ? AND status IN (?, ?)`,
		agentID, conversationID, models.SessionActive, models.SessionWaitingResponse)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.AgentSession, error) {
	var sess models.AgentSession
	if err := s.get(ctx, s.db, &sess, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// CreateSessionIfAbsent inserts an active session unless one is already open
// for (agent, conversation); the partial unique index makes the check atomic.
// sess ends up holding the stored row.
func (s *Store) CreateSessionIfAbsent(ctx context.Context, sess *models.AgentSession) (bool, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	ts := now()
	sess.Status = models.SessionActive
	sess.StartedAt, sess.LastActivityAt = ts, ts
	if sess.IntentHistory == nil {
		sess.IntentHistory = models.StringList{}
	}
	if sess.SentimentHistory == nil {
		sess.SentimentHistory = models.StringList{}
	}
	if sess.ConfidenceScores == nil {
		sess.ConfidenceScores = models.FloatList{}
	}
	if sess.CollectedData == nil {
		sess.CollectedData = models.JSONMap{}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agent_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		sess.ID, sess.AgentID, sess.ConversationID, sess.ContactID, sess.Status, sess.MessagesSent, sess.MessagesReceived,
		sess.IntentHistory, sess.SentimentHistory, sess.ConfidenceScores, sess.CollectedData, sess.HandoffReason,
		sess.LastActivityAt, sess.StartedAt, sess.EndedAt, sess.Version)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	existing, err := s.FindOpenSession(ctx, sess.AgentID, sess.ConversationID)
	if err != nil {
		return false, fmt.Errorf("reload session after conflict: %w", err)
	}
	*sess = *existing
	return false, nil
}

// IncrementReceived atomically bumps messages_received and returns the new value.
func (s *Store) IncrementReceived(ctx context.Context, id string) (int, error) {
	var n int
	err := s.get(ctx, s.db, &n,
		`UPDATE agent_sessions SET messages_received = messages_received + 1, last_activity_at = ?
		 WHERE id = ? RETURNING messages_received`, now(), id)
	if err != nil {
		return 0, fmt.Errorf("increment session %s received: %w", id, err)
	}
	return n, nil
}

// UpdateSessionTurn writes sess's histories and collected data and adds
// sentDelta to messages_sent if the stored version still equals sess.Version
// and the session is still open. It reports false otherwise.
func (s *Store) UpdateSessionTurn(ctx context.Context, sess *models.AgentSession, sentDelta int) (bool, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agent_sessions
		 SET intent_history = ?, sentiment_history = ?, confidence_scores = ?, collected_data = ?,
		     messages_sent = messages_sent + ?, last_activity_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status IN (?, ?)`),
		sess.IntentHistory, sess.SentimentHistory, sess.ConfidenceScores, sess.CollectedData,
		sentDelta, ts, sess.ID, sess.Version, models.SessionActive, models.SessionWaitingResponse)
	if err != nil {
		return false, fmt.Errorf("update session %s turn: %w", sess.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	sess.Version++
	sess.MessagesSent += sentDelta
	sess.LastActivityAt = ts
	return true, nil
}

// TransitionSession moves a session out of one of the from states. It
// reports false when the session was no longer in any of them.
func (s *Store) TransitionSession(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, reason string) (bool, error) {
	ts := now()
	var endedAt *time.Time
	if !to.IsOpen() {
		endedAt = &ts
	}
	query, args, err := sqlx.In(
		`UPDATE agent_sessions SET status = ?, handoff_reason = ?, ended_at = ?, last_activity_at = ?, version = version + 1
		 WHERE id = ? AND status IN (?)`,
		to, reason, endedAt, ts, id, from)
	if err != nil {
		return false, fmt.Errorf("build session transition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IdleSession is an open session paired with its agent's timeout.
type IdleSession struct {
	models.AgentSession
	TimeoutMinutes int `db:"session_timeout_minutes"`
}

// ListOpenSessionsWithTimeout returns open sessions whose agent defines a timeout.
func (s *Store) ListOpenSessionsWithTimeout(ctx context.Context) ([]IdleSession, error) {
	var out []IdleSession
	err := sqlx.SelectContext(ctx, s.db, &out, s.rebind(
		`SELECT s.id, s.agent_id, s.conversation_id, s.contact_id, s.status, s.messages_sent, s.messages_received,
		        s.intent_history, s.sentiment_history, s.confidence_scores, s.collected_data, s.handoff_reason,
		        s.last_activity_at, s.started_at, s.ended_at, s.version, a.session_timeout_minutes
		 FROM agent_sessions s JOIN ai_agents a ON a.id = s.agent_id
		 WHERE s.status IN (?, ?) AND a.session_timeout_minutes > 0`),
		models.SessionActive, models.SessionWaitingResponse)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return out, nil
}

// CountSessions counts every session, open or not, for the pair.
func (s *Store) CountSessions(ctx context.Context, agentID, conversationID string) (int, error) {
	var n int
	err := s.get(ctx, s.db, &n,
		`SELECT COUNT(*) FROM agent_sessions WHERE agent_id = ? AND conversation_id = ?`, agentID, conversationID)
	return n, err
}
