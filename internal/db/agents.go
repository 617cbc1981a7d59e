package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"omnidesk/internal/models"
)

const agentColumns = `id, company_id, name, status, confidence_threshold, max_messages_per_session, session_timeout_minutes,
	fallback_type, fallback_message, handoff_behavior, handoff_message, system_prompt, created_at`

// GetActiveAgentForChannel returns the oldest active agent bound to the channel.
func (s *Store) GetActiveAgentForChannel(ctx context.Context, channelID string) (*models.AIAgent, error) {
	var a models.AIAgent
	err := s.get(ctx, s.db, &a,
		`SELECT a.id, a.company_id, a.name, a.status, a.confidence_threshold, a.max_messages_per_session,
		        a.session_timeout_minutes, a.fallback_type, a.fallback_message, a.handoff_behavior,
		        a.handoff_message, a.system_prompt, a.created_at
		 FROM ai_agents a
		 JOIN agent_channels ac ON ac.agent_id = a.id
		 WHERE ac.channel_id = ? AND ac.is_enabled = ? AND a.status = ?
		 ORDER BY a.created_at LIMIT 1`,
		channelID, true, models.AgentActive)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.AIAgent, error) {
	var a models.AIAgent
	if err := s.get(ctx, s.db, &a, `SELECT `+agentColumns+` FROM ai_agents WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *models.AIAgent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AgentDraft
	}
	if a.FallbackType == "" {
		a.FallbackType = models.FallbackMessage
	}
	a.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ai_agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.CompanyID, a.Name, a.Status, a.ConfidenceThreshold, a.MaxMessagesPerSession, a.SessionTimeoutMinutes,
		a.FallbackType, a.FallbackMessage, a.HandoffBehavior, a.HandoffMessage, a.SystemPrompt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// BindAgentChannel enables an agent on a channel.
func (s *Store) BindAgentChannel(ctx context.Context, agentID, channelID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agent_channels (agent_id, channel_id, is_enabled) VALUES (?, ?, ?)
		 ON CONFLICT (agent_id, channel_id) DO UPDATE SET is_enabled = excluded.is_enabled`),
		agentID, channelID, enabled)
	if err != nil {
		return fmt.Errorf("bind agent %s to channel %s: %w", agentID, channelID, err)
	}
	return nil
}

// ListHandoffRules returns an agent's rules in evaluation order.
func (s *Store) ListHandoffRules(ctx context.Context, agentID string) ([]models.HandoffRule, error) {
	var out []models.HandoffRule
	err := sqlx.SelectContext(ctx, s.db, &out, s.rebind(
		`SELECT id, agent_id, priority, condition_type, condition_value, reason_code, pre_message, is_enabled
		 FROM handoff_rules WHERE agent_id = ? ORDER BY priority, id`), agentID)
	if err != nil {
		return nil, fmt.Errorf("list handoff rules: %w", err)
	}
	return out, nil
}

func (s *Store) CreateHandoffRule(ctx context.Context, r *models.HandoffRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO handoff_rules (id, agent_id, priority, condition_type, condition_value, reason_code, pre_message, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.AgentID, r.Priority, r.ConditionType, r.ConditionValue, r.ReasonCode, r.PreMessage, r.IsEnabled)
	if err != nil {
		return fmt.Errorf("create handoff rule: %w", err)
	}
	return nil
}

// ListSkills returns an agent's skills in evaluation order.
func (s *Store) ListSkills(ctx context.Context, agentID string) ([]models.Skill, error) {
	var out []models.Skill
	err := sqlx.SelectContext(ctx, s.db, &out, s.rebind(
		`SELECT id, agent_id, name, skill_type, match_patterns, responses, priority, is_enabled
		 FROM skills WHERE agent_id = ? ORDER BY priority, id`), agentID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	return out, nil
}

func (s *Store) CreateSkill(ctx context.Context, sk *models.Skill) error {
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	if sk.SkillType == "" {
		sk.SkillType = "custom"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO skills (id, agent_id, name, skill_type, match_patterns, responses, priority, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		sk.ID, sk.AgentID, sk.Name, sk.SkillType, sk.MatchPatterns, sk.Responses, sk.Priority, sk.IsEnabled)
	if err != nil {
		return fmt.Errorf("create skill: %w", err)
	}
	return nil
}
