package db

// schema is written in the subset shared by sqlite and postgres. Partial
// unique indexes carry the single-open-conversation, single-open-session and
// message dedup invariants.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    type TEXT NOT NULL,
    external_id TEXT NOT NULL,
    credentials TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_type_external ON channels (type, external_id)`,

	`CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    channel_type TEXT NOT NULL,
    external_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    profile_picture_url TEXT NOT NULL DEFAULT '',
    phone_or_email TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_identity ON contacts (company_id, channel_type, external_id)`,

	`CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    channel_id TEXT NOT NULL REFERENCES channels(id),
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    status TEXT NOT NULL DEFAULT 'open',
    last_message TEXT NOT NULL DEFAULT '',
    last_message_at TIMESTAMP NULL,
    unread_count INTEGER NOT NULL DEFAULT 0,
    assigned_to TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_open ON conversations (channel_id, contact_id) WHERE status IN ('open', 'waiting')`,

	`CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    contact_id TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL,
    direction TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    sent_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages (conversation_id, external_id) WHERE external_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages (conversation_id, sent_at)`,

	`CREATE TABLE IF NOT EXISTS ai_agents (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    max_messages_per_session INTEGER NOT NULL DEFAULT 0,
    session_timeout_minutes INTEGER NOT NULL DEFAULT 0,
    fallback_type TEXT NOT NULL DEFAULT 'message',
    fallback_message TEXT NOT NULL DEFAULT '',
    handoff_behavior TEXT NOT NULL DEFAULT '',
    handoff_message TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS agent_channels (
    agent_id TEXT NOT NULL REFERENCES ai_agents(id),
    channel_id TEXT NOT NULL REFERENCES channels(id),
    is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (agent_id, channel_id)
)`,

	`CREATE TABLE IF NOT EXISTS agent_sessions (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL REFERENCES ai_agents(id),
    conversation_id TEXT NOT NULL REFERENCES conversations(id),
    contact_id TEXT NOT NULL,
    status TEXT NOT NULL,
    messages_sent INTEGER NOT NULL DEFAULT 0,
    messages_received INTEGER NOT NULL DEFAULT 0,
    intent_history TEXT NOT NULL DEFAULT '[]',
    sentiment_history TEXT NOT NULL DEFAULT '[]',
    confidence_scores TEXT NOT NULL DEFAULT '[]',
    collected_data TEXT NOT NULL DEFAULT '{}',
    handoff_reason TEXT NOT NULL DEFAULT '',
    last_activity_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NULL,
    version INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_sessions_one_open ON agent_sessions (agent_id, conversation_id) WHERE status IN ('active', 'waiting_response')`,

	`CREATE TABLE IF NOT EXISTS handoff_rules (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL REFERENCES ai_agents(id),
    priority INTEGER NOT NULL DEFAULT 0,
    condition_type TEXT NOT NULL,
    condition_value TEXT NOT NULL DEFAULT '',
    reason_code TEXT NOT NULL,
    pre_message TEXT NOT NULL DEFAULT '',
    is_enabled BOOLEAN NOT NULL DEFAULT TRUE
)`,
	`CREATE INDEX IF NOT EXISTS idx_handoff_rules_agent ON handoff_rules (agent_id, priority)`,

	`CREATE TABLE IF NOT EXISTS skills (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL REFERENCES ai_agents(id),
    name TEXT NOT NULL DEFAULT '',
    skill_type TEXT NOT NULL DEFAULT 'custom',
    match_patterns TEXT NOT NULL DEFAULT '[]',
    responses TEXT NOT NULL DEFAULT '[]',
    priority INTEGER NOT NULL DEFAULT 0,
    is_enabled BOOLEAN NOT NULL DEFAULT TRUE
)`,
	`CREATE INDEX IF NOT EXISTS idx_skills_agent ON skills (agent_id, priority)`,
}
