// Package postgres implements cauce.Store on PostgreSQL via pgx.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates the pool; Close here is a no-op so a shared
// pool survives the store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cauce-ai/cauce"
)

// Store implements cauce.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ cauce.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_contexts (
			conversation_id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			user_phone TEXT NOT NULL DEFAULT '',
			rolling_summary TEXT NOT NULL DEFAULT '',
			topic_history JSONB,
			key_entities JSONB,
			total_turns INT NOT NULL DEFAULT 0,
			last_user_message TEXT NOT NULL DEFAULT '',
			last_bot_response TEXT NOT NULL DEFAULT '',
			last_agent TEXT NOT NULL DEFAULT '',
			extra_data JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS contexts_org_activity_idx
			ON conversation_contexts(organization_id, last_activity_at DESC)`,

		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			extra_data JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON conversation_messages(conversation_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS tenant_agent_configs (
			organization_id TEXT NOT NULL,
			agent_key TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT 'builtin',
			class_ref TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INT NOT NULL DEFAULT 50,
			domain_key TEXT NOT NULL DEFAULT '',
			keywords JSONB,
			intent_patterns JSONB,
			config JSONB,
			PRIMARY KEY (organization_id, agent_key)
		)`,

		`CREATE TABLE IF NOT EXISTS bypass_rules (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			rule_type TEXT NOT NULL,
			pattern TEXT NOT NULL DEFAULT '',
			phones JSONB,
			phone_number_id TEXT NOT NULL DEFAULT '',
			target_agent TEXT NOT NULL,
			target_domain TEXT NOT NULL DEFAULT '',
			priority INT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS bypass_org_idx ON bypass_rules(organization_id)`,

		`CREATE TABLE IF NOT EXISTS domains (
			domain_key TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order INT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS graph_checkpoints (
			conversation_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			node TEXT NOT NULL,
			step INT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Conversation contexts ---

func (s *Store) UpsertContext(ctx context.Context, c cauce.Context) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_contexts
		 (conversation_id, organization_id, user_phone, rolling_summary, topic_history,
		  key_entities, total_turns, last_user_message, last_bot_response, last_agent,
		  extra_data, created_at, updated_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			user_phone = EXCLUDED.user_phone,
			rolling_summary = EXCLUDED.rolling_summary,
			topic_history = EXCLUDED.topic_history,
			key_entities = EXCLUDED.key_entities,
			total_turns = EXCLUDED.total_turns,
			last_user_message = EXCLUDED.last_user_message,
			last_bot_response = EXCLUDED.last_bot_response,
			last_agent = EXCLUDED.last_agent,
			extra_data = EXCLUDED.extra_data,
			updated_at = EXCLUDED.updated_at,
			last_activity_at = EXCLUDED.last_activity_at`,
		c.ConversationID, c.OrganizationID, c.UserPhone, c.RollingSummary,
		jsonb(c.TopicHistory), jsonb(c.KeyEntities), c.TotalTurns,
		c.LastUserMessage, c.LastBotResponse, c.LastAgent, jsonb(c.ExtraData),
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt)
	if err != nil {
		return fmt.Errorf("upsert context: %w", err)
	}
	return nil
}

func (s *Store) GetContext(ctx context.Context, conversationID string) (cauce.Context, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT conversation_id, organization_id, user_phone, rolling_summary, topic_history,
		        key_entities, total_turns, last_user_message, last_bot_response, last_agent,
		        extra_data, created_at, updated_at, last_activity_at
		 FROM conversation_contexts WHERE conversation_id = $1`, conversationID)

	c, err := scanContext(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return cauce.Context{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Context{}, fmt.Errorf("get context: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteContext(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM conversation_messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversation_contexts WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RecentContexts(ctx context.Context, organizationID string, limit int) ([]cauce.Context, error) {
	query := `SELECT conversation_id, organization_id, user_phone, rolling_summary, topic_history,
	                 key_entities, total_turns, last_user_message, last_bot_response, last_agent,
	                 extra_data, created_at, updated_at, last_activity_at
	          FROM conversation_contexts`
	args := []any{limit}
	if organizationID != "" {
		query += ` WHERE organization_id = $2`
		args = append(args, organizationID)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent contexts: %w", err)
	}
	defer rows.Close()

	var out []cauce.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Conversation messages ---

func (s *Store) InsertMessage(ctx context.Context, m cauce.StoredMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, sender, content, agent_name, extra_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, m.Sender, m.Content, m.AgentName, jsonb(m.ExtraData), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit, offset int) ([]cauce.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender, content, agent_name, extra_data, created_at
		 FROM conversation_messages WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []cauce.StoredMessage
	for rows.Next() {
		var m cauce.StoredMessage
		var extra []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.AgentName, &extra, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		fromJSONB(extra, &m.ExtraData)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Tenant configuration ---

func (s *Store) TenantAgents(ctx context.Context, organizationID string) ([]cauce.AgentConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_key, display_name, agent_type, class_ref, enabled, priority,
		        domain_key, keywords, intent_patterns, config
		 FROM tenant_agent_configs WHERE organization_id = $1
		 ORDER BY priority DESC, agent_key ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("tenant agents: %w", err)
	}
	defer rows.Close()

	var out []cauce.AgentConfig
	for rows.Next() {
		var a cauce.AgentConfig
		var keywords, patterns, config []byte
		if err := rows.Scan(&a.AgentKey, &a.DisplayName, &a.AgentType, &a.ClassRef, &a.Enabled,
			&a.Priority, &a.DomainKey, &keywords, &patterns, &config); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		fromJSONB(keywords, &a.Keywords)
		fromJSONB(patterns, &a.IntentPatterns)
		fromJSONB(config, &a.Config)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTenantAgent(ctx context.Context, organizationID string, a cauce.AgentConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_agent_configs
		 (organization_id, agent_key, display_name, agent_type, class_ref, enabled, priority,
		  domain_key, keywords, intent_patterns, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (organization_id, agent_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			agent_type = EXCLUDED.agent_type,
			class_ref = EXCLUDED.class_ref,
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			domain_key = EXCLUDED.domain_key,
			keywords = EXCLUDED.keywords,
			intent_patterns = EXCLUDED.intent_patterns,
			config = EXCLUDED.config`,
		organizationID, a.AgentKey, a.DisplayName, a.AgentType, a.ClassRef, a.Enabled,
		a.Priority, a.DomainKey, jsonb(a.Keywords), jsonb(a.IntentPatterns), jsonb(a.Config))
	if err != nil {
		return fmt.Errorf("upsert tenant agent: %w", err)
	}
	return nil
}

func (s *Store) BypassRules(ctx context.Context, organizationID string) ([]cauce.BypassRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, rule_type, pattern, phones, phone_number_id,
		        target_agent, target_domain, priority, enabled
		 FROM bypass_rules WHERE organization_id = $1
		 ORDER BY priority DESC, id ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("bypass rules: %w", err)
	}
	defer rows.Close()

	var out []cauce.BypassRule
	for rows.Next() {
		var r cauce.BypassRule
		var phones []byte
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.RuleType, &r.Pattern, &phones,
			&r.PhoneNumberID, &r.TargetAgent, &r.TargetDomain, &r.Priority, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan bypass rule: %w", err)
		}
		fromJSONB(phones, &r.Phones)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBypassRule(ctx context.Context, r cauce.BypassRule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bypass_rules
		 (id, organization_id, rule_type, pattern, phones, phone_number_id,
		  target_agent, target_domain, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			rule_type = EXCLUDED.rule_type,
			pattern = EXCLUDED.pattern,
			phones = EXCLUDED.phones,
			phone_number_id = EXCLUDED.phone_number_id,
			target_agent = EXCLUDED.target_agent,
			target_domain = EXCLUDED.target_domain,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled`,
		r.ID, r.OrganizationID, r.RuleType, r.Pattern, jsonb(r.Phones),
		r.PhoneNumberID, r.TargetAgent, r.TargetDomain, r.Priority, r.Enabled)
	if err != nil {
		return fmt.Errorf("upsert bypass rule: %w", err)
	}
	return nil
}

func (s *Store) DeleteBypassRule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bypass_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete bypass rule: %w", err)
	}
	return nil
}

func (s *Store) Domains(ctx context.Context) ([]cauce.Domain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT domain_key, display_name, description, icon, color, enabled, sort_order
		 FROM domains ORDER BY sort_order ASC, domain_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("domains: %w", err)
	}
	defer rows.Close()

	var out []cauce.Domain
	for rows.Next() {
		var d cauce.Domain
		if err := rows.Scan(&d.DomainKey, &d.DisplayName, &d.Description, &d.Icon, &d.Color, &d.Enabled, &d.SortOrder); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDomain(ctx context.Context, d cauce.Domain) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO domains (domain_key, display_name, description, icon, color, enabled, sort_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			icon = EXCLUDED.icon,
			color = EXCLUDED.color,
			enabled = EXCLUDED.enabled,
			sort_order = EXCLUDED.sort_order`,
		d.DomainKey, d.DisplayName, d.Description, d.Icon, d.Color, d.Enabled, d.SortOrder)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

func (s *Store) DeleteDomain(ctx context.Context, domainKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM domains WHERE domain_key = $1`, domainKey); err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	return nil
}

// --- Graph checkpoints ---

func (s *Store) PutCheckpoint(ctx context.Context, conversationID string, cp cauce.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO graph_checkpoints (conversation_id, state, node, step, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			state = EXCLUDED.state,
			node = EXCLUDED.node,
			step = EXCLUDED.step,
			updated_at = EXCLUDED.updated_at`,
		conversationID, state, cp.Node, cp.Step, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, conversationID string) (cauce.Checkpoint, error) {
	var cp cauce.Checkpoint
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state, node, step, updated_at FROM graph_checkpoints WHERE conversation_id = $1`,
		conversationID).Scan(&state, &cp.Node, &cp.Step, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cauce.Checkpoint{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM graph_checkpoints WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (cauce.Context, error) {
	var c cauce.Context
	var topics, entities, extra []byte
	err := row.Scan(&c.ConversationID, &c.OrganizationID, &c.UserPhone, &c.RollingSummary,
		&topics, &entities, &c.TotalTurns, &c.LastUserMessage, &c.LastBotResponse,
		&c.LastAgent, &extra, &c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt)
	if err != nil {
		return cauce.Context{}, err
	}
	fromJSONB(topics, &c.TopicHistory)
	fromJSONB(entities, &c.KeyEntities)
	fromJSONB(extra, &c.ExtraData)
	return c, nil
}

// jsonb encodes v for a JSONB column, NULL for empty values.
func jsonb(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return data
}

func fromJSONB[T any](data []byte, dst *T) {
	if len(data) > 0 {
		_ = json.Unmarshal(data, dst)
	}
}
