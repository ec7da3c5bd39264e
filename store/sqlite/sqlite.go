// Package sqlite implements cauce.Store on pure-Go SQLite. Zero CGO
// required; a single-connection pool serializes writers so concurrent turns
// never hit SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cauce-ai/cauce"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cauce.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cauce.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversation_contexts (
			conversation_id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			user_phone TEXT NOT NULL DEFAULT '',
			rolling_summary TEXT NOT NULL DEFAULT '',
			topic_history TEXT,
			key_entities TEXT,
			total_turns INTEGER NOT NULL DEFAULT 0,
			last_user_message TEXT NOT NULL DEFAULT '',
			last_bot_response TEXT NOT NULL DEFAULT '',
			last_agent TEXT NOT NULL DEFAULT '',
			extra_data TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			extra_data TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_agent_configs (
			organization_id TEXT NOT NULL,
			agent_key TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT 'builtin',
			class_ref TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 50,
			domain_key TEXT NOT NULL DEFAULT '',
			keywords TEXT,
			intent_patterns TEXT,
			config TEXT,
			PRIMARY KEY (organization_id, agent_key)
		)`,
		`CREATE TABLE IF NOT EXISTS bypass_rules (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			rule_type TEXT NOT NULL,
			pattern TEXT NOT NULL DEFAULT '',
			phones TEXT,
			phone_number_id TEXT NOT NULL DEFAULT '',
			target_agent TEXT NOT NULL,
			target_domain TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			domain_key TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS graph_checkpoints (
			conversation_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			node TEXT NOT NULL,
			step INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_contexts_org_activity ON conversation_contexts(organization_id, last_activity_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_bypass_org ON bypass_rules(organization_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}

// --- Conversation contexts ---

func (s *Store) UpsertContext(ctx context.Context, c cauce.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_contexts
		 (conversation_id, organization_id, user_phone, rolling_summary, topic_history,
		  key_entities, total_turns, last_user_message, last_bot_response, last_agent,
		  extra_data, created_at, updated_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConversationID, c.OrganizationID, c.UserPhone, c.RollingSummary,
		marshalJSON(c.TopicHistory), marshalJSON(c.KeyEntities), c.TotalTurns,
		c.LastUserMessage, c.LastBotResponse, c.LastAgent, marshalJSON(c.ExtraData),
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert context failed", "conversation_id", c.ConversationID, "error", err)
		return fmt.Errorf("upsert context: %w", err)
	}
	s.logger.Debug("sqlite: upsert context ok", "conversation_id", c.ConversationID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetContext(ctx context.Context, conversationID string) (cauce.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, organization_id, user_phone, rolling_summary, topic_history,
		        key_entities, total_turns, last_user_message, last_bot_response, last_agent,
		        extra_data, created_at, updated_at, last_activity_at
		 FROM conversation_contexts WHERE conversation_id = ?`, conversationID)

	var c cauce.Context
	var topics, entities, extra sql.NullString
	err := row.Scan(&c.ConversationID, &c.OrganizationID, &c.UserPhone, &c.RollingSummary,
		&topics, &entities, &c.TotalTurns, &c.LastUserMessage, &c.LastBotResponse,
		&c.LastAgent, &extra, &c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cauce.Context{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Context{}, fmt.Errorf("get context: %w", err)
	}
	unmarshalJSON(topics, &c.TopicHistory)
	unmarshalJSON(entities, &c.KeyEntities)
	unmarshalJSON(extra, &c.ExtraData)
	return c, nil
}

func (s *Store) DeleteContext(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_contexts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: delete context ok", "conversation_id", conversationID)
	return nil
}

func (s *Store) RecentContexts(ctx context.Context, organizationID string, limit int) ([]cauce.Context, error) {
	query := `SELECT conversation_id, organization_id, user_phone, rolling_summary, topic_history,
	                 key_entities, total_turns, last_user_message, last_bot_response, last_agent,
	                 extra_data, created_at, updated_at, last_activity_at
	          FROM conversation_contexts`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent contexts: %w", err)
	}
	defer rows.Close()

	var out []cauce.Context
	for rows.Next() {
		var c cauce.Context
		var topics, entities, extra sql.NullString
		if err := rows.Scan(&c.ConversationID, &c.OrganizationID, &c.UserPhone, &c.RollingSummary,
			&topics, &entities, &c.TotalTurns, &c.LastUserMessage, &c.LastBotResponse,
			&c.LastAgent, &extra, &c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		unmarshalJSON(topics, &c.TopicHistory)
		unmarshalJSON(entities, &c.KeyEntities)
		unmarshalJSON(extra, &c.ExtraData)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Conversation messages ---

func (s *Store) InsertMessage(ctx context.Context, m cauce.StoredMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_messages
		 (id, conversation_id, sender, content, agent_name, extra_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Sender, m.Content, m.AgentName, marshalJSON(m.ExtraData), m.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: insert message failed", "id", m.ID, "error", err)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit, offset int) ([]cauce.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, content, agent_name, extra_data, created_at
		 FROM conversation_messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []cauce.StoredMessage
	for rows.Next() {
		var m cauce.StoredMessage
		var extra sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.AgentName, &extra, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		unmarshalJSON(extra, &m.ExtraData)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Tenant configuration ---

func (s *Store) TenantAgents(ctx context.Context, organizationID string) ([]cauce.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_key, display_name, agent_type, class_ref, enabled, priority,
		        domain_key, keywords, intent_patterns, config
		 FROM tenant_agent_configs WHERE organization_id = ?
		 ORDER BY priority DESC, agent_key ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("tenant agents: %w", err)
	}
	defer rows.Close()

	var out []cauce.AgentConfig
	for rows.Next() {
		var a cauce.AgentConfig
		var enabled int
		var keywords, patterns, config sql.NullString
		if err := rows.Scan(&a.AgentKey, &a.DisplayName, &a.AgentType, &a.ClassRef, &enabled,
			&a.Priority, &a.DomainKey, &keywords, &patterns, &config); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		a.Enabled = enabled != 0
		unmarshalJSON(keywords, &a.Keywords)
		unmarshalJSON(patterns, &a.IntentPatterns)
		unmarshalJSON(config, &a.Config)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTenantAgent(ctx context.Context, organizationID string, a cauce.AgentConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tenant_agent_configs
		 (organization_id, agent_key, display_name, agent_type, class_ref, enabled, priority,
		  domain_key, keywords, intent_patterns, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		organizationID, a.AgentKey, a.DisplayName, a.AgentType, a.ClassRef,
		boolToInt(a.Enabled), a.Priority, a.DomainKey,
		marshalJSON(a.Keywords), marshalJSON(a.IntentPatterns), marshalJSON(a.Config))
	if err != nil {
		return fmt.Errorf("upsert tenant agent: %w", err)
	}
	return nil
}

func (s *Store) BypassRules(ctx context.Context, organizationID string) ([]cauce.BypassRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, rule_type, pattern, phones, phone_number_id,
		        target_agent, target_domain, priority, enabled
		 FROM bypass_rules WHERE organization_id = ?
		 ORDER BY priority DESC, id ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("bypass rules: %w", err)
	}
	defer rows.Close()

	var out []cauce.BypassRule
	for rows.Next() {
		var r cauce.BypassRule
		var enabled int
		var phones sql.NullString
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.RuleType, &r.Pattern, &phones,
			&r.PhoneNumberID, &r.TargetAgent, &r.TargetDomain, &r.Priority, &enabled); err != nil {
			return nil, fmt.Errorf("scan bypass rule: %w", err)
		}
		r.Enabled = enabled != 0
		unmarshalJSON(phones, &r.Phones)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBypassRule(ctx context.Context, r cauce.BypassRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bypass_rules
		 (id, organization_id, rule_type, pattern, phones, phone_number_id,
		  target_agent, target_domain, priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrganizationID, r.RuleType, r.Pattern, marshalJSON(r.Phones),
		r.PhoneNumberID, r.TargetAgent, r.TargetDomain, r.Priority, boolToInt(r.Enabled))
	if err != nil {
		return fmt.Errorf("upsert bypass rule: %w", err)
	}
	return nil
}

func (s *Store) DeleteBypassRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bypass_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bypass rule: %w", err)
	}
	return nil
}

func (s *Store) Domains(ctx context.Context) ([]cauce.Domain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain_key, display_name, description, icon, color, enabled, sort_order
		 FROM domains ORDER BY sort_order ASC, domain_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("domains: %w", err)
	}
	defer rows.Close()

	var out []cauce.Domain
	for rows.Next() {
		var d cauce.Domain
		var enabled int
		if err := rows.Scan(&d.DomainKey, &d.DisplayName, &d.Description, &d.Icon, &d.Color, &enabled, &d.SortOrder); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		d.Enabled = enabled != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDomain(ctx context.Context, d cauce.Domain) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO domains
		 (domain_key, display_name, description, icon, color, enabled, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DomainKey, d.DisplayName, d.Description, d.Icon, d.Color, boolToInt(d.Enabled), d.SortOrder)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

func (s *Store) DeleteDomain(ctx context.Context, domainKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE domain_key = ?`, domainKey)
	if err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO graph_checkpoints (conversation_id, state, node, step, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, string(state), cp.Node, cp.Step, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, conversationID string) (cauce.Checkpoint, error) {
	var cp cauce.Checkpoint
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, node, step, updated_at FROM graph_checkpoints WHERE conversation_id = ?`,
		conversationID).Scan(&state, &cp.Node, &cp.Step, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cauce.Checkpoint{}, cauce.ErrNotFound
	}
	if err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return cauce.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graph_checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON encodes v as a JSON column value, NULL for empty values.
func marshalJSON(v any) *string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	out := string(data)
	return &out
}

func unmarshalJSON[T any](col sql.NullString, dst *T) {
	if col.Valid {
		_ = json.Unmarshal([]byte(col.String), dst)
	}
}
