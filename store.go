package cauce

import "context"

// Store abstracts durable persistence: conversation contexts and messages,
// tenant configuration, and graph checkpoints. store/postgres and
// store/sqlite implement it.
type Store interface {
	// --- Conversation contexts ---
	UpsertContext(ctx context.Context, c Context) error
	// GetContext returns ErrNotFound when the conversation has no context.
	GetContext(ctx context.Context, conversationID string) (Context, error)
	// DeleteContext removes the context and all its messages atomically.
	DeleteContext(ctx context.Context, conversationID string) error
	// RecentContexts lists contexts ordered by last_activity_at descending.
	// Empty organizationID lists across tenants.
	RecentContexts(ctx context.Context, organizationID string, limit int) ([]Context, error)

	// --- Conversation messages ---
	InsertMessage(ctx context.Context, m StoredMessage) error
	// Messages returns messages ordered ascending by created_at.
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]StoredMessage, error)

	// --- Tenant configuration ---
	TenantAgents(ctx context.Context, organizationID string) ([]AgentConfig, error)
	UpsertTenantAgent(ctx context.Context, organizationID string, a AgentConfig) error
	BypassRules(ctx context.Context, organizationID string) ([]BypassRule, error)
	UpsertBypassRule(ctx context.Context, r BypassRule) error
	DeleteBypassRule(ctx context.Context, id string) error
	Domains(ctx context.Context) ([]Domain, error)
	UpsertDomain(ctx context.Context, d Domain) error
	DeleteDomain(ctx context.Context, domainKey string) error

	// --- Graph checkpoints ---
	CheckpointStore

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// ContextCache is the warm tier in front of the Store: a remote KV holding
// hot conversation contexts (TTL ≈ 7 days). cache/redis implements it.
// Cache trouble is observational only; callers log and continue.
type ContextCache interface {
	// GetContext returns ErrNotFound on a miss.
	GetContext(ctx context.Context, conversationID string) (Context, error)
	SetContext(ctx context.Context, c Context) error
	DeleteContext(ctx context.Context, conversationID string) error
}

// ContextStore is the read/write protocol the engine speaks around every
// turn. Tiered implements it over a Store and an optional ContextCache.
type ContextStore interface {
	// GetContext returns nil when no tier has a record.
	GetContext(ctx context.Context, conversationID string) (*Context, error)
	SaveContext(ctx context.Context, c Context) error
	SaveMessage(ctx context.Context, m StoredMessage) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	// ClearContext removes the context and all its messages.
	ClearContext(ctx context.Context, conversationID string) error
}
