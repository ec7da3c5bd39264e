package cauce

import (
	"context"
	"errors"
	"log/slog"
)

// Tiered is the context store the engine uses: read-through over a warm cache
// with warm-on-miss, strict write-through (durable first, then cache). Cache
// failures are logged and never fail the request.
type Tiered struct {
	store  Store
	cache  ContextCache // nil disables the warm tier
	logger *slog.Logger
}

// TieredOption configures a Tiered store.
type TieredOption func(*Tiered)

// WithTieredLogger sets the logger. Defaults to a no-op logger.
func WithTieredLogger(l *slog.Logger) TieredOption {
	return func(t *Tiered) { t.logger = l }
}

// NewTiered builds the tiered context store. cache may be nil.
func NewTiered(store Store, cache ContextCache, opts ...TieredOption) *Tiered {
	t := &Tiered{store: store, cache: cache, logger: nopLogger()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ ContextStore = (*Tiered)(nil)

// GetContext checks the warm tier first, falls back to the durable store, and
// warms the cache on a durable hit. Returns nil when neither tier has a
// record.
func (t *Tiered) GetContext(ctx context.Context, conversationID string) (*Context, error) {
	if t.cache != nil {
		c, err := t.cache.GetContext(ctx, conversationID)
		switch {
		case err == nil:
			return &c, nil
		case !errors.Is(err, ErrNotFound):
			t.logger.Warn("context cache read failed", "conversation_id", conversationID, "error", err)
		}
	}

	c, err := t.store.GetContext(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if err := t.cache.SetContext(ctx, c); err != nil {
			t.logger.Warn("context cache warm failed", "conversation_id", conversationID, "error", err)
		}
	}
	return &c, nil
}

// SaveContext stamps the write timestamps and writes through: durable first,
// then cache. A durable failure fails the call; a cache failure is logged.
func (t *Tiered) SaveContext(ctx context.Context, c Context) error {
	now := NowUnix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.LastActivityAt = now

	if err := t.store.UpsertContext(ctx, c); err != nil {
		return err
	}
	if t.cache != nil {
		if err := t.cache.SetContext(ctx, c); err != nil {
			t.logger.Warn("context cache write failed", "conversation_id", c.ConversationID, "error", err)
		}
	}
	return nil
}

// SaveMessage appends to the durable store only; messages are not cached.
func (t *Tiered) SaveMessage(ctx context.Context, m StoredMessage) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = NowUnix()
	}
	return t.store.InsertMessage(ctx, m)
}

// RecentMessages reads from the durable store, ascending by created_at.
func (t *Tiered) RecentMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	return t.store.Messages(ctx, conversationID, limit, 0)
}

// ClearContext deletes the context and its messages from the durable store
// (cascade) and invalidates the warm tier.
func (t *Tiered) ClearContext(ctx context.Context, conversationID string) error {
	if err := t.store.DeleteContext(ctx, conversationID); err != nil {
		return err
	}
	if t.cache != nil {
		if err := t.cache.DeleteContext(ctx, conversationID); err != nil {
			t.logger.Warn("context cache invalidate failed", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}
