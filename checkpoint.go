package cauce

import (
	"context"
	"sync"
)

// Checkpointing: after every node completion the engine persists the frame
// keyed by conversation id. Checkpoints let interrupted turns resume and let
// external observers read the last committed state mid-turn. Writes are
// idempotent by key; the checkpoint is cleared when the turn commits.

// Checkpoint is one persisted graph snapshot.
type Checkpoint struct {
	State     State  `json:"state"`
	Node      string `json:"node"` // node that just completed
	Step      int    `json:"step"`
	UpdatedAt int64  `json:"updated_at"`
}

// CheckpointStore persists graph checkpoints, atomic per key.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, conversationID string, cp Checkpoint) error
	// GetCheckpoint returns ErrNotFound when no checkpoint exists.
	GetCheckpoint(ctx context.Context, conversationID string) (Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, conversationID string) error
}

// MemoryCheckpointStore is the process-local CheckpointStore. Good for tests
// and single-node deployments without resume-after-crash needs.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string]Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: make(map[string]Checkpoint)}
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

func (m *MemoryCheckpointStore) PutCheckpoint(_ context.Context, conversationID string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[conversationID] = cp
	return nil
}

func (m *MemoryCheckpointStore) GetCheckpoint(_ context.Context, conversationID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.data[conversationID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryCheckpointStore) DeleteCheckpoint(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, conversationID)
	return nil
}
