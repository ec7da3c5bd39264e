package cauce

import (
	"context"
	"log/slog"
	"sync"
)

// Agent factory: instantiates the workers a turn can route to. Workers are
// built per request from a constructor table so tenant overrides never touch
// a shared instance; the process-wide default config table is still guarded
// by the ApplyTenantConfig / ResetToDefaults pairing the engine owns.

// WorkerConstructor builds a worker from its merged config.
type WorkerConstructor func(cfg WorkerConfig) Worker

var (
	customWorkersMu sync.RWMutex
	customWorkers   = make(map[string]WorkerConstructor)
)

// RegisterWorker registers a constructor for a custom agent class reference.
// Registry entries with agent_type "custom" resolve their class_ref against
// this table at first use. Safe for concurrent use; later registrations for
// the same ref win.
func RegisterWorker(classRef string, ctor WorkerConstructor) {
	customWorkersMu.Lock()
	defer customWorkersMu.Unlock()
	customWorkers[classRef] = ctor
}

func lookupCustomWorker(classRef string) (WorkerConstructor, bool) {
	customWorkersMu.RLock()
	defer customWorkersMu.RUnlock()
	ctor, ok := customWorkers[classRef]
	return ctor, ok
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the factory logger. Defaults to a no-op logger.
func WithFactoryLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithBuiltinWorker overrides or adds a builtin constructor for an agent key.
// This is how deployments plug LLM-backed workers into the standard keys:
//
//	factory := cauce.NewFactory(
//		cauce.WithBuiltinWorker(cauce.AgentProduct, func(cfg cauce.WorkerConfig) cauce.Worker {
//			return cauce.NewLLMWorker(cauce.AgentProduct, provider,
//				cauce.WithWorkerRetriever(catalog, 5))
//		}),
//	)
func WithBuiltinWorker(key string, ctor WorkerConstructor) FactoryOption {
	return func(f *Factory) { f.builtins[key] = ctor }
}

// Factory instantiates enabled workers for one request.
type Factory struct {
	mu       sync.Mutex
	builtins map[string]WorkerConstructor
	defaults map[string]WorkerConfig // global config per agent key
	applied  map[string]WorkerConfig // effective config after tenant overrides
	logger   *slog.Logger
}

// NewFactory creates a factory with the canned builtin workers registered.
// Deployments replace the informational builtins with real ones through
// WithBuiltinWorker.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		builtins: map[string]WorkerConstructor{
			AgentGreeting: NewGreetingWorker,
			AgentFarewell: NewFarewellWorker,
			AgentFallback: NewFallbackWorker,
		},
		defaults: make(map[string]WorkerConfig),
		logger:   nopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.applied = make(map[string]WorkerConfig)
	for key := range f.builtins {
		if _, ok := f.defaults[key]; !ok {
			f.defaults[key] = WorkerConfig{Key: key}
		}
	}
	f.resetLocked()
	return f
}

// SetDefaultConfig records the global configuration for an agent key.
func (f *Factory) SetDefaultConfig(cfg WorkerConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[cfg.Key] = cfg
	if _, ok := f.applied[cfg.Key]; !ok {
		f.applied[cfg.Key] = cfg
	}
}

// ApplyTenantConfig overlays tenant overrides (keywords, priority, prompt
// fragment, model) on the default config table. The engine pairs every call
// with ResetToDefaults at request completion; the pairing prevents bleed
// across concurrent tenants.
func (f *Factory) ApplyTenantConfig(reg *Registry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range reg.Agents {
		cfg := f.defaults[key]
		cfg.Key = key
		if a.DisplayName != "" {
			cfg.DisplayName = a.DisplayName
		}
		if len(a.Keywords) > 0 {
			cfg.Keywords = append([]string(nil), a.Keywords...)
		}
		cfg.Priority = a.Priority
		if frag, ok := a.Config["prompt_fragment"].(string); ok && frag != "" {
			cfg.PromptFragment = frag
		}
		if model, ok := a.Config["model"].(string); ok && model != "" {
			cfg.Model = model
		}
		if len(a.Config) > 0 {
			cfg.Options = a.Config
		}
		f.applied[key] = cfg
	}
}

// ResetToDefaults restores the global config for every agent. Mandatory after
// each request.
func (f *Factory) ResetToDefaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Factory) resetLocked() {
	for key := range f.applied {
		delete(f.applied, key)
	}
	for key, cfg := range f.defaults {
		f.applied[key] = cfg
	}
}

// EffectiveConfig returns the currently applied config for an agent key.
func (f *Factory) EffectiveConfig(key string) WorkerConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.applied[key]; ok {
		return cfg
	}
	return WorkerConfig{Key: key}
}

// Build instantiates the workers enabled by both the tenant registry and the
// global enabled list. A nil or empty global list enables everything the
// registry enables. Custom agents with unresolved class refs are logged and
// skipped, never fatal.
func (f *Factory) Build(_ context.Context, reg *Registry, globalEnabled []string) map[string]Worker {
	global := map[string]bool{}
	for _, key := range globalEnabled {
		global[key] = true
	}

	workers := make(map[string]Worker)
	for _, key := range reg.EnabledAgents() {
		if len(global) > 0 && !global[key] {
			continue
		}
		a := reg.Agents[key]
		ctor, ok := f.resolveConstructor(a)
		if !ok {
			f.logger.Warn("agent unavailable", "agent", key, "class_ref", a.ClassRef)
			continue
		}
		workers[key] = ctor(f.EffectiveConfig(key))
	}
	return workers
}

func (f *Factory) resolveConstructor(a AgentConfig) (WorkerConstructor, bool) {
	if a.AgentType == AgentTypeCustom {
		if a.ClassRef == "" {
			return nil, false
		}
		return lookupCustomWorker(a.ClassRef)
	}
	f.mu.Lock()
	ctor, ok := f.builtins[a.AgentKey]
	f.mu.Unlock()
	return ctor, ok
}
