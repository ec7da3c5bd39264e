// Package tenantfile loads tenant agent registries from a YAML seed file and
// hot-reloads it on change. Single-tenant and staging deployments use this
// instead of the store-backed registry.
package tenantfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cauce-ai/cauce"
)

// File mirrors the YAML document shape.
type File struct {
	Organizations map[string]Tenant `yaml:"organizations"`
	// Defaults apply to any organization not listed explicitly.
	Defaults Tenant `yaml:"defaults"`
}

// Tenant is one organization's agent set and bypass rules.
type Tenant struct {
	Agents      []Agent      `yaml:"agents"`
	BypassRules []BypassRule `yaml:"bypass_rules"`
}

type Agent struct {
	Key            string          `yaml:"key"`
	DisplayName    string          `yaml:"display_name"`
	Type           string          `yaml:"type"` // builtin (default) or custom
	ClassRef       string          `yaml:"class_ref"`
	Enabled        *bool           `yaml:"enabled"` // nil means enabled
	Priority       int             `yaml:"priority"`
	DomainKey      string          `yaml:"domain_key"`
	Keywords       []string        `yaml:"keywords"`
	IntentPatterns []IntentPattern `yaml:"intent_patterns"`
	Config         map[string]any  `yaml:"config"`
}

type IntentPattern struct {
	Pattern         string  `yaml:"pattern"`
	Weight          float64 `yaml:"weight"`
	RequiresContext bool    `yaml:"requires_context"`
}

type BypassRule struct {
	ID            string   `yaml:"id"`
	Type          string   `yaml:"type"` // phone_number, phone_list, phone_number_id
	Pattern       string   `yaml:"pattern"`
	Phones        []string `yaml:"phones"`
	PhoneNumberID string   `yaml:"phone_number_id"`
	TargetAgent   string   `yaml:"target_agent"`
	TargetDomain  string   `yaml:"target_domain"`
	Priority      int      `yaml:"priority"`
	Enabled       *bool    `yaml:"enabled"`
}

// Loader implements cauce.RegistryLoader over a YAML file.
type Loader struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file File

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ cauce.RegistryLoader = (*Loader)(nil)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// New reads the seed file and returns a loader serving registries from it.
func New(path string, opts ...LoaderOption) (*Loader, error) {
	ld := &Loader{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(ld)
	}
	if err := ld.reload(); err != nil {
		return nil, err
	}
	return ld, nil
}

// Watch starts hot reload. A bad edit keeps the previous registry; the error
// is logged, never fatal. Close stops the watcher.
func (ld *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tenantfile watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save, which drops a
	// watch registered on the file itself.
	if err := w.Add(filepath.Dir(ld.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", ld.path, err)
	}
	ld.watcher = w
	ld.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(ld.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := ld.reload(); err != nil {
					ld.logger.Error("tenant file reload failed", "path", ld.path, "error", err)
					continue
				}
				ld.logger.Info("tenant file reloaded", "path", ld.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				ld.logger.Warn("tenant file watch error", "error", err)
			case <-ld.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (ld *Loader) Close() error {
	if ld.watcher == nil {
		return nil
	}
	close(ld.done)
	return ld.watcher.Close()
}

func (ld *Loader) reload() error {
	data, err := os.ReadFile(ld.path)
	if err != nil {
		return fmt.Errorf("read tenant file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse tenant file: %w", err)
	}
	ld.mu.Lock()
	ld.file = f
	ld.mu.Unlock()
	return nil
}

// LoadRegistry builds the registry for an organization, falling back to the
// defaults block, then to the builtin agent set.
func (ld *Loader) LoadRegistry(_ context.Context, organizationID string) (*cauce.Registry, error) {
	ld.mu.RLock()
	tenant, ok := ld.file.Organizations[organizationID]
	if !ok {
		tenant = ld.file.Defaults
	}
	ld.mu.RUnlock()

	agents := make([]cauce.AgentConfig, 0, len(tenant.Agents))
	for _, a := range tenant.Agents {
		agents = append(agents, a.toConfig())
	}
	if len(agents) == 0 {
		agents = cauce.DefaultAgentConfigs()
	}

	r := cauce.NewRegistry(organizationID, agents)
	for _, br := range tenant.BypassRules {
		r.BypassRules = append(r.BypassRules, br.toRule(organizationID))
	}
	return r, nil
}

func (a Agent) toConfig() cauce.AgentConfig {
	agentType := a.Type
	if agentType == "" {
		agentType = cauce.AgentTypeBuiltin
	}
	patterns := make([]cauce.IntentPattern, len(a.IntentPatterns))
	for i, p := range a.IntentPatterns {
		w := p.Weight
		if w == 0 {
			w = 1
		}
		patterns[i] = cauce.IntentPattern{Pattern: p.Pattern, Weight: w, RequiresContext: p.RequiresContext}
	}
	return cauce.AgentConfig{
		AgentKey:       a.Key,
		DisplayName:    a.DisplayName,
		AgentType:      agentType,
		ClassRef:       a.ClassRef,
		Enabled:        a.Enabled == nil || *a.Enabled,
		Priority:       a.Priority,
		DomainKey:      a.DomainKey,
		Keywords:       a.Keywords,
		IntentPatterns: patterns,
		Config:         a.Config,
	}
}

func (r BypassRule) toRule(organizationID string) cauce.BypassRule {
	id := r.ID
	if id == "" {
		id = cauce.NewID()
	}
	return cauce.BypassRule{
		ID:             id,
		OrganizationID: organizationID,
		RuleType:       r.Type,
		Pattern:        r.Pattern,
		Phones:         r.Phones,
		PhoneNumberID:  r.PhoneNumberID,
		TargetAgent:    r.TargetAgent,
		TargetDomain:   r.TargetDomain,
		Priority:       r.Priority,
		Enabled:        r.Enabled == nil || *r.Enabled,
	}
}
