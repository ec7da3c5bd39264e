package cauce

import (
	"context"
	"sort"
	"strings"
)

// Tenant registry: the per-request snapshot of which agents a tenant enables,
// with derived routing indexes. A registry is built at request entry, is
// immutable for the duration of the request (except for the single-use bypass
// target), and is discarded afterward.

// AgentType values for AgentConfig.
const (
	AgentTypeBuiltin = "builtin"
	AgentTypeCustom  = "custom"
)

// IntentPattern binds an intent name to an agent with a weight. Patterns with
// RequiresContext only fire when a previous agent is known.
type IntentPattern struct {
	Pattern         string  `json:"pattern"`
	Weight          float64 `json:"weight"`
	RequiresContext bool    `json:"requires_context"`
}

// AgentConfig is one tenant agent entry.
type AgentConfig struct {
	AgentKey       string          `json:"agent_key"`
	DisplayName    string          `json:"display_name,omitempty"`
	AgentType      string          `json:"agent_type,omitempty"` // "builtin" or "custom"
	ClassRef       string          `json:"class_ref,omitempty"`  // "pkg.Symbol" for custom agents
	Enabled        bool            `json:"enabled"`
	Priority       int             `json:"priority"` // 0..100
	DomainKey      string          `json:"domain_key,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	IntentPatterns []IntentPattern `json:"intent_patterns,omitempty"`
	Config         map[string]any  `json:"config,omitempty"`
}

// Registry holds one tenant's agent configuration with derived indexes.
type Registry struct {
	OrganizationID string
	Agents         map[string]AgentConfig
	BypassRules    []BypassRule

	// bypassTargetAgent is set by an upstream pre-router and consumed at most
	// once per request via TakeBypassTarget.
	bypassTargetAgent string

	// Derived, rebuilt on mutation.
	enabledOrder  []string            // priority desc, key asc on ties
	intentToAgent map[string]string   // intent -> first enabled agent claiming it
	keywordIndex  map[string][]string // folded keyword -> agent keys
}

// NewRegistry builds a registry and its derived indexes.
func NewRegistry(organizationID string, agents []AgentConfig) *Registry {
	r := &Registry{
		OrganizationID: organizationID,
		Agents:         make(map[string]AgentConfig, len(agents)),
	}
	for _, a := range agents {
		r.Agents[a.AgentKey] = a
	}
	r.Rebuild()
	return r
}

// Rebuild recomputes the derived indexes from the agents map. Must be called
// after any mutation of Agents.
func (r *Registry) Rebuild() {
	r.enabledOrder = r.enabledOrder[:0]
	for key, a := range r.Agents {
		if a.Enabled {
			r.enabledOrder = append(r.enabledOrder, key)
		}
	}
	sort.Slice(r.enabledOrder, func(i, j int) bool {
		a, b := r.Agents[r.enabledOrder[i]], r.Agents[r.enabledOrder[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.AgentKey < b.AgentKey
	})

	r.intentToAgent = make(map[string]string)
	r.keywordIndex = make(map[string][]string)
	for _, key := range r.enabledOrder {
		a := r.Agents[key]
		for _, p := range a.IntentPatterns {
			if _, taken := r.intentToAgent[p.Pattern]; !taken {
				r.intentToAgent[p.Pattern] = key
			}
		}
		for _, kw := range a.Keywords {
			folded := foldText(strings.ToLower(kw))
			r.keywordIndex[folded] = append(r.keywordIndex[folded], key)
		}
	}
}

// RestrictDomains disables agents whose DomainKey is set and not in keys,
// then rebuilds the indexes. Agents without a domain are unaffected. A nil or
// empty keys slice is a no-op.
func (r *Registry) RestrictDomains(keys []string) {
	if len(keys) == 0 {
		return
	}
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	changed := false
	for key, a := range r.Agents {
		if a.DomainKey != "" && !allowed[a.DomainKey] && a.Enabled {
			a.Enabled = false
			r.Agents[key] = a
			changed = true
		}
	}
	if changed {
		r.Rebuild()
	}
}

// EnabledAgents returns enabled agent keys in deterministic order
// (priority desc, key asc on ties).
func (r *Registry) EnabledAgents() []string {
	out := make([]string, len(r.enabledOrder))
	copy(out, r.enabledOrder)
	return out
}

// IsEnabled reports whether the agent key is enabled in this registry.
func (r *Registry) IsEnabled(key string) bool {
	a, ok := r.Agents[key]
	return ok && a.Enabled
}

// AgentForIntent returns the highest-priority enabled agent that claims the
// intent through its patterns, falling back to the built-in default mapping.
func (r *Registry) AgentForIntent(intent string) string {
	if agent, ok := r.intentToAgent[intent]; ok {
		return agent
	}
	return mapIntentToAgent(intent)
}

// AgentsForKeyword returns the enabled agents registered for a keyword.
func (r *Registry) AgentsForKeyword(keyword string) []string {
	return r.keywordIndex[foldText(strings.ToLower(keyword))]
}

// SetBypassTarget records a pre-routing bypass target for this request.
func (r *Registry) SetBypassTarget(agent string) {
	r.bypassTargetAgent = agent
}

// TakeBypassTarget returns and clears the pre-routing bypass target. The
// second call in a request always returns empty.
func (r *Registry) TakeBypassTarget() string {
	t := r.bypassTargetAgent
	r.bypassTargetAgent = ""
	return t
}

// RegistryLoader builds a tenant registry for a request. Implementations read
// durable config (store-backed) or a seed file; the result is per request.
type RegistryLoader interface {
	LoadRegistry(ctx context.Context, organizationID string) (*Registry, error)
}

// StaticRegistryLoader returns a fixed set of agent configs for any tenant.
// Useful for single-tenant deployments and tests.
type StaticRegistryLoader struct {
	Agents      []AgentConfig
	BypassRules []BypassRule
}

var _ RegistryLoader = (*StaticRegistryLoader)(nil)

func (l *StaticRegistryLoader) LoadRegistry(_ context.Context, organizationID string) (*Registry, error) {
	r := NewRegistry(organizationID, l.Agents)
	r.BypassRules = append([]BypassRule(nil), l.BypassRules...)
	return r, nil
}

// storeRegistryLoader reads tenant agents and bypass rules from a Store.
type storeRegistryLoader struct {
	store Store
}

// NewStoreRegistryLoader builds registries from the durable tenant tables.
func NewStoreRegistryLoader(s Store) RegistryLoader {
	return &storeRegistryLoader{store: s}
}

func (l *storeRegistryLoader) LoadRegistry(ctx context.Context, organizationID string) (*Registry, error) {
	agents, err := l.store.TenantAgents(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	rules, err := l.store.BypassRules(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(organizationID, agents)
	r.BypassRules = rules
	return r, nil
}

// DefaultAgentConfigs returns the builtin agents, all enabled, with default
// priorities. Single-tenant deployments without a registry source use this.
func DefaultAgentConfigs() []AgentConfig {
	return []AgentConfig{
		{AgentKey: AgentGreeting, DisplayName: "Recepción", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 90,
			IntentPatterns: []IntentPattern{{Pattern: IntentSaludo, Weight: 1}}},
		{AgentKey: AgentFarewell, DisplayName: "Despedida", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 90,
			IntentPatterns: []IntentPattern{{Pattern: IntentDespedida, Weight: 1}}},
		{AgentKey: AgentProduct, DisplayName: "Catálogo", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 70,
			IntentPatterns: []IntentPattern{{Pattern: IntentProducto, Weight: 1}}},
		{AgentKey: AgentSupport, DisplayName: "Soporte", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 70,
			IntentPatterns: []IntentPattern{{Pattern: IntentSoporte, Weight: 1}}},
		{AgentKey: AgentBilling, DisplayName: "Facturación", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 60,
			IntentPatterns: []IntentPattern{{Pattern: IntentFacturacion, Weight: 1}}},
		{AgentKey: AgentTracking, DisplayName: "Seguimiento", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 60,
			IntentPatterns: []IntentPattern{{Pattern: IntentSeguimiento, Weight: 1}}},
		{AgentKey: AgentPharmacy, DisplayName: "Farmacia", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 60,
			IntentPatterns: []IntentPattern{{Pattern: IntentFarmacia, Weight: 1}}},
		{AgentKey: AgentFallback, DisplayName: "Asistente general", AgentType: AgentTypeBuiltin, Enabled: true, Priority: 10,
			IntentPatterns: []IntentPattern{{Pattern: IntentFallback, Weight: 1}}},
	}
}
