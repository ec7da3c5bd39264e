package cauce

import (
	"context"
	"testing"
)

func TestFactoryBuildsEnabledWorkers(t *testing.T) {
	f := NewFactory()
	reg := NewRegistry("org", []AgentConfig{
		{AgentKey: AgentGreeting, Enabled: true, Priority: 90},
		{AgentKey: AgentFallback, Enabled: true, Priority: 10},
		{AgentKey: AgentFarewell, Enabled: false},
	})

	workers := f.Build(context.Background(), reg, nil)
	if _, ok := workers[AgentGreeting]; !ok {
		t.Error("greeting worker missing")
	}
	if _, ok := workers[AgentFallback]; !ok {
		t.Error("fallback worker missing")
	}
	if _, ok := workers[AgentFarewell]; ok {
		t.Error("disabled farewell worker built")
	}
}

func TestFactoryGlobalIntersection(t *testing.T) {
	f := NewFactory()
	reg := NewRegistry("org", []AgentConfig{
		{AgentKey: AgentGreeting, Enabled: true},
		{AgentKey: AgentFallback, Enabled: true},
	})
	workers := f.Build(context.Background(), reg, []string{AgentFallback})
	if len(workers) != 1 {
		t.Fatalf("workers = %v, want only fallback", workers)
	}
	if _, ok := workers[AgentFallback]; !ok {
		t.Error("fallback missing from intersection")
	}
}

func TestFactoryTenantOverridesAndReset(t *testing.T) {
	f := NewFactory()
	f.SetDefaultConfig(WorkerConfig{Key: AgentGreeting, DisplayName: "Global", Priority: 90})

	reg := NewRegistry("org", []AgentConfig{
		{AgentKey: AgentGreeting, DisplayName: "Tienda Centro", Enabled: true, Priority: 95,
			Keywords: []string{"hola"},
			Config:   map[string]any{"prompt_fragment": "Sos el asistente de Tienda Centro."}},
	})

	f.ApplyTenantConfig(reg)
	cfg := f.EffectiveConfig(AgentGreeting)
	if cfg.DisplayName != "Tienda Centro" {
		t.Errorf("DisplayName = %q", cfg.DisplayName)
	}
	if cfg.Priority != 95 {
		t.Errorf("Priority = %d", cfg.Priority)
	}
	if cfg.PromptFragment == "" {
		t.Error("prompt fragment not applied")
	}

	f.ResetToDefaults()
	cfg = f.EffectiveConfig(AgentGreeting)
	if cfg.DisplayName != "Global" {
		t.Errorf("after reset DisplayName = %q, want Global", cfg.DisplayName)
	}
	if cfg.PromptFragment != "" {
		t.Errorf("after reset PromptFragment = %q, want empty", cfg.PromptFragment)
	}
}

func TestFactoryCustomWorkerResolution(t *testing.T) {
	RegisterWorker("test.EchoWorker", func(cfg WorkerConfig) Worker {
		return &scriptedWorker{key: cfg.Key}
	})

	f := NewFactory()
	reg := NewRegistry("org", []AgentConfig{
		{AgentKey: "echo_agent", AgentType: AgentTypeCustom, ClassRef: "test.EchoWorker", Enabled: true},
		{AgentKey: "ghost_agent", AgentType: AgentTypeCustom, ClassRef: "test.Missing", Enabled: true},
	})

	workers := f.Build(context.Background(), reg, nil)
	if _, ok := workers["echo_agent"]; !ok {
		t.Error("registered custom worker not built")
	}
	if _, ok := workers["ghost_agent"]; ok {
		t.Error("unresolved custom worker built instead of skipped")
	}
}

func TestFactoryBuiltinOverride(t *testing.T) {
	var built bool
	f := NewFactory(WithBuiltinWorker(AgentProduct, func(cfg WorkerConfig) Worker {
		built = true
		return &scriptedWorker{key: cfg.Key}
	}))
	reg := NewRegistry("org", []AgentConfig{{AgentKey: AgentProduct, Enabled: true}})
	workers := f.Build(context.Background(), reg, nil)
	if !built {
		t.Error("override constructor not called")
	}
	if _, ok := workers[AgentProduct]; !ok {
		t.Error("product worker missing")
	}
}
