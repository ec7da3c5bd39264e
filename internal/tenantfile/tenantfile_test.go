package tenantfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cauce-ai/cauce"
)

const seedYAML = `
defaults:
  agents:
    - key: greeting_agent
      priority: 90
organizations:
  farmacia-sur:
    agents:
      - key: pharmacy_operations_agent
        display_name: Farmacia
        priority: 80
        keywords: [receta, medicamento]
        intent_patterns:
          - pattern: farmacia
      - key: billing_agent
        enabled: false
    bypass_rules:
      - id: vip
        type: phone_number
        pattern: "549264*"
        target_agent: pharmacy_operations_agent
        priority: 10
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRegistryPerOrganization(t *testing.T) {
	ld, err := New(writeSeed(t, seedYAML))
	if err != nil {
		t.Fatal(err)
	}

	reg, err := ld.LoadRegistry(context.Background(), "farmacia-sur")
	if err != nil {
		t.Fatal(err)
	}
	pharmacy, ok := reg.Agents["pharmacy_operations_agent"]
	if !ok || !pharmacy.Enabled || pharmacy.Priority != 80 {
		t.Errorf("pharmacy = %+v", pharmacy)
	}
	if pharmacy.IntentPatterns[0].Weight != 1 {
		t.Errorf("pattern weight not defaulted: %+v", pharmacy.IntentPatterns)
	}
	if billing := reg.Agents["billing_agent"]; billing.Enabled {
		t.Error("explicit enabled: false ignored")
	}
	if len(reg.BypassRules) != 1 || reg.BypassRules[0].Pattern != "549264*" {
		t.Errorf("BypassRules = %v", reg.BypassRules)
	}
	if reg.BypassRules[0].OrganizationID != "farmacia-sur" {
		t.Errorf("rule org = %q", reg.BypassRules[0].OrganizationID)
	}
}

func TestLoadRegistryFallsBackToDefaults(t *testing.T) {
	ld, err := New(writeSeed(t, seedYAML))
	if err != nil {
		t.Fatal(err)
	}

	reg, err := ld.LoadRegistry(context.Background(), "unknown-org")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Agents["greeting_agent"]; !ok {
		t.Errorf("defaults block not applied: %v", reg.Agents)
	}
}

func TestEmptyDefaultsUseBuiltins(t *testing.T) {
	ld, err := New(writeSeed(t, "organizations: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := ld.LoadRegistry(context.Background(), "any")
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Agents) != len(cauce.DefaultAgentConfigs()) {
		t.Errorf("agents = %d, want builtin set", len(reg.Agents))
	}
}

func TestNewFailsOnBadFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := New(writeSeed(t, "organizations: [not a map")); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeSeed(t, seedYAML)
	ld, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ld.Watch(); err != nil {
		t.Fatal(err)
	}
	defer ld.Close()

	updated := `
organizations:
  farmacia-sur:
    agents:
      - key: tracking_agent
        priority: 70
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reg, err := ld.LoadRegistry(context.Background(), "farmacia-sur")
		if err == nil {
			if _, ok := reg.Agents["tracking_agent"]; ok {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reload not observed")
}

func TestWatchKeepsPreviousOnBadEdit(t *testing.T) {
	path := writeSeed(t, seedYAML)
	ld, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ld.Watch(); err != nil {
		t.Fatal(err)
	}
	defer ld.Close()

	if err := os.WriteFile(path, []byte("organizations: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	reg, err := ld.LoadRegistry(context.Background(), "farmacia-sur")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Agents["pharmacy_operations_agent"]; !ok {
		t.Error("previous registry lost after bad edit")
	}
}
