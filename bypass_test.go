package cauce

import "testing"

func TestMatchPhonePattern(t *testing.T) {
	cases := []struct {
		pattern string
		phone   string
		want    bool
	}{
		{"549264*", "5492641234567", true},
		{"549264*", "5492651234567", false},
		{"5492641234567", "5492641234567", true},
		{"5492641234567", "5492641234568", false},
		{"*4567", "5492641234567", true},
		{"*9999", "5492641234567", false},
		{"549*4567", "5492641234567", true},
		{"549*9999", "5492641234567", false},
		{"", "5492641234567", false},
		{"549264*", "+54 9 264 123-4567", true}, // formatting stripped
	}
	for _, tc := range cases {
		if got := matchPhonePattern(tc.pattern, tc.phone); got != tc.want {
			t.Errorf("matchPhonePattern(%q, %q) = %v, want %v", tc.pattern, tc.phone, got, tc.want)
		}
	}
}

func TestEvaluateBypassPriorityOrder(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	reg.BypassRules = []BypassRule{
		{ID: "b", RuleType: BypassByPhonePattern, Pattern: "549*", TargetAgent: AgentSupport, Priority: 5, Enabled: true},
		{ID: "a", RuleType: BypassByPhonePattern, Pattern: "549264*", TargetAgent: AgentPharmacy, Priority: 10, Enabled: true},
		{ID: "c", RuleType: BypassByPhonePattern, Pattern: "549*", TargetAgent: AgentBilling, Priority: 5, Enabled: false},
	}

	res := EvaluateBypass(reg, BypassInput{UserPhone: "5492641234567"})
	if !res.Matched {
		t.Fatal("no rule matched")
	}
	if res.TargetAgent != AgentPharmacy {
		t.Errorf("TargetAgent = %q, want %q (highest priority)", res.TargetAgent, AgentPharmacy)
	}
	if len(res.EvaluationOrder) != 1 || res.EvaluationOrder[0] != "a" {
		t.Errorf("EvaluationOrder = %v, want [a]", res.EvaluationOrder)
	}
}

func TestEvaluateBypassTieBreakByID(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	reg.BypassRules = []BypassRule{
		{ID: "z", RuleType: BypassByPhonePattern, Pattern: "549*", TargetAgent: AgentSupport, Priority: 5, Enabled: true},
		{ID: "a", RuleType: BypassByPhonePattern, Pattern: "549*", TargetAgent: AgentBilling, Priority: 5, Enabled: true},
	}
	res := EvaluateBypass(reg, BypassInput{UserPhone: "5491111111111"})
	if !res.Matched || res.MatchedRule.ID != "a" {
		t.Errorf("matched rule = %+v, want id a", res.MatchedRule)
	}
}

func TestEvaluateBypassPhoneList(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	reg.BypassRules = []BypassRule{
		{ID: "list", RuleType: BypassByPhoneList, Phones: []string{"+54 9 264 123 4567"}, TargetAgent: AgentPharmacy, Enabled: true},
	}
	if res := EvaluateBypass(reg, BypassInput{UserPhone: "5492641234567"}); !res.Matched {
		t.Error("normalized phone list entry did not match")
	}
	if res := EvaluateBypass(reg, BypassInput{UserPhone: "5492640000000"}); res.Matched {
		t.Error("unlisted phone matched")
	}
	if res := EvaluateBypass(reg, BypassInput{}); res.Matched {
		t.Error("empty phone matched a list rule")
	}
}

func TestEvaluateBypassChannelID(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	reg.BypassRules = []BypassRule{
		{ID: "ch", RuleType: BypassByChannelID, PhoneNumberID: "111222", TargetAgent: AgentSupport, Enabled: true},
	}
	if res := EvaluateBypass(reg, BypassInput{PhoneNumberID: "111222"}); !res.Matched {
		t.Error("channel id rule did not match")
	}
	if res := EvaluateBypass(reg, BypassInput{PhoneNumberID: "999"}); res.Matched {
		t.Error("wrong channel id matched")
	}
}

func TestEvaluateBypassPreRouterWinsAndConsumes(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	reg.BypassRules = []BypassRule{
		{ID: "r", RuleType: BypassByPhonePattern, Pattern: "549*", TargetAgent: AgentSupport, Priority: 99, Enabled: true},
	}
	reg.SetBypassTarget(AgentPharmacy)

	res := EvaluateBypass(reg, BypassInput{UserPhone: "5491111111111"})
	if !res.Matched || res.TargetAgent != AgentPharmacy {
		t.Fatalf("pre-router target not honored: %+v", res)
	}

	// Second evaluation: target consumed, rules apply.
	res = EvaluateBypass(reg, BypassInput{UserPhone: "5491111111111"})
	if !res.Matched || res.TargetAgent != AgentSupport {
		t.Errorf("second evaluation = %+v, want rule match", res)
	}
}

func TestEvaluateBypassNoMatch(t *testing.T) {
	reg := NewRegistry("org", DefaultAgentConfigs())
	res := EvaluateBypass(reg, BypassInput{UserPhone: "5491111111111"})
	if res.Matched {
		t.Errorf("matched with no rules: %+v", res)
	}
}
