package cauce

import (
	"sort"
	"strings"
)

// Bypass rules short-circuit intent analysis: when one matches the incoming
// request, the orchestrator skips the cascade and routes straight to the
// rule's target agent. Rules are evaluated in priority order (desc, id asc on
// ties); the first match wins.

// Bypass rule types.
const (
	BypassByPhonePattern = "phone_number"    // prefix pattern with '*' wildcard
	BypassByPhoneList    = "phone_list"      // explicit phone enumeration
	BypassByChannelID    = "phone_number_id" // messaging-channel phone-number-id
)

// BypassRule is one configured routing short-circuit.
type BypassRule struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id,omitempty"`
	RuleType       string   `json:"rule_type"`
	Pattern        string   `json:"pattern,omitempty"`         // phone_number rules
	Phones         []string `json:"phones,omitempty"`          // phone_list rules
	PhoneNumberID  string   `json:"phone_number_id,omitempty"` // phone_number_id rules
	TargetAgent    string   `json:"target_agent"`
	TargetDomain   string   `json:"target_domain,omitempty"`
	Priority       int      `json:"priority"`
	Enabled        bool     `json:"enabled"`
}

// BypassInput is what the evaluator sees of an incoming request.
type BypassInput struct {
	UserPhone     string
	PhoneNumberID string
}

// BypassTest is the result of evaluating the rule set against an input,
// returned by the admin test endpoint and by EvaluateBypass.
type BypassTest struct {
	Matched         bool        `json:"matched"`
	MatchedRule     *BypassRule `json:"matched_rule,omitempty"`
	TargetAgent     string      `json:"target_agent,omitempty"`
	TargetDomain    string      `json:"target_domain,omitempty"`
	EvaluationOrder []string    `json:"evaluation_order"`
}

// EvaluateBypass checks the registry's rules against the input in priority
// order. A pre-routing target set on the registry wins over every rule and is
// consumed by this call.
func EvaluateBypass(reg *Registry, in BypassInput) BypassTest {
	if target := reg.TakeBypassTarget(); target != "" {
		return BypassTest{
			Matched:         true,
			TargetAgent:     target,
			EvaluationOrder: []string{"pre_router"},
		}
	}

	rules := orderedRules(reg.BypassRules)
	order := make([]string, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		order = append(order, rule.ID)
		if matchBypassRule(rule, in) {
			return BypassTest{
				Matched:         true,
				MatchedRule:     &rule,
				TargetAgent:     rule.TargetAgent,
				TargetDomain:    rule.TargetDomain,
				EvaluationOrder: order,
			}
		}
	}
	return BypassTest{EvaluationOrder: order}
}

// orderedRules returns enabled rules sorted by priority desc, id asc.
func orderedRules(rules []BypassRule) []BypassRule {
	out := make([]BypassRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchBypassRule(rule BypassRule, in BypassInput) bool {
	switch rule.RuleType {
	case BypassByPhonePattern:
		return in.UserPhone != "" && matchPhonePattern(rule.Pattern, in.UserPhone)
	case BypassByPhoneList:
		for _, p := range rule.Phones {
			if normalizePhone(p) == normalizePhone(in.UserPhone) && in.UserPhone != "" {
				return true
			}
		}
		return false
	case BypassByChannelID:
		return rule.PhoneNumberID != "" && rule.PhoneNumberID == in.PhoneNumberID
	default:
		return false
	}
}

// matchPhonePattern matches a phone against a pattern where '*' matches any
// run of digits. "549264*" matches every number with that prefix; a pattern
// without wildcards must match exactly.
func matchPhonePattern(pattern, phone string) bool {
	pattern = normalizePhone(pattern)
	phone = normalizePhone(phone)
	if pattern == "" {
		return false
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return phone == pattern
	}
	if !strings.HasPrefix(phone, parts[0]) {
		return false
	}
	rest := phone[len(parts[0]):]
	if last := parts[len(parts)-1]; last != "" {
		if !strings.HasSuffix(rest, last) {
			return false
		}
		rest = rest[:len(rest)-len(last)]
	}
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(rest, mid)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(mid):]
	}
	return true
}

// normalizePhone strips everything but digits so "+54 9 264..." and
// "5492641234567" compare equal. '*' survives for patterns.
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '*' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
