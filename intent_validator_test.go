package cauce

import "testing"

func TestValidateIntentIdentity(t *testing.T) {
	intent, conf, _ := validateIntent(IntentProducto, validIntents())
	if intent != IntentProducto {
		t.Errorf("intent = %q, want %q", intent, IntentProducto)
	}
	if conf != 1.0 {
		t.Errorf("confidence = %v, want 1.0", conf)
	}
}

func TestValidateIntentAgentKeyCorrection(t *testing.T) {
	intent, conf, reason := validateIntent(AgentBilling, validIntents())
	if intent != IntentFacturacion {
		t.Errorf("intent = %q, want %q", intent, IntentFacturacion)
	}
	if conf != mappedConfidence {
		t.Errorf("confidence = %v, want %v", conf, mappedConfidence)
	}
	if reason == "" {
		t.Error("reason is empty")
	}
}

func TestValidateIntentUnknownFallsBack(t *testing.T) {
	intent, conf, _ := validateIntent("charlar", validIntents())
	if intent != IntentFallback {
		t.Errorf("intent = %q, want %q", intent, IntentFallback)
	}
	if conf != fallbackConfidence {
		t.Errorf("confidence = %v, want %v", conf, fallbackConfidence)
	}
}

func TestCheckActiveFlow(t *testing.T) {
	res := checkActiveFlow(ConversationData{PreviousAgent: AgentSupport})
	if res == nil {
		t.Fatal("no flow detected for flow agent")
	}
	if res.TargetAgent != AgentSupport {
		t.Errorf("TargetAgent = %q, want %q", res.TargetAgent, AgentSupport)
	}
	if res.Confidence != flowConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, flowConfidence)
	}
	if res.Method != MethodFlow {
		t.Errorf("Method = %q, want %q", res.Method, MethodFlow)
	}
}

func TestCheckActiveFlowIgnoresNonFlowAgents(t *testing.T) {
	cases := []string{"", AgentGreeting, NodeOrchestrator, NodeSupervisor}
	for _, agent := range cases {
		if res := checkActiveFlow(ConversationData{PreviousAgent: agent}); res != nil {
			t.Errorf("flow detected for %q: %+v", agent, res)
		}
	}
}

func TestMapIntentToAgent(t *testing.T) {
	if got := mapIntentToAgent(IntentSaludo); got != AgentGreeting {
		t.Errorf("mapIntentToAgent(saludo) = %q, want %q", got, AgentGreeting)
	}
	if got := mapIntentToAgent("inexistente"); got != AgentFallback {
		t.Errorf("mapIntentToAgent(unknown) = %q, want %q", got, AgentFallback)
	}
}

func TestHandleFollowUp(t *testing.T) {
	if got := handleFollowUp(ConversationData{PreviousAgent: AgentTracking}); got != AgentTracking {
		t.Errorf("previous agent not honored: %q", got)
	}
	if got := handleFollowUp(ConversationData{LastBotMessage: "Le envío la factura por mail"}); got != AgentBilling {
		t.Errorf("keyword follow-up = %q, want %q", got, AgentBilling)
	}
	if got := handleFollowUp(ConversationData{}); got != AgentFallback {
		t.Errorf("empty follow-up = %q, want %q", got, AgentFallback)
	}
}
