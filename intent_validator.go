package cauce

import "fmt"

// Intent validation: fixed tables that normalize analyzer output and pin
// multi-turn flows. Both tables are part of the binary; tenant registries
// refine routing but never redefine these.

// agentToIntent corrects the common LLM mistake of answering with an agent
// key instead of an intent name.
var agentToIntent = map[string]string{
	AgentGreeting: IntentSaludo,
	AgentFarewell: IntentDespedida,
	AgentProduct:  IntentProducto,
	AgentSupport:  IntentSoporte,
	AgentBilling:  IntentFacturacion,
	AgentTracking: IntentSeguimiento,
	AgentPharmacy: IntentFarmacia,
	AgentFallback: IntentFallback,
}

// flowAgents own multi-turn dialogues. While one of them produced the last
// bot turn, routing stays pinned to it.
var flowAgents = map[string]bool{
	AgentSupport:  true,
	AgentPharmacy: true,
	AgentBilling:  true,
}

// followUpAgents resolves follow-up messages when no previous agent is known.
var followUpAgents = map[string]string{
	"precio":  AgentProduct,
	"plan":    AgentProduct,
	"pedido":  AgentTracking,
	"envio":   AgentTracking,
	"factura": AgentBilling,
	"ayuda":   AgentSupport,
	"soporte": AgentSupport,
}

const (
	flowConfidence     = 0.95
	fallbackConfidence = 0.4
	mappedConfidence   = 0.9
)

// validateIntent normalizes an analyzer's intent against the valid set:
// identity when valid, agent-key correction when possible, fallback at 0.4
// otherwise.
func validateIntent(intent string, valid []string) (string, float64, string) {
	for _, v := range valid {
		if intent == v {
			return intent, 1.0, "intent válido"
		}
	}
	if mapped, ok := agentToIntent[intent]; ok {
		return mapped, mappedConfidence, fmt.Sprintf("clave de agente %q mapeada a intent", intent)
	}
	return IntentFallback, fallbackConfidence, fmt.Sprintf("intent desconocido %q", intent)
}

// checkActiveFlow returns a flow-continuation result when the previous agent
// owns a multi-turn flow. Nil when no flow is active.
func checkActiveFlow(conv ConversationData) *IntentResult {
	agent := conv.PreviousAgent
	if agent == "" || agent == NodeOrchestrator || agent == NodeSupervisor {
		return nil
	}
	if !flowAgents[agent] {
		return nil
	}
	return &IntentResult{
		PrimaryIntent: agentToIntent[agent],
		Confidence:    flowConfidence,
		TargetAgent:   agent,
		Method:        MethodFlow,
		Reasoning:     fmt.Sprintf("flujo activo de %s", agent),
	}
}

// mapIntentToAgent returns the default agent for an intent.
func mapIntentToAgent(intent string) string {
	if agent, ok := defaultIntentAgents[intent]; ok {
		return agent
	}
	return AgentFallback
}

// handleFollowUp picks an agent for a follow-up message: the previous agent
// when known, a keyword table otherwise, the fallback agent as last resort.
func handleFollowUp(conv ConversationData) string {
	if a := conv.PreviousAgent; a != "" && a != NodeOrchestrator && a != NodeSupervisor {
		return a
	}
	for _, tok := range tokenize(conv.LastBotMessage) {
		if agent, ok := followUpAgents[tok]; ok {
			return agent
		}
	}
	return AgentFallback
}
