package cauce

import "context"

// Intent analysis: three analyzers (LLM, NLP, keyword) behind one contract,
// a validator that normalizes their output, a deterministic cache, and the
// cascade router that ties them together. Intent labels are Spanish because
// that is what tenant traffic speaks.

// Canonical intents.
const (
	IntentSaludo      = "saludo"
	IntentDespedida   = "despedida"
	IntentProducto    = "producto"
	IntentSoporte     = "soporte"
	IntentFacturacion = "facturacion"
	IntentSeguimiento = "seguimiento"
	IntentFarmacia    = "farmacia"
	IntentFallback    = "fallback"
)

// Routing methods recorded on IntentResult and RoutingDecision.
const (
	MethodLLM     = "llm"
	MethodNLP     = "nlp"
	MethodKeyword = "keyword"
	MethodFlow    = "flow_continuation"
	MethodBypass  = "bypass"
)

// Well-known agent keys. Tenants may enable any subset and register more.
const (
	AgentGreeting = "greeting_agent"
	AgentFarewell = "farewell_agent"
	AgentFallback = "fallback_agent"
	AgentSupport  = "excelencia_support_agent"
	AgentPharmacy = "pharmacy_operations_agent"
	AgentProduct  = "product_catalog_agent"
	AgentBilling  = "billing_agent"
	AgentTracking = "tracking_agent"
)

// IntentResult is the outcome of one intent analysis. Sentiment and Urgency
// are only populated by the NLP analyzer.
type IntentResult struct {
	PrimaryIntent string            `json:"primary_intent"`
	Confidence    float64           `json:"confidence"`
	TargetAgent   string            `json:"target_agent"`
	Method        string            `json:"method"`
	Reasoning     string            `json:"reasoning,omitempty"`
	Entities      map[string]string `json:"entities,omitempty"`
	Sentiment     string            `json:"sentiment,omitempty"`
	Urgency       string            `json:"urgency,omitempty"`
}

// ConversationData is the context snapshot handed to analyzers: enough to
// pin flows and build prompts, nothing more.
type ConversationData struct {
	ConversationID string
	Language       string
	UserTier       string
	PreviousAgent  string
	RollingSummary string
	LastBotMessage string
	RecentMessages []StateMessage
}

// Analyzer is the common analyzer contract.
type Analyzer interface {
	// Analyze classifies one message in its conversation context.
	Analyze(ctx context.Context, message string, conv ConversationData) (IntentResult, error)
	// MethodName identifies the analyzer ("llm", "nlp", "keyword").
	MethodName() string
}

// defaultIntentAgents maps each canonical intent to its default agent.
// Tenant registries override this through their intent patterns.
var defaultIntentAgents = map[string]string{
	IntentSaludo:      AgentGreeting,
	IntentDespedida:   AgentFarewell,
	IntentProducto:    AgentProduct,
	IntentSoporte:     AgentSupport,
	IntentFacturacion: AgentBilling,
	IntentSeguimiento: AgentTracking,
	IntentFarmacia:    AgentPharmacy,
	IntentFallback:    AgentFallback,
}

// intentExamples feeds the LLM prompt enumeration, one or two per intent.
var intentExamples = map[string][]string{
	IntentSaludo:      {"hola", "buenos días"},
	IntentDespedida:   {"chau, gracias", "hasta luego"},
	IntentProducto:    {"¿cuánto sale el módulo de facturación?", "qué planes tienen"},
	IntentSoporte:     {"necesito ayuda con el alta", "no puedo ingresar al sistema"},
	IntentFacturacion: {"necesito la factura de marzo", "¿me pueden enviar el recibo?"},
	IntentSeguimiento: {"¿dónde está mi pedido 4521?", "estado de mi orden"},
	IntentFarmacia:    {"¿tienen ibuprofeno 600?", "quiero repetir mi receta"},
	IntentFallback:    {"asdf", "no entiendo nada de esto"},
}

// validIntents returns the canonical intent names in stable order.
func validIntents() []string {
	return []string{
		IntentSaludo, IntentDespedida, IntentProducto, IntentSoporte,
		IntentFacturacion, IntentSeguimiento, IntentFarmacia, IntentFallback,
	}
}
