package cauce

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Supervisor: the closed-loop quality gate. The evaluator scores the worker's
// response through phrase families and heuristic sub-scores, the action
// decider applies the anti-loop rules, the flow controller turns the verdict
// into state flags, and the optional enhancer rewrites tone without touching
// facts.

// Response categories.
const (
	CategoryCompleteWithData = "complete_with_data"
	CategoryPartialInfo      = "partial_info"
	CategoryFallback         = "fallback_response"
	CategoryError            = "error_response"
	CategoryRedirect         = "redirect_response"
)

// Suggested actions.
const (
	ActionAccept    = "accept"
	ActionReRoute   = "re_route"
	ActionStopRetry = "stop_retry"
	ActionEnhance   = "enhance"
)

// Phrase families for the fallback score. All entries are matched
// accent-folded against the response.
var (
	redirectPhrases = []string{ // +0.4 each
		"te recomiendo contactar",
		"comunicate con",
		"te sugiero que consultes",
		"podes llamar al",
		"dirigite a",
		"consulta con tu",
	}
	noInfoPhrases = []string{ // +0.5 each
		"no tengo informacion",
		"no cuento con esa informacion",
		"no tengo acceso",
		"no puedo ayudarte con eso",
		"no dispongo de",
		"no encontre informacion",
	}
	genericOfferPhrases = []string{ // +0.2 each
		"en que mas puedo ayudarte",
		"estoy para ayudarte",
		"cualquier otra consulta",
		"no dudes en preguntar",
		"quedo a tu disposicion",
	}
	errorMarkers = []string{
		"disculpa, tuvimos un inconveniente",
		"ocurrio un error",
		"error interno",
	}
)

// frustrationPhrases trigger a human handoff when they appear in the last two
// user messages.
var frustrationPhrases = []string{
	"no sirve",
	"no funciona nada",
	"quiero un supervisor",
	"quiero hablar con una persona",
	"quiero hablar con un humano",
	"pesimo servicio",
	"estoy harto",
	"estoy harta",
	"es una verguenza",
	"no me ayudas",
}

// agentQueryRelevance maps agents to the query types they are strong at. Used
// by the relevance sub-score.
var agentQueryRelevance = map[string][]string{
	AgentProduct:  {"product", "products"},
	AgentBilling:  {"billing", "product"},
	AgentTracking: {"tracking"},
	AgentSupport:  {"support", "corporate"},
	AgentPharmacy: {"product", "support"},
}

var (
	reProperName = regexp.MustCompile(`\b[A-ZÁÉÍÓÚÑ][a-záéíóúñ]{2,}(?:\s+[A-ZÁÉÍÓÚÑ][a-záéíóúñ]{2,})*`)
	reNumber     = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	reBulletLine = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)
	reSentence   = regexp.MustCompile(`[.!?¡¿]+`)
)

var actionableVerbs = []string{
	"podes", "puede", "ingresa", "ingresá", "selecciona", "seleccioná",
	"escribi", "escribí", "envia", "enviá", "hace clic", "descarga", "descargá",
	"completa", "completá", "revisa", "revisá",
}

var connectives = []string{
	"ademas", "tambien", "por ejemplo", "es decir", "primero", "luego", "por ultimo",
}

// SpecificData counts the concrete content found in a response.
type SpecificData struct {
	Names   int `json:"names"`
	Numbers int `json:"numbers"`
	Bullets int `json:"bullets"`
}

// Evaluation is the supervisor's structured verdict on one worker response.
type Evaluation struct {
	Agent         string       `json:"agent"`
	QueryType     string       `json:"query_type"`
	FallbackScore float64      `json:"fallback_score"`
	SpecificData  SpecificData `json:"specific_data"`
	HasSpecific   bool         `json:"has_specific"`
	Category      string       `json:"category"`

	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Clarity      float64 `json:"clarity"`
	Helpfulness  float64 `json:"helpfulness"`
	BaseScore    float64 `json:"base_score"`
	OverallScore float64 `json:"overall_score"`

	RAGHadResults   bool   `json:"rag_had_results"`
	SuggestedAction string `json:"suggested_action"`

	// EnhancedResponse is set when the enhancer rewrote the response. The
	// message log keeps the worker original; presentation prefers this text.
	EnhancedResponse string `json:"enhanced_response,omitempty"`
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithEnhancer enables the LLM response enhancer. Off by default.
func WithEnhancer(p Provider) SupervisorOption {
	return func(s *Supervisor) { s.enhancer = p }
}

// WithSupervisorLogger sets the supervisor logger. Defaults to a no-op logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor evaluates worker output and decides accept / re-route / handoff.
type Supervisor struct {
	enhancer Provider
	logger   *slog.Logger
}

// NewSupervisor builds a supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Review runs the full gate for one worker pass and returns the state delta:
// the evaluation plus exactly one decision reflected in the flags.
func (s *Supervisor) Review(ctx context.Context, state State) Delta {
	userMsg := lastUserMessage(state.Messages)
	response, _ := lastAssistantMessage(state.Messages)

	eval := s.Evaluate(userMsg, response.Content, state.CurrentAgent, state)

	// (b) Flow controller.
	if s.needsHandoff(state, eval) {
		s.logger.Info("handoff requested",
			"agent", state.CurrentAgent, "score", eval.OverallScore, "errors", state.ErrorCount)
		return Delta{
			SupervisorEvaluation:  &eval,
			AgentHistory:          []string{NodeSupervisor},
			HumanHandoffRequested: boolPtr(true),
			IsComplete:            boolPtr(true),
			NeedsReRouting:        boolPtr(false),
		}
	}

	if eval.SuggestedAction == ActionReRoute && s.reRouteUseful(state, eval) {
		s.logger.Info("re-routing",
			"agent", state.CurrentAgent, "category", eval.Category, "score", eval.OverallScore)
		return Delta{
			SupervisorEvaluation: &eval,
			AgentHistory:         []string{NodeSupervisor},
			NeedsReRouting:       boolPtr(true),
			SupervisorRetryCount: intPtr(state.SupervisorRetryCount + 1),
		}
	}

	// Accept. Enhance at presentation time when enabled.
	if s.enhancer != nil && (eval.SuggestedAction == ActionEnhance || eval.Category == CategoryPartialInfo) {
		if enhanced := s.enhance(ctx, userMsg, response.Content); enhanced != "" {
			eval.EnhancedResponse = enhanced
		}
	}
	return Delta{
		SupervisorEvaluation: &eval,
		AgentHistory:         []string{NodeSupervisor},
		IsComplete:           boolPtr(true),
		NeedsReRouting:       boolPtr(false),
	}
}

// needsHandoff applies the escalation rules: hard counters, a very low score,
// or frustration in the last two user messages.
func (s *Supervisor) needsHandoff(state State, eval Evaluation) bool {
	if state.ErrorCount >= maxErrorCount {
		return true
	}
	if state.SupervisorRetryCount >= maxSupervisorRetries {
		return true
	}
	if eval.OverallScore < 0.3 {
		return true
	}
	for _, msg := range recentUserMessages(state.Messages, 2) {
		for _, phrase := range frustrationPhrases {
			if containsPhrase(msg, phrase) {
				return true
			}
		}
	}
	return false
}

// reRouteUseful guards the loop: re-routing only helps when RAG had results
// and the same worker was not just tried twice in a row.
func (s *Supervisor) reRouteUseful(state State, eval Evaluation) bool {
	if !eval.RAGHadResults {
		return false
	}
	last, prev := lastTwoWorkers(state.AgentHistory)
	return last == "" || last != prev
}

// Evaluate produces the structured verdict for one response.
func (s *Supervisor) Evaluate(userMsg, response, agent string, state State) Evaluation {
	eval := Evaluation{Agent: agent, QueryType: classifyQuery(userMsg)}

	folded := foldText(response)
	eval.FallbackScore = fallbackScore(folded)
	eval.SpecificData = findSpecificData(response)
	eval.HasSpecific = hasSpecific(eval.QueryType, eval.SpecificData)
	eval.Category = categorize(folded, eval.FallbackScore, eval.HasSpecific, eval.QueryType, eval.SpecificData)

	eval.Completeness = completenessScore(userMsg, response)
	eval.Relevance = relevanceScore(userMsg, response, agent, eval.QueryType)
	eval.Clarity = clarityScore(response)
	eval.Helpfulness = helpfulnessScore(response, eval.SpecificData)

	eval.BaseScore = 0.3*eval.Completeness + 0.3*eval.Relevance + 0.2*eval.Clarity + 0.2*eval.Helpfulness
	eval.OverallScore = clamp01(eval.BaseScore + categoryAdjustment(eval.Category))

	if state.RAGMetrics != nil {
		eval.RAGHadResults = state.RAGMetrics.HasResults
	}
	eval.SuggestedAction = decideAction(eval, state)
	return eval
}

// decideAction is the (c) decider: anti-loop rules first, then the category.
func decideAction(eval Evaluation, state State) string {
	if eval.Category == CategoryCompleteWithData {
		return ActionAccept
	}
	if state.SupervisorRetryCount >= 2 {
		return ActionAccept
	}
	if !eval.RAGHadResults {
		return ActionStopRetry
	}
	if last, prev := lastTwoWorkers(state.AgentHistory); last != "" && last == prev {
		return ActionStopRetry
	}
	if eval.Category == CategoryFallback {
		return ActionReRoute
	}
	return ActionAccept
}

// enhance asks the LLM to rewrite for tone, preserving every fact. The result
// is only used when it is longer than 20 characters.
func (s *Supervisor) enhance(ctx context.Context, userMsg, response string) string {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := s.enhancer.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Reescribí la respuesta del asistente con un tono cálido y profesional. " +
				"Conservá absolutamente todos los datos concretos (nombres, números, precios, pasos). " +
				"No agregues información nueva. Respondé solo con el texto reescrito."),
			UserMessage("Consulta: " + userMsg + "\n\nRespuesta original: " + response),
		},
		Temperature: 0.5,
	})
	if err != nil {
		s.logger.Warn("enhancer failed", "error", err)
		return ""
	}
	enhanced := strings.TrimSpace(resp.Content)
	if len([]rune(enhanced)) <= 20 {
		return ""
	}
	return enhanced
}

// --- evaluator internals ---

// classifyQuery buckets the user message for the specificity rules.
func classifyQuery(userMsg string) string {
	folded := foldText(userMsg)
	switch {
	case strings.Contains(folded, "empresa") || strings.Contains(folded, "quienes son") || strings.Contains(folded, "clientes"):
		return "corporate"
	case strings.Contains(folded, "precios") || strings.Contains(folded, "productos") || strings.Contains(folded, "planes"):
		return "products"
	case strings.Contains(folded, "precio") || strings.Contains(folded, "producto") || strings.Contains(folded, "modulo") || strings.Contains(folded, "plan"):
		return "product"
	case strings.Contains(folded, "factura") || strings.Contains(folded, "pago"):
		return "billing"
	case strings.Contains(folded, "pedido") || strings.Contains(folded, "envio"):
		return "tracking"
	case strings.Contains(folded, "ayuda") || strings.Contains(folded, "problema") || strings.Contains(folded, "error"):
		return "support"
	default:
		return "general"
	}
}

// fallbackScore weights membership in the three phrase families, capped at 1.
func fallbackScore(folded string) float64 {
	var score float64
	for _, p := range redirectPhrases {
		if strings.Contains(folded, p) {
			score += 0.4
		}
	}
	for _, p := range noInfoPhrases {
		if strings.Contains(folded, p) {
			score += 0.5
		}
	}
	for _, p := range genericOfferPhrases {
		if strings.Contains(folded, p) {
			score += 0.2
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func findSpecificData(response string) SpecificData {
	return SpecificData{
		Names:   len(reProperName.FindAllString(response, -1)),
		Numbers: len(reNumber.FindAllString(response, -1)),
		Bullets: len(reBulletLine.FindAllString(response, -1)),
	}
}

// hasSpecific applies the per-query-type specificity requirement.
func hasSpecific(queryType string, data SpecificData) bool {
	switch queryType {
	case "corporate":
		return data.Names > 0
	case "product", "products":
		return data.Numbers > 0
	default:
		return true
	}
}

// categorize is the 2-D rule matrix over fallback score and specificity.
func categorize(folded string, fbScore float64, specific bool, queryType string, data SpecificData) string {
	if strings.TrimSpace(folded) == "" {
		return CategoryError
	}
	for _, m := range errorMarkers {
		if strings.Contains(folded, foldText(m)) {
			return CategoryError
		}
	}
	hasAnyData := data.Names > 0 || data.Numbers > 0 || data.Bullets > 0
	if fbScore >= 0.6 {
		if hasAnyData {
			return CategoryRedirect
		}
		return CategoryFallback
	}
	if !specific {
		// corporate/product queries missing their required specificity
		return CategoryPartialInfo
	}
	if hasAnyData {
		return CategoryCompleteWithData
	}
	return CategoryPartialInfo
}

func categoryAdjustment(category string) float64 {
	switch category {
	case CategoryCompleteWithData:
		return 0.1
	case CategoryRedirect:
		return -0.2
	case CategoryFallback:
		return -0.3
	case CategoryError:
		return -0.4
	default:
		return 0
	}
}

// completenessScore rewards length in a sane range and answering question
// words from the query.
func completenessScore(userMsg, response string) float64 {
	n := len([]rune(response))
	var score float64
	switch {
	case n == 0:
		return 0
	case n < 40:
		score = 0.4
	case n < 600:
		score = 0.9
	default:
		score = 0.7
	}
	folded := foldText(userMsg)
	for _, q := range questionWords {
		if strings.Contains(folded, q) {
			// a question deserves a substantive answer
			if n >= 40 {
				score += 0.2
			}
			break
		}
	}
	return clamp01(score)
}

// relevanceScore starts from a neutral base and adds word overlap plus the
// agent-vs-query relevance lookup.
func relevanceScore(userMsg, response, agent, queryType string) float64 {
	score := 0.4
	queryTokens := tokenize(userMsg)
	if len(queryTokens) > 0 {
		respTokens := make(map[string]bool)
		for _, t := range tokenize(response) {
			respTokens[t] = true
		}
		overlap := 0
		for _, t := range queryTokens {
			if len(t) > 3 && respTokens[t] {
				overlap++
			}
		}
		ratio := float64(overlap) / float64(len(queryTokens))
		if ratio > 0.3 {
			ratio = 0.3
		}
		score += ratio
	}
	for _, qt := range agentQueryRelevance[agent] {
		if qt == queryType {
			score += 0.3
			break
		}
	}
	return clamp01(score)
}

// clarityScore prefers sentences in a readable length band plus structural
// connectives.
func clarityScore(response string) float64 {
	sentences := reSentence.Split(response, -1)
	var counted, inBand int
	for _, s := range sentences {
		words := len(strings.Fields(s))
		if words == 0 {
			continue
		}
		counted++
		if words >= 5 && words <= 25 {
			inBand++
		}
	}
	if counted == 0 {
		return 0
	}
	score := 0.5 + 0.4*float64(inBand)/float64(counted)
	folded := foldText(response)
	for _, c := range connectives {
		if strings.Contains(folded, c) {
			score += 0.1
			break
		}
	}
	return clamp01(score)
}

// helpfulnessScore rewards actionable verbs, concrete data, and a polite tone.
func helpfulnessScore(response string, data SpecificData) float64 {
	if response == "" {
		return 0
	}
	folded := foldText(response)
	score := 0.3
	for _, v := range actionableVerbs {
		if strings.Contains(folded, foldText(v)) {
			score += 0.3
			break
		}
	}
	if data.Numbers > 0 || data.Bullets > 0 {
		score += 0.2
	}
	if strings.Contains(folded, "gracias") || strings.Contains(folded, "por favor") ||
		strings.Contains(folded, "con gusto") || strings.Contains(folded, "ayudar") {
		score += 0.2
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
