package cauce

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"strings"

	"github.com/philippgille/chromem-go"
)

// NLP analyzer: an embedded pipeline combining weighted keyword groups,
// gazetteer entity extraction, vector similarity against per-intent reference
// texts, and surface patterns. Built once at startup; if construction fails
// the cascade simply runs without it.

// Component weights, fixed.
const (
	nlpWeightKeyword = 0.4
	nlpWeightEntity  = 0.2
	nlpWeightVector  = 0.3
	nlpWeightPattern = 0.1

	nlpConfidenceCap = 0.9
	nlpMinConfidence = 0.3
)

type nlpKeywordGroups struct {
	High   []string // weight 1.0
	Medium []string // weight 0.7
	Low    []string // weight 0.3
}

var nlpIntentKeywords = map[string]nlpKeywordGroups{
	IntentSaludo: {
		High: []string{"hola", "buenas"},
	},
	IntentDespedida: {
		High:   []string{"chau", "adios"},
		Medium: []string{"gracias"},
	},
	IntentProducto: {
		High:   []string{"precio", "costo", "producto", "modulo", "plan"},
		Medium: []string{"comprar", "contratar", "oferta", "cotizacion"},
		Low:    []string{"info", "informacion"},
	},
	IntentSoporte: {
		High:   []string{"error", "problema", "ayuda", "soporte"},
		Medium: []string{"alta", "baja", "usuario", "acceso"},
		Low:    []string{"sistema", "cuenta"},
	},
	IntentFacturacion: {
		High:   []string{"factura", "recibo", "pago"},
		Medium: []string{"cobro", "abono", "vencimiento"},
		Low:    []string{"impuesto"},
	},
	IntentSeguimiento: {
		High:   []string{"pedido", "orden", "envio", "seguimiento"},
		Medium: []string{"paquete", "entrega", "demora"},
		Low:    []string{"llega", "llego"},
	},
	IntentFarmacia: {
		High:   []string{"receta", "medicamento", "remedio", "farmacia"},
		Medium: []string{"dosis", "ibuprofeno", "paracetamol"},
		Low:    []string{"tomar"},
	},
}

// nlpReferenceTexts seed the per-intent vector collection.
var nlpReferenceTexts = map[string]string{
	IntentSaludo:      "hola buenos días buenas tardes cómo estás saludo inicial",
	IntentDespedida:   "chau adiós hasta luego gracias por todo despedida final",
	IntentProducto:    "consulta por precios productos módulos planes costos y contratación",
	IntentSoporte:     "problema técnico error del sistema ayuda con alta baja de usuarios acceso",
	IntentFacturacion: "factura recibo comprobante de pago cobro vencimiento",
	IntentSeguimiento: "estado del pedido orden de compra envío paquete fecha de entrega",
	IntentFarmacia:    "receta médica medicamentos remedios dosis consulta de farmacia",
	IntentFallback:    "mensaje ambiguo sin intención clara",
}

// nlpEntityRelevance maps entity types to the intents they support.
var nlpEntityRelevance = map[string][]string{
	"telefono": {IntentSoporte},
	"dinero":   {IntentProducto, IntentFacturacion},
	"pedido":   {IntentSeguimiento, IntentFacturacion},
	"email":    {IntentSoporte},
}

var (
	rePhone = regexp.MustCompile(`\+?\d{8,15}`)
	reMoney = regexp.MustCompile(`\$\s?\d+[\d.,]*|\d+[\d.,]*\s?(pesos|usd|dolares|dólares)`)
	reOrder = regexp.MustCompile(`(?:pedido|orden|#)\s?#?(\d{3,})`)
	reEmail = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
)

var (
	negativeWords = []string{"malo", "pesimo", "terrible", "horrible", "no sirve", "no funciona", "queja", "reclamo", "harto", "enojado"}
	positiveWords = []string{"gracias", "excelente", "genial", "perfecto", "buenisimo", "barbaro"}
	urgencyWords  = []string{"urgente", "ya", "ahora", "inmediato", "rapido", "cuanto antes"}
	questionWords = []string{"que", "cuanto", "cuanta", "como", "donde", "cuando", "cual"}
)

// NLPOption configures the NLP analyzer.
type NLPOption func(*NLPAnalyzer)

// WithNLPEmbedding enables vector similarity using the given provider.
func WithNLPEmbedding(e EmbeddingProvider) NLPOption {
	return func(a *NLPAnalyzer) { a.embedder = e }
}

// WithNLPLogger sets the analyzer logger. Defaults to a no-op logger.
func WithNLPLogger(l *slog.Logger) NLPOption {
	return func(a *NLPAnalyzer) { a.logger = l }
}

// NLPAnalyzer scores intents without calling an LLM.
type NLPAnalyzer struct {
	model    string
	embedder EmbeddingProvider
	refs     *chromem.Collection
	refCount int
	logger   *slog.Logger
}

var _ Analyzer = (*NLPAnalyzer)(nil)

// NewNLPAnalyzer builds the pipeline. The model name is a label carried in
// logs and reasoning. When an embedding provider is configured, per-intent
// reference texts are embedded into an in-memory chromem collection; an
// embedding failure fails construction so the router can run without NLP.
func NewNLPAnalyzer(ctx context.Context, model string, opts ...NLPOption) (*NLPAnalyzer, error) {
	a := &NLPAnalyzer{model: model, logger: nopLogger()}
	for _, opt := range opts {
		opt(a)
	}

	if a.embedder != nil {
		db := chromem.NewDB()
		embedFn := func(ctx context.Context, text string) ([]float32, error) {
			vecs, err := a.embedder.Embed(ctx, []string{text})
			if err != nil {
				return nil, err
			}
			return vecs[0], nil
		}
		col, err := db.GetOrCreateCollection("intents", nil, embedFn)
		if err != nil {
			return nil, fmt.Errorf("intent collection: %w", err)
		}
		docs := make([]chromem.Document, 0, len(nlpReferenceTexts))
		for intent, text := range nlpReferenceTexts {
			docs = append(docs, chromem.Document{ID: intent, Content: text})
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("embed reference texts: %w", err)
		}
		a.refs = col
		a.refCount = len(docs)
	}

	a.logger.Info("nlp analyzer ready", "model", model, "vectors", a.refs != nil)
	return a, nil
}

func (a *NLPAnalyzer) MethodName() string { return MethodNLP }

func (a *NLPAnalyzer) Analyze(ctx context.Context, message string, _ ConversationData) (IntentResult, error) {
	tokens := tokenize(message)
	folded := foldText(message)
	entities := extractEntities(message)

	vecScores := a.vectorScores(ctx, message)
	patScores := patternScores(folded, tokens)

	bestIntent := ""
	bestScore := 0.0
	for _, intent := range validIntents() {
		if intent == IntentFallback {
			continue
		}
		kw := keywordGroupScore(intent, tokens, folded)
		ent := entityScore(intent, entities)
		score := nlpWeightKeyword*kw +
			nlpWeightEntity*ent +
			nlpWeightVector*vecScores[intent] +
			nlpWeightPattern*patScores[intent]
		if score > bestScore {
			bestIntent, bestScore = intent, score
		}
	}

	if bestScore > nlpConfidenceCap {
		bestScore = nlpConfidenceCap
	}

	sentiment := detectSentiment(folded, tokens)
	urgency := detectUrgency(folded, tokens)

	if bestScore < nlpMinConfidence {
		return IntentResult{
			PrimaryIntent: IntentFallback,
			Confidence:    bestScore,
			TargetAgent:   AgentFallback,
			Method:        MethodNLP,
			Reasoning:     fmt.Sprintf("mejor puntaje %.2f bajo el mínimo", bestScore),
			Entities:      entities,
			Sentiment:     sentiment,
			Urgency:       urgency,
		}, nil
	}

	return IntentResult{
		PrimaryIntent: bestIntent,
		Confidence:    bestScore,
		TargetAgent:   mapIntentToAgent(bestIntent),
		Method:        MethodNLP,
		Reasoning:     fmt.Sprintf("puntaje combinado %.2f para %s", bestScore, bestIntent),
		Entities:      entities,
		Sentiment:     sentiment,
		Urgency:       urgency,
	}, nil
}

// keywordGroupScore sums group weights over matched keywords, normalized by
// token count and capped at 1.
func keywordGroupScore(intent string, tokens []string, folded string) float64 {
	groups, ok := nlpIntentKeywords[intent]
	if !ok || len(tokens) == 0 {
		return 0
	}
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	match := func(kw string) bool {
		if strings.ContainsRune(kw, ' ') {
			return strings.Contains(folded, kw)
		}
		return tokenSet[kw]
	}
	var sum float64
	for _, kw := range groups.High {
		if match(kw) {
			sum += 1.0
		}
	}
	for _, kw := range groups.Medium {
		if match(kw) {
			sum += 0.7
		}
	}
	for _, kw := range groups.Low {
		if match(kw) {
			sum += 0.3
		}
	}
	score := sum / float64(len(tokens))
	if score > 1 {
		score = 1
	}
	return score
}

// entityScore adds 0.5 per extracted entity relevant to the intent, capped at 1.
func entityScore(intent string, entities map[string]string) float64 {
	var score float64
	for typ := range entities {
		for _, rel := range nlpEntityRelevance[typ] {
			if rel == intent {
				score += 0.5
			}
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// vectorScores queries the reference collection and maps cosine similarity
// into [0, 1] per intent. Empty when vectors are unavailable or the query
// fails; vector trouble never blocks the pipeline.
func (a *NLPAnalyzer) vectorScores(ctx context.Context, message string) map[string]float64 {
	scores := make(map[string]float64)
	if a.refs == nil {
		return scores
	}
	results, err := a.refs.Query(ctx, message, a.refCount, nil, nil)
	if err != nil {
		a.logger.Debug("vector query failed", "error", err)
		return scores
	}
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < 0 {
			sim = 0
		}
		scores[r.ID] = sim
	}
	return scores
}

// patternScores applies the surface heuristics: digits point at tracking and
// billing, currency at product and billing, urgency at support, questions at
// product and tracking.
func patternScores(folded string, tokens []string) map[string]float64 {
	scores := make(map[string]float64)
	add := func(intent string, v float64) {
		scores[intent] += v
		if scores[intent] > 1 {
			scores[intent] = 1
		}
	}

	if strings.ContainsAny(folded, "0123456789") {
		add(IntentSeguimiento, 0.5)
		add(IntentFacturacion, 0.5)
	}
	if reMoney.MatchString(folded) || strings.ContainsRune(folded, '$') {
		add(IntentProducto, 0.5)
		add(IntentFacturacion, 0.5)
	}
	for _, u := range urgencyWords {
		if hasTerm(folded, tokens, u) {
			add(IntentSoporte, 0.7)
			break
		}
	}
	if strings.Contains(folded, "?") || strings.Contains(folded, "¿") || hasAnyTerm(folded, tokens, questionWords) {
		add(IntentProducto, 0.3)
		add(IntentSeguimiento, 0.3)
	}
	return scores
}

// extractEntities pulls phones, money amounts, order numbers, and emails.
func extractEntities(message string) map[string]string {
	folded := foldText(message)
	entities := make(map[string]string)
	if m := reEmail.FindString(folded); m != "" {
		entities["email"] = m
	}
	if m := reOrder.FindStringSubmatch(folded); m != nil {
		entities["pedido"] = m[1]
	}
	if m := reMoney.FindString(folded); m != "" {
		entities["dinero"] = m
	} else if m := rePhone.FindString(folded); m != "" && entities["pedido"] == "" {
		entities["telefono"] = m
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}

func detectSentiment(folded string, tokens []string) string {
	if hasAnyTerm(folded, tokens, negativeWords) {
		return "negative"
	}
	if hasAnyTerm(folded, tokens, positiveWords) {
		return "positive"
	}
	return "neutral"
}

func detectUrgency(folded string, tokens []string) string {
	if hasAnyTerm(folded, tokens, urgencyWords) {
		return "high"
	}
	return "normal"
}

// hasTerm matches phrases by containment and single words by exact token to
// keep short words like "ya" from matching inside longer ones.
func hasTerm(folded string, tokens []string, term string) bool {
	if strings.ContainsRune(term, ' ') {
		return strings.Contains(folded, term)
	}
	for _, t := range tokens {
		if t == term {
			return true
		}
	}
	return false
}

func hasAnyTerm(folded string, tokens, wanted []string) bool {
	for _, w := range wanted {
		if hasTerm(folded, tokens, w) {
			return true
		}
	}
	return false
}
