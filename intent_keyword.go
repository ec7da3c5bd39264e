package cauce

import (
	"context"
	"fmt"
	"strings"
)

// Keyword analyzer: the last cascade tier. Pure table lookup, no I/O, always
// produces a result.

// keywordIntentTable holds folded keywords per intent. Multi-word entries are
// matched as phrases, single words against the token set.
var keywordIntentTable = map[string][]string{
	IntentSaludo:      {"hola", "buenas", "buenos dias", "buen dia", "saludos", "que tal"},
	IntentDespedida:   {"chau", "adios", "hasta luego", "nos vemos", "gracias por todo"},
	IntentProducto:    {"precio", "precios", "producto", "productos", "modulo", "modulos", "plan", "planes", "costo", "cuanto sale", "cuanto cuesta", "comprar"},
	IntentSoporte:     {"ayuda", "soporte", "problema", "error", "no funciona", "no anda", "alta", "baja", "usuario", "sistema", "ingresar"},
	IntentFacturacion: {"factura", "facturas", "recibo", "pago", "pagar", "cobro", "cobraron", "abono"},
	IntentSeguimiento: {"pedido", "orden", "envio", "seguimiento", "paquete", "entrega", "donde esta"},
	IntentFarmacia:    {"receta", "remedio", "medicamento", "farmacia", "ibuprofeno", "paracetamol", "dosis"},
}

type keywordAnalyzer struct{}

// NewKeywordAnalyzer returns the table-driven keyword analyzer.
func NewKeywordAnalyzer() Analyzer {
	return &keywordAnalyzer{}
}

var _ Analyzer = (*keywordAnalyzer)(nil)

func (a *keywordAnalyzer) MethodName() string { return MethodKeyword }

func (a *keywordAnalyzer) Analyze(_ context.Context, message string, _ ConversationData) (IntentResult, error) {
	folded := foldText(message)
	tokens := make(map[string]bool)
	for _, tok := range tokenize(message) {
		tokens[tok] = true
	}

	bestIntent := ""
	bestMatches := 0
	for _, intent := range validIntents() {
		matches := 0
		for _, kw := range keywordIntentTable[intent] {
			if strings.ContainsRune(kw, ' ') {
				if strings.Contains(folded, kw) {
					matches++
				}
			} else if tokens[kw] {
				matches++
			}
		}
		if matches > bestMatches {
			bestIntent, bestMatches = intent, matches
		}
	}

	if bestMatches == 0 {
		return IntentResult{
			PrimaryIntent: IntentFallback,
			Confidence:    fallbackConfidence,
			TargetAgent:   AgentFallback,
			Method:        MethodKeyword,
			Reasoning:     "sin coincidencias de palabras clave",
		}, nil
	}

	conf := 0.5 + 0.15*float64(bestMatches)
	if conf > 0.8 {
		conf = 0.8
	}
	return IntentResult{
		PrimaryIntent: bestIntent,
		Confidence:    conf,
		TargetAgent:   mapIntentToAgent(bestIntent),
		Method:        MethodKeyword,
		Reasoning:     fmt.Sprintf("%d palabras clave de %s", bestMatches, bestIntent),
	}, nil
}
