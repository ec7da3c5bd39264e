package cauce

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Intent router: the three-tier cascade. Each tier may short-circuit; analyzer
// errors degrade to the next tier; the keyword tier always produces a result.

const (
	llmAcceptThreshold = 0.6
	nlpAcceptThreshold = 0.4
)

// RouterStats are the router's cumulative per-method counters.
type RouterStats struct {
	Total          uint64            `json:"total"`
	ByMethod       map[string]uint64 `json:"by_method"`
	Degraded       uint64            `json:"degraded"` // analyzer errors skipped over
	AvgResponseMs  float64           `json:"avg_response_ms"`
	CacheHits      uint64            `json:"cache_hits,omitempty"`
	CacheMisses    uint64            `json:"cache_misses,omitempty"`
	LLMFailures    uint64            `json:"llm_failures,omitempty"`
	LastResponseMs float64           `json:"last_response_ms"`
}

// IntentRouterOption configures an IntentRouter.
type IntentRouterOption func(*IntentRouter)

// WithRouterLLM sets the first-tier analyzer.
func WithRouterLLM(a Analyzer) IntentRouterOption {
	return func(r *IntentRouter) { r.llm = a }
}

// WithRouterNLP sets the second-tier analyzer. Nil disables the tier.
func WithRouterNLP(a Analyzer) IntentRouterOption {
	return func(r *IntentRouter) { r.nlp = a }
}

// WithRouterLogger sets the router logger. Defaults to a no-op logger.
func WithRouterLogger(l *slog.Logger) IntentRouterOption {
	return func(r *IntentRouter) { r.logger = l }
}

// IntentRouter orchestrates flow pinning and the analyzer cascade.
type IntentRouter struct {
	llm     Analyzer
	nlp     Analyzer
	keyword Analyzer
	logger  *slog.Logger

	mu       sync.Mutex
	total    uint64
	byMethod map[string]uint64
	degraded uint64
	avgMs    float64
	lastMs   float64
}

// NewIntentRouter builds a router. The keyword tier is always present; LLM
// and NLP tiers are optional.
func NewIntentRouter(opts ...IntentRouterOption) *IntentRouter {
	r := &IntentRouter{
		keyword:  NewKeywordAnalyzer(),
		logger:   nopLogger(),
		byMethod: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves the target agent for one message. Never fails: the worst
// case is a keyword-tier fallback result.
func (r *IntentRouter) Route(ctx context.Context, message string, conv ConversationData) IntentResult {
	start := time.Now()
	res := r.route(ctx, message, conv)
	r.record(res.Method, time.Since(start))
	return res
}

func (r *IntentRouter) route(ctx context.Context, message string, conv ConversationData) IntentResult {
	// 1. Active multi-turn flow pins routing before any analysis.
	if flow := checkActiveFlow(conv); flow != nil {
		return *flow
	}

	// 2. LLM tier.
	if r.llm != nil {
		res, err := r.llm.Analyze(ctx, message, conv)
		switch {
		case err != nil:
			r.degrade(MethodLLM, err)
		case res.Confidence >= llmAcceptThreshold:
			return res
		}
	}

	// 3. NLP tier.
	if r.nlp != nil {
		res, err := r.nlp.Analyze(ctx, message, conv)
		switch {
		case err != nil:
			r.degrade(MethodNLP, err)
		case res.Confidence >= nlpAcceptThreshold:
			return res
		}
	}

	// 4. Keyword tier always answers.
	res, err := r.keyword.Analyze(ctx, message, conv)
	if err != nil {
		// All tiers failing is the fatal fallback.
		r.degrade(MethodKeyword, err)
		return IntentResult{
			PrimaryIntent: IntentFallback,
			Confidence:    fallbackConfidence,
			TargetAgent:   AgentFallback,
			Method:        MethodKeyword,
			Reasoning:     "todos los analizadores fallaron",
		}
	}
	return res
}

func (r *IntentRouter) degrade(method string, err error) {
	r.logger.Warn("analyzer degraded", "method", method, "error", err)
	r.mu.Lock()
	r.degraded++
	r.mu.Unlock()
}

func (r *IntentRouter) record(method string, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	r.byMethod[method]++
	// cumulative average
	r.avgMs += (ms - r.avgMs) / float64(r.total)
	r.lastMs = ms
}

// Stats returns a snapshot of the router counters.
func (r *IntentRouter) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	byMethod := make(map[string]uint64, len(r.byMethod))
	for k, v := range r.byMethod {
		byMethod[k] = v
	}
	stats := RouterStats{
		Total:          r.total,
		ByMethod:       byMethod,
		Degraded:       r.degraded,
		AvgResponseMs:  r.avgMs,
		LastResponseMs: r.lastMs,
	}
	if llm, ok := r.llm.(*LLMAnalyzer); ok {
		stats.LLMFailures = llm.Failures()
		if llm.cache != nil {
			stats.CacheHits, stats.CacheMisses, _ = llm.cache.Stats()
		}
	}
	return stats
}
