package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and worker observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrWorkerKey    = attribute.Key("worker.key")
	AttrWorkerStatus = attribute.Key("worker.status")

	AttrTurnStatus         = attribute.Key("turn.status")
	AttrTurnAgent          = attribute.Key("turn.agent")
	AttrRoutingStrategy    = attribute.Key("routing.strategy")
	AttrSupervisorCategory = attribute.Key("supervisor.category")
)
