// Package cauce is a multi-agent conversational orchestrator for Go.
//
// Given a user utterance and a persisted conversation context, cauce selects
// among a set of specialized worker agents, invokes exactly one, evaluates the
// result, and either accepts the answer, re-routes to a different agent, or
// escalates to a human. It is built for multi-tenant deployments where each
// tenant enables a different subset of agents with its own keywords,
// priorities, and routing overrides.
//
// # Quick Start
//
// Wire an engine from a store, a cache tier, and an LLM provider:
//
//	store := sqlite.New("cauce.db")
//	provider := openaicompat.NewProvider(apiKey, "gpt-4o-mini", baseURL)
//
//	engine := cauce.NewEngine(
//		cauce.NewTiered(store, nil),
//		cauce.NewFactory(),
//		cauce.WithEngineProvider(provider),
//		cauce.WithEngineRegistryLoader(loader),
//	)
//
//	result, err := engine.Invoke(ctx, cauce.TurnRequest{
//		ConversationID: "conv-1",
//		OrganizationID: "org_demo",
//		Message:        "hola",
//	})
//
// Each turn runs a compiled state machine: the orchestrator node resolves the
// target worker through a three-tier intent cascade (LLM, then NLP, then
// keyword matching) with caching and multi-turn flow pinning; the worker node
// produces the reply; the supervisor node scores it and decides whether to
// accept, re-route, or request a human handoff. Hard caps on routing attempts
// and supervisor retries bound the loop.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Worker] — opaque handler producing the reply for one intent family
//   - [Analyzer] — intent analyzer (LLM, NLP, keyword) behind one contract
//   - [Provider] — LLM backend (chat and streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Store] — durable persistence (contexts, messages, tenant config)
//   - [ContextCache] — warm key-value tier in front of the Store
//   - [CheckpointStore] — per-conversation graph state checkpoints
//   - [RegistryLoader] — per-request tenant registry source
//   - [Retriever] — knowledge search seam used by RAG-backed workers
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible API).
// Storage: store/postgres (pgx), store/sqlite (embedded).
// Cache: cache/redis (warm context tier and checkpoints).
// Registry sources: any Store, or internal/tenantfile (YAML with hot reload).
//
// See cmd/cauce for a complete server wiring.
package cauce
