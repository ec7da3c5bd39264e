package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	cauce "github.com/cauce-ai/cauce"
	rediscache "github.com/cauce-ai/cauce/cache/redis"
	"github.com/cauce-ai/cauce/internal/config"
	"github.com/cauce-ai/cauce/internal/httpapi"
	"github.com/cauce-ai/cauce/internal/tenantfile"
	"github.com/cauce-ai/cauce/observer"
	"github.com/cauce-ai/cauce/provider/openaicompat"
	"github.com/cauce-ai/cauce/store/postgres"
	"github.com/cauce-ai/cauce/store/sqlite"
)

func main() {
	ctx := context.Background()

	// 1. Load config + logger
	cfg := config.Load(os.Getenv("CAUCE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var (
		inst     *observer.Instruments
		tracer   cauce.Tracer
		otelStop func(context.Context) error
	)
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, otelStop, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		tracer = observer.NewTracer()
	}

	// 3. Chat provider: openai-compatible client + telemetry + retry + limits
	var chatLLM cauce.Provider = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithTemperature(cfg.LLM.Temperature),
		openaicompat.WithLogger(logger))
	if inst != nil {
		chatLLM = observer.WrapProvider(chatLLM, cfg.LLM.Model, inst)
	}
	chatLLM = cauce.WithRetry(chatLLM)
	var limits []cauce.RateLimitOption
	if cfg.LLM.RPM > 0 {
		limits = append(limits, cauce.RPM(cfg.LLM.RPM))
	}
	if cfg.LLM.TPM > 0 {
		limits = append(limits, cauce.TPM(cfg.LLM.TPM))
	}
	if len(limits) > 0 {
		chatLLM = cauce.WithRateLimit(chatLLM, limits...)
	}

	intentLLM := chatLLM
	if cfg.Intent.Model != cfg.LLM.Model {
		var p cauce.Provider = openaicompat.New(cfg.LLM.APIKey, cfg.Intent.Model, cfg.LLM.BaseURL,
			openaicompat.WithLogger(logger))
		if inst != nil {
			p = observer.WrapProvider(p, cfg.Intent.Model, inst)
		}
		intentLLM = cauce.WithRetry(p)
	}

	// 4. Durable store
	var store cauce.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}

	// 5. Warm tier + checkpoints (Redis when configured, durable otherwise)
	var (
		cache       cauce.ContextCache
		checkpoints cauce.CheckpointStore = store
	)
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c := rediscache.New(rdb,
			rediscache.WithContextTTL(time.Duration(cfg.Redis.ContextTTLSeconds)*time.Second))
		cache = c
		checkpoints = c
	}
	contexts := cauce.NewTiered(store, cache, cauce.WithTieredLogger(logger))

	// 6. Intent cascade: LLM analyzer with cache, NLP analyzer with embeddings
	tc, err := cauce.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		logger.Warn("token counter unavailable, prompts are not budgeted", "error", err)
	}

	intentCache := cauce.NewIntentCache(cfg.Intent.CacheSize,
		time.Duration(cfg.Intent.CacheTTLSeconds)*time.Second)
	if inst != nil {
		if err := inst.ObserveIntentCache(intentCache.Stats); err != nil {
			logger.Warn("intent cache metrics unavailable", "error", err)
		}
	}
	llmOpts := []cauce.LLMAnalyzerOption{
		cauce.WithLLMCache(intentCache),
		cauce.WithLLMLogger(logger),
	}
	if tc != nil {
		llmOpts = append(llmOpts, cauce.WithLLMTokenCounter(tc))
	}
	if cfg.Intent.TimeoutSeconds > 0 {
		llmOpts = append(llmOpts, cauce.WithLLMTimeout(time.Duration(cfg.Intent.TimeoutSeconds)*time.Second))
	}
	routerOpts := []cauce.IntentRouterOption{
		cauce.WithRouterLLM(cauce.NewLLMAnalyzer(intentLLM, llmOpts...)),
		cauce.WithRouterLogger(logger),
	}

	if cfg.Intent.NLPEnabled {
		var emb cauce.EmbeddingProvider = openaicompat.NewEmbedding(
			cfg.LLM.APIKey, cfg.Intent.EmbeddingModel, cfg.LLM.BaseURL, cfg.Intent.EmbeddingDimensions)
		if inst != nil {
			emb = observer.WrapEmbedding(emb, cfg.Intent.EmbeddingModel, inst)
		}
		emb = cauce.WithEmbeddingRetry(emb)

		nlp, err := cauce.NewNLPAnalyzer(ctx, cfg.Intent.EmbeddingModel,
			cauce.WithNLPEmbedding(emb),
			cauce.WithNLPLogger(logger))
		if err != nil {
			// The cascade degrades to LLM + keyword tiers.
			logger.Warn("nlp analyzer disabled", "error", err)
		} else {
			routerOpts = append(routerOpts, cauce.WithRouterNLP(nlp))
		}
	}
	router := cauce.NewIntentRouter(routerOpts...)

	// 7. Workers: LLM-backed specialists behind the builtin constructor table
	llmWorker := func(wc cauce.WorkerConfig) cauce.Worker {
		return cauce.NewLLMWorker(wc.Key, chatLLM, cauce.WithWorkerLogger(logger))
	}
	if inst != nil {
		llmWorker = observer.WrapConstructor(llmWorker, inst)
	}
	factory := cauce.NewFactory(
		cauce.WithBuiltinWorker(cauce.AgentSupport, llmWorker),
		cauce.WithBuiltinWorker(cauce.AgentPharmacy, llmWorker),
		cauce.WithBuiltinWorker(cauce.AgentProduct, llmWorker),
		cauce.WithBuiltinWorker(cauce.AgentBilling, llmWorker),
		cauce.WithBuiltinWorker(cauce.AgentTracking, llmWorker),
		cauce.WithFactoryLogger(logger),
	)

	// 8. Tenant registries: YAML seed file with hot reload, or the store
	var registries cauce.RegistryLoader = cauce.NewStoreRegistryLoader(store)
	if cfg.Tenants.SeedFile != "" {
		tf, err := tenantfile.New(cfg.Tenants.SeedFile, tenantfile.WithLogger(logger))
		if err != nil {
			log.Fatalf("tenant seed file: %v", err)
		}
		if err := tf.Watch(); err != nil {
			log.Fatalf("tenant seed watch: %v", err)
		}
		defer tf.Close()
		registries = tf
	}

	// 9. Supervisor + summarizer
	supervisor := cauce.NewSupervisor(
		cauce.WithEnhancer(chatLLM),
		cauce.WithSupervisorLogger(logger),
	)
	sumOpts := []cauce.SummarizerOption{
		cauce.WithSummarizeEvery(cfg.Engine.SummarizeEvery),
		cauce.WithSummarizerLogger(logger),
	}
	if tc != nil {
		sumOpts = append(sumOpts, cauce.WithSummarizerTokenCounter(tc))
	}
	summarizer := cauce.NewSummarizer(chatLLM, sumOpts...)

	// 10. Engine
	engineOpts := []cauce.EngineOption{
		cauce.WithEngineRouter(router),
		cauce.WithEngineSupervisor(supervisor),
		cauce.WithEngineRegistryLoader(registries),
		cauce.WithEngineCheckpoints(checkpoints),
		cauce.WithEngineSummarizer(summarizer),
		cauce.WithEngineTurnBudget(time.Duration(cfg.Engine.TurnBudgetSeconds) * time.Second),
		cauce.WithEngineMaxWaiters(cfg.Engine.MaxLockWaiters),
		cauce.WithEngineLogger(logger),
	}
	if len(cfg.Engine.GlobalAgents) > 0 {
		engineOpts = append(engineOpts, cauce.WithEngineGlobalAgents(cfg.Engine.GlobalAgents))
	}
	if len(cfg.Engine.EnabledDomains) > 0 {
		engineOpts = append(engineOpts, cauce.WithEngineEnabledDomains(cfg.Engine.EnabledDomains))
	}
	if tracer != nil {
		engineOpts = append(engineOpts, cauce.WithEngineTracer(tracer))
	}
	engine := cauce.NewEngine(contexts, factory, engineOpts...)

	// 11. HTTP surface + run
	apiOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if inst != nil {
		apiOpts = append(apiOpts, httpapi.WithTurnObserver(observer.TurnRecorder(inst)))
	}
	handler := httpapi.New(engine, store, apiOpts...)
	app := cauce.NewApp(
		cauce.WithEngine(engine),
		cauce.WithAppStore(store),
		cauce.WithHandler(handler.Routes()),
		cauce.WithAddr(cfg.Server.Addr),
		cauce.WithAppLogger(logger),
		cauce.WithShutdownGrace(time.Duration(cfg.Server.ShutdownGrace)*time.Second),
	)

	runErr := app.RunWithSignal()
	if otelStop != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelStop(flushCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}
