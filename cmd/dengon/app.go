package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/dengon/internal/channel"
	"github.com/ashita-ai/dengon/internal/config"
	"github.com/ashita-ai/dengon/internal/contextbuilder"
	"github.com/ashita-ai/dengon/internal/events"
	"github.com/ashita-ai/dengon/internal/knowledge"
	"github.com/ashita-ai/dengon/internal/llm"
	"github.com/ashita-ai/dengon/internal/policy"
	"github.com/ashita-ai/dengon/internal/ratelimit"
	"github.com/ashita-ai/dengon/internal/search"
	"github.com/ashita-ai/dengon/internal/service/embedding"
	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/internal/stream"
	"github.com/ashita-ai/dengon/internal/telemetry"
	"github.com/ashita-ai/dengon/internal/worker"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db    *storage.DB
	bus   stream.Bus
	redis *redis.Client // nil unless the bus is redis

	closers []func()
}

// openApp initializes telemetry and connects Postgres and the stream bus.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(func() { _ = otelShutdown(context.Background()) })

	a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.onClose(func() { a.db.Close(context.Background()) })

	switch cfg.Bus {
	case "redis":
		a.redis, err = stream.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.bus = stream.NewRedisBus(a.redis, cfg.ClaimTimeout)
	default:
		a.bus, err = stream.OpenSQLiteBus(cfg.SQLitePath, cfg.ClaimTimeout)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.onClose(func() { _ = a.bus.Close() })

	logger.Info("dengon: connected", "version", version, "bus", cfg.Bus, "stream_prefix", cfg.StreamPrefix)
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newPublisher returns the AMQP event publisher, or a no-op one when
// AMQP_URL is unset.
func (a *app) newPublisher(ctx context.Context) (events.Publisher, error) {
	if a.cfg.AMQPURL == "" {
		a.logger.Info("events: disabled (no AMQP_URL)")
		return events.NoopPublisher{}, nil
	}
	pub, err := events.NewAMQPPublisher(ctx, events.AMQPConfig{
		URL:      a.cfg.AMQPURL,
		Exchange: a.cfg.AMQPExchange,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.onClose(func() { _ = pub.Close() })
	a.logger.Info("events: amqp", "exchange", a.cfg.AMQPExchange)
	return pub, nil
}

// newSearchIndex connects Qdrant when configured. Both returns are nil when
// QDRANT_URL is empty.
func (a *app) newSearchIndex(ctx context.Context) (search.Searcher, *search.QdrantIndex, error) {
	if a.cfg.QdrantURL == "" {
		a.logger.Info("qdrant: disabled (no QDRANT_URL), knowledge uses pgvector")
		return nil, nil, nil
	}
	idx, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        a.cfg.QdrantURL,
		APIKey:     a.cfg.QdrantAPIKey,
		Collection: a.cfg.QdrantCollection,
		Dims:       uint64(a.cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("qdrant: %w", err)
	}
	a.onClose(func() { _ = idx.Close() })
	if err := idx.EnsureCollection(ctx); err != nil {
		return nil, nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}
	a.logger.Info("qdrant: enabled", "collection", a.cfg.QdrantCollection)
	return idx, idx, nil
}

// newIncomingLoop assembles the AI incoming worker and its consume loop.
func (a *app) newIncomingLoop(registry *channel.Registry, searcher search.Searcher, pub events.Publisher) (*worker.Loop, error) {
	models, err := newLLMRouter(a.cfg)
	if err != nil {
		return nil, err
	}

	embedder := newEmbeddingProvider(a.cfg, a.logger)
	retriever := knowledge.NewService(embedder, searcher, a.db, a.logger)
	builder := contextbuilder.New(a.db, registry, retriever, contextbuilder.Config{
		HistoryLimit:      a.cfg.HistoryLimit,
		CrossChannelLimit: a.cfg.CrossChannelLimit,
		KnowledgeLimit:    a.cfg.KnowledgeLimit,
	}, a.logger)

	var semantic worker.SemanticChecker
	if !embedding.IsNoop(embedder) {
		semantic = policy.NewSemanticChecker(embedder, a.cfg.SemanticThreshold)
	}

	w := worker.NewIncomingWorker(a.db, builder, models, semantic, a.bus, pub, worker.IncomingConfig{
		StreamPrefix:  a.cfg.StreamPrefix,
		FallbackReply: a.cfg.FallbackReply,
		ModelTimeout:  a.cfg.ModelTimeout,
	}, a.logger)

	return worker.NewLoop(a.bus, w, pub, worker.LoopConfig{
		Topic:       stream.IncomingTopic(a.cfg.StreamPrefix),
		Group:       stream.GroupIncoming,
		Workers:     a.cfg.IncomingWorkers,
		Block:       a.cfg.ConsumeBlock,
		Count:       a.cfg.ConsumeCount,
		MaxAttempts: a.cfg.MaxAttempts,
	}, a.logger), nil
}

// errChannelNotConfigured is returned for a delivery channel with no adapter credentials.
var errChannelNotConfigured = errors.New("channel not configured")

// newDeliveryLoop assembles the delivery worker for one channel.
func (a *app) newDeliveryLoop(registry *channel.Registry, name string, limiter ratelimit.Limiter, pub events.Publisher) (*worker.Loop, error) {
	ch, ok := registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errChannelNotConfigured, name)
	}
	w := worker.NewDeliveryWorker(a.db, ch, limiter, worker.DeliveryConfig{
		SendTimeout: a.cfg.SendTimeout,
	}, a.logger)

	return worker.NewLoop(a.bus, w, pub, worker.LoopConfig{
		Topic:       stream.OutgoingTopic(a.cfg.StreamPrefix, name),
		Group:       stream.DeliveryGroup(name),
		Workers:     a.cfg.DeliveryWorkers,
		Block:       a.cfg.ConsumeBlock,
		Count:       a.cfg.ConsumeCount,
		MaxAttempts: a.cfg.MaxAttempts,
	}, a.logger), nil
}

// newLimiter returns the outbound send limiter. With a redis bus the budget
// is shared by every process; otherwise it is per process.
func (a *app) newLimiter() ratelimit.Limiter {
	if a.cfg.SendRPS <= 0 {
		a.logger.Info("send throttling: disabled")
		return ratelimit.NoopLimiter{}
	}
	if a.redis != nil {
		window := time.Duration(float64(a.cfg.SendBurst) / a.cfg.SendRPS * float64(time.Second))
		a.logger.Info("send throttling: redis", "limit", a.cfg.SendBurst, "window", window)
		return ratelimit.NewRedisLimiter(a.redis, a.cfg.StreamPrefix+":ratelimit", a.cfg.SendBurst, window)
	}
	a.logger.Info("send throttling: memory", "rps", a.cfg.SendRPS, "burst", a.cfg.SendBurst)
	l := ratelimit.NewMemoryLimiter(a.cfg.SendRPS, a.cfg.SendBurst)
	a.onClose(func() { _ = l.Close() })
	return l
}

// newChannels registers every adapter whose credentials are configured and
// applies the optional hints file.
func newChannels(cfg config.Config, logger *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	if cfg.WhatsAppPhoneNumberID != "" && cfg.WhatsAppAccessToken != "" {
		registry.Register(channel.NewWhatsApp(channel.WhatsAppConfig{
			APIBase:       cfg.WhatsAppAPIBase,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			AccessToken:   cfg.WhatsAppAccessToken,
		}, logger))
	}
	if cfg.SMTPHost != "" {
		registry.Register(channel.NewEmail(channel.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger))
	}
	if cfg.HintsFile != "" {
		if err := registry.LoadHintsFile(cfg.HintsFile); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Default models for a provider that is configured but not selected by
// DENGON_LLM_PROVIDER. Agents usually name their own model.
const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-3-5-haiku-latest"
)

// newLLMRouter builds a client per configured provider. The configured
// provider is the default for agents that do not name one.
func newLLMRouter(cfg config.Config) (*llm.Router, error) {
	var clients []llm.Client
	var fallback llm.Client
	if cfg.OpenAIAPIKey != "" {
		model := defaultOpenAIModel
		if cfg.LLMProvider == "openai" {
			model = cfg.LLMModel
		}
		c := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model)
		clients = append(clients, c)
		if cfg.LLMProvider == "openai" {
			fallback = c
		}
	}
	if cfg.AnthropicAPIKey != "" {
		model := defaultAnthropicModel
		if cfg.LLMProvider == "anthropic" {
			model = cfg.LLMModel
		}
		c := llm.NewAnthropicClient(cfg.AnthropicAPIKey, "", model)
		clients = append(clients, c)
		if cfg.LLMProvider == "anthropic" {
			fallback = c
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("llm: no API key for DENGON_LLM_PROVIDER=%s", cfg.LLMProvider)
	}
	return llm.NewRouter(fallback, clients...), nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when DENGON_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (knowledge and semantic guardrails disabled)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (knowledge and semantic guardrails disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
