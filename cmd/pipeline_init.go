package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/cache"
	"github.com/sells-group/sommelier/internal/config"
	"github.com/sells-group/sommelier/internal/cost"
	"github.com/sells-group/sommelier/internal/enrich"
	"github.com/sells-group/sommelier/internal/extract"
	"github.com/sells-group/sommelier/internal/pipeline"
	"github.com/sells-group/sommelier/internal/queue"
	"github.com/sells-group/sommelier/internal/resolve"
	"github.com/sells-group/sommelier/internal/store"
	"github.com/sells-group/sommelier/pkg/llm"
	"github.com/sells-group/sommelier/pkg/whiskyhunter"
)

// pipelineEnv holds the store, queue, services and orchestrator needed by
// the run/serve/worker/refresh commands.
type pipelineEnv struct {
	Store        store.Store
	Queue        queue.Queue
	Enricher     *enrich.Service
	Orchestrator *pipeline.Orchestrator
	cache        *cache.EnrichmentCache
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Queue != nil {
		if err := pe.Queue.Close(); err != nil {
			zap.L().Warn("close queue", zap.Error(err))
		}
	}
	if pe.cache != nil {
		_ = pe.cache.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline wires the store, LLM and reference clients, the enrichment
// cache, the queue backend and the orchestrator. The queue is not started.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, backend string) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	enrichOpts := []enrich.Option{
		enrich.WithTTL(time.Duration(cfg.Enrichment.TTLDays) * 24 * time.Hour),
	}
	extractOpts := []extract.Option{}

	calc := cost.NewCalculator(cost.DefaultRates())
	classifier, classifierModel := buildLLM(cfg, true)
	classifier = cost.Meter(classifier, calc)
	if classifier != nil {
		extractOpts = append(extractOpts, extract.WithLLM(classifier, classifierModel))
	}
	sommelier, sommelierModel := buildLLM(cfg, false)
	sommelier = cost.Meter(sommelier, calc)
	if sommelier != nil {
		enrichOpts = append(enrichOpts, enrich.WithLLM(sommelier, sommelierModel))
	} else {
		zap.L().Warn("no LLM provider configured, enrichment will record fallback payloads")
	}

	if ref := buildReference(cfg.WhiskyHunter); ref != nil {
		enrichOpts = append(enrichOpts, enrich.WithReference(ref))
		zap.L().Info("whisky hunter reference lookups enabled", zap.String("base_uri", cfg.WhiskyHunter.BaseURI))
	}

	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			zap.L().Warn("redis unavailable, enrichment cache disabled", zap.Error(err))
		} else {
			env.cache = client
			enrichOpts = append(enrichOpts, enrich.WithCache(env.cache))
			zap.L().Info("enrichment cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	q, err := buildQueue(backend, cfg.Queue, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Queue = q

	env.Enricher = enrich.New(st, enrichOpts...)
	env.Orchestrator = pipeline.New(st, q,
		extract.New(st, extractOpts...),
		resolve.New(st),
		env.Enricher,
	)
	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", backend),
		zap.String("llm", cfg.LLM.Provider),
	)
	return env, nil
}

// buildLLM returns the configured provider client and the model for either
// classification or sommelier enrichment. It returns a nil client when no
// provider is configured or the provider has no API key.
func buildLLM(c *config.Config, classifier bool) (llm.Client, string) {
	switch c.LLM.Provider {
	case llm.ProviderOpenAI:
		if c.OpenAI.Key == "" {
			return nil, ""
		}
		model := c.OpenAI.SommelierModel
		if classifier {
			model = c.OpenAI.ClassifierModel
		}
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  c.OpenAI.Key,
			BaseURL: c.OpenAI.BaseURL,
			Model:   model,
			Timeout: time.Duration(c.OpenAI.TimeoutSecs) * time.Second,
		}), model
	case llm.ProviderAnthropic:
		if c.Anthropic.Key == "" {
			return nil, ""
		}
		model := c.Anthropic.SommelierModel
		if classifier {
			model = c.Anthropic.ClassifierModel
		}
		return llm.NewAnthropic(llm.AnthropicConfig{APIKey: c.Anthropic.Key, Model: model}), model
	default:
		return nil, ""
	}
}

func buildReference(c config.WhiskyHunterConfig) whiskyhunter.Client {
	if c.BaseURI == "" {
		return nil
	}
	return whiskyhunter.NewClient(c.BaseURI,
		whiskyhunter.WithRateLimit(c.RatePerSec),
		whiskyhunter.WithTimeout(time.Duration(c.TimeoutSecs)*time.Second),
	)
}

func queueOptions(c config.QueueConfig, dlq queue.DeadLetterStore) queue.Options {
	return queue.Options{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		DeadLetters:    dlq,
	}
}

func buildQueue(backend string, c config.QueueConfig, dlq queue.DeadLetterStore) (queue.Queue, error) {
	opts := queueOptions(c, dlq)
	switch backend {
	case queue.BackendInline:
		return queue.NewInline(opts), nil
	case queue.BackendWatermill:
		return queue.NewWatermill(opts)
	case queue.BackendTemporal:
		return queue.NewTemporal(queue.TemporalConfig{
			HostPort:     c.TemporalHostPort,
			Namespace:    c.TemporalNamespace,
			TaskQueue:    c.TaskQueue,
			StageTimeout: time.Duration(c.StageTimeoutSecs) * time.Second,
		}, opts)
	default:
		return nil, eris.Errorf("unsupported queue backend: %s", backend)
	}
}
