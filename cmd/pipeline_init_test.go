package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/config"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/queue"
	"github.com/sells-group/sommelier/pkg/llm"
)

func TestBuildLLM(t *testing.T) {
	c := &config.Config{
		LLM: config.LLMConfig{Provider: "openai"},
		OpenAI: config.OpenAIConfig{
			Key:             "sk-test",
			ClassifierModel: "gpt-4o-mini",
			SommelierModel:  "gpt-4o",
			TimeoutSecs:     30,
		},
		Anthropic: config.AnthropicConfig{
			Key:             "ak-test",
			ClassifierModel: "claude-haiku",
			SommelierModel:  "claude-sonnet",
		},
	}

	client, model := buildLLM(c, true)
	require.NotNil(t, client)
	assert.Equal(t, llm.ProviderOpenAI, client.Provider())
	assert.Equal(t, "gpt-4o-mini", model)

	_, model = buildLLM(c, false)
	assert.Equal(t, "gpt-4o", model)

	c.LLM.Provider = "anthropic"
	client, model = buildLLM(c, false)
	require.NotNil(t, client)
	assert.Equal(t, llm.ProviderAnthropic, client.Provider())
	assert.Equal(t, "claude-sonnet", model)

	c.LLM.Provider = "none"
	client, _ = buildLLM(c, false)
	assert.Nil(t, client)
}

func TestBuildLLM_MissingKeyDisables(t *testing.T) {
	c := &config.Config{LLM: config.LLMConfig{Provider: "openai"}}
	client, model := buildLLM(c, false)
	assert.Nil(t, client)
	assert.Empty(t, model)

	c.LLM.Provider = "anthropic"
	client, _ = buildLLM(c, true)
	assert.Nil(t, client)
}

func TestBuildReference(t *testing.T) {
	assert.Nil(t, buildReference(config.WhiskyHunterConfig{}))
	assert.NotNil(t, buildReference(config.WhiskyHunterConfig{BaseURI: "https://whiskyhunter.net", RatePerSec: 2, TimeoutSecs: 5}))
}

func TestBuildQueue(t *testing.T) {
	qc := config.QueueConfig{MaxRetries: 2, InitialBackoffMs: 5}

	q, err := buildQueue(queue.BackendInline, qc, nil)
	require.NoError(t, err)
	assert.IsType(t, &queue.InlineQueue{}, q)

	q, err = buildQueue(queue.BackendWatermill, qc, nil)
	require.NoError(t, err)
	assert.IsType(t, &queue.WatermillQueue{}, q)
	require.NoError(t, q.Close())

	_, err = buildQueue("sqs", qc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported queue backend")
}

func TestRequireDistributedBackend(t *testing.T) {
	assert.NoError(t, requireDistributedBackend(queue.BackendTemporal))

	err := requireDistributedBackend(queue.BackendWatermill)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use serve")
}

func TestInitPipeline_RunsMenuInline(t *testing.T) {
	cfg = &config.Config{
		Store:      config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "run.db")},
		Queue:      config.QueueConfig{MaxRetries: 1, InitialBackoffMs: 1},
		LLM:        config.LLMConfig{Provider: "none"},
		Enrichment: config.EnrichmentConfig{TTLDays: 30, RefreshBatchSize: 10},
	}
	ctx := context.Background()

	env, err := initPipeline(ctx, queue.BackendInline)
	require.NoError(t, err)
	defer env.Close()

	menu, err := loadMenuFile(writeMenuFile(t, sampleMenuYAML))
	require.NoError(t, err)
	require.NoError(t, env.Store.SaveMenu(ctx, menu))

	require.NoError(t, env.Queue.Start(ctx, env.Orchestrator.Handle))
	require.NoError(t, env.Orchestrator.Trigger(ctx, "menu-1", "", "test"))

	runs, err := env.Store.ListRuns(ctx, model.RunFilter{MenuID: "menu-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 3, runs[0].ItemsProcessed)

	n, err := env.Enricher.RefreshStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "freshly enriched products need no refresh")
}

func TestInitPipeline_UnreachableRedisDisablesCache(t *testing.T) {
	cfg = &config.Config{
		Store:      config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "run.db")},
		Queue:      config.QueueConfig{MaxRetries: 1, InitialBackoffMs: 1},
		LLM:        config.LLMConfig{Provider: "none"},
		Enrichment: config.EnrichmentConfig{TTLDays: 30, RefreshBatchSize: 10},
		Redis:      config.RedisConfig{Addr: "127.0.0.1:1"},
	}

	env, err := initPipeline(context.Background(), queue.BackendInline)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.cache)
	assert.NotNil(t, env.Enricher)
}
