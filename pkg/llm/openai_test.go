package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/resilience"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/chat/completions")
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": `{"category":"wine"}`}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	defer ts.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: ts.URL + "/v1/", Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	assert.Equal(t, ProviderOpenAI, c.Provider())

	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages:    SystemUser("classify", "Lagavulin 16"),
		Temperature: 0,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"category":"wine"}`, resp.Content)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(4), resp.OutputTokens)

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: ts.URL})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: SystemUser("s", "u")})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIClient_RateLimitIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: ts.URL})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: SystemUser("s", "u")})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestOpenAIClient_BadRequestIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: ts.URL})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m", Messages: SystemUser("s", "u")})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}
