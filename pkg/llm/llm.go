// Package llm wraps the chat-completion providers used for menu-line
// classification and product enrichment behind one small interface.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Provider names recorded on enrichment rows.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client performs a single chat completion.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Provider names the backing service, e.g. "openai".
	Provider() string
}

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	// JSON asks the provider for a strict JSON object response where supported.
	JSON      bool
	MaxTokens int64
}

// ChatResponse carries the text content of the first choice.
type ChatResponse struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = eris.New("llm: empty response")

// CleanJSON extracts a JSON object from text that may be wrapped in markdown
// code fences or surrounding prose.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// DecodeObject cleans content, optionally validates it against a JSON schema
// and decodes it into a generic map. An empty schema skips validation.
func DecodeObject(content, schema string) (map[string]any, error) {
	cleaned := CleanJSON(content)
	if cleaned == "" {
		return nil, ErrEmptyResponse
	}
	if schema != "" {
		if err := ValidateJSON(schema, cleaned); err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, eris.Wrap(err, "llm: decode response")
	}
	if len(out) == 0 {
		return nil, ErrEmptyResponse
	}
	return out, nil
}

// SystemUser builds the usual two-message prompt.
func SystemUser(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}
