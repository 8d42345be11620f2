package cost

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/metrics"
	"github.com/sells-group/sommelier/pkg/llm"
)

// Metered wraps an llm.Client and records token usage and estimated spend
// for every successful call.
type Metered struct {
	next llm.Client
	calc *Calculator
}

// Meter wraps client. A nil client stays nil so callers can keep treating
// "no client" as disabled.
func Meter(client llm.Client, calc *Calculator) llm.Client {
	if client == nil {
		return nil
	}
	return &Metered{next: client, calc: calc}
}

// Provider implements llm.Client.
func (m *Metered) Provider() string { return m.next.Provider() }

// Chat implements llm.Client.
func (m *Metered) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := m.next.Chat(ctx, req)
	if err != nil {
		metrics.LLMCalls.WithLabelValues(m.next.Provider(), metrics.OutcomeFailure).Inc()
		return nil, err
	}
	metrics.LLMCalls.WithLabelValues(m.next.Provider(), metrics.OutcomeSuccess).Inc()

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	usd := m.calc.Chat(m.next.Provider(), model, resp.InputTokens, resp.OutputTokens)
	metrics.RecordLLMUsage(m.next.Provider(), model, resp.InputTokens, resp.OutputTokens, usd)
	zap.L().Debug("llm usage",
		zap.String("provider", m.next.Provider()),
		zap.String("model", model),
		zap.Int64("input_tokens", resp.InputTokens),
		zap.Int64("output_tokens", resp.OutputTokens),
		zap.Float64("cost_usd", usd),
	)
	return resp, nil
}
