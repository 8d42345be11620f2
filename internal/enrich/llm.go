package enrich

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/pkg/llm"
)

const sommelierSystemPrompt = "You are a beverage sommelier assistant. Return strict JSON only."

const llmTimeout = 60 * time.Second

// FallbackNote marks a payload produced without any external data.
const FallbackNote = "fallback_no_enrichment"

// requiredFields is the shape the model is asked to fill in.
var requiredFields = map[string]any{
	"category":         "string",
	"country":          "string",
	"region":           "string",
	"brand_story":      "string",
	"production_notes": "string",
	"tasting_notes": map[string]any{
		"nose":   "string",
		"palate": "string",
		"finish": "string",
	},
	"tags": []string{"string"},
	"source_attribution": map[string]any{
		"brand_story":      "llm_generated",
		"production_notes": "llm_generated",
		"tasting_notes":    "llm_generated",
	},
}

// enrichmentSchema rejects responses whose fields have the wrong types. A
// partial answer is kept; missing fields are simply not merged.
const enrichmentSchema = `{
  "type": "object",
  "properties": {
    "category": {"type": "string"},
    "country": {"type": "string"},
    "region": {"type": "string"},
    "brand_story": {"type": "string"},
    "production_notes": {"type": "string"},
    "tasting_notes": {
      "type": "object",
      "properties": {
        "nose": {"type": "string"},
        "palate": {"type": "string"},
        "finish": {"type": "string"}
      }
    },
    "tags": {"type": "array", "items": {"type": "string"}},
    "source_attribution": {"type": "object"}
  }
}`

type enrichPrompt struct {
	ProductType    string         `json:"product_type"`
	CanonicalName  string         `json:"canonical_name"`
	RequiredFields map[string]any `json:"required_fields"`
}

// FallbackPayload is the deterministic payload recorded when no source could
// describe the product.
func FallbackPayload(p *model.Product) map[string]any {
	return map[string]any{
		"product_type":   p.ProductType,
		"canonical_name": p.CanonicalName,
		"source_attribution": map[string]any{
			"note": FallbackNote,
		},
	}
}

// IsFallback reports whether payload is a fallback payload.
func IsFallback(payload map[string]any) bool {
	attr, ok := payload["source_attribution"].(map[string]any)
	if !ok {
		return false
	}
	note, _ := attr["note"].(string)
	return note == FallbackNote
}

// llmEnrich asks the model to describe p. Every failure degrades to the
// fallback payload; the second return reports whether the model answered.
func (s *Service) llmEnrich(ctx context.Context, p *model.Product) (map[string]any, bool) {
	if s.llm == nil {
		return FallbackPayload(p), false
	}

	user, err := json.Marshal(enrichPrompt{
		ProductType:    p.ProductType,
		CanonicalName:  p.CanonicalName,
		RequiredFields: requiredFields,
	})
	if err != nil {
		return FallbackPayload(p), false
	}

	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model:       s.llmModel,
		Messages:    llm.SystemUser(sommelierSystemPrompt, string(user)),
		Temperature: 0,
		JSON:        true,
	})
	if err == nil {
		var out map[string]any
		out, err = llm.DecodeObject(resp.Content, enrichmentSchema)
		if err == nil {
			return out, true
		}
	}

	zap.L().Warn("enrich: llm enrichment failed",
		zap.String("product_id", p.ID),
		zap.String("canonical_name", p.CanonicalName),
		zap.String("provider", s.llm.Provider()),
		zap.Error(err),
	)
	return FallbackPayload(p), false
}
