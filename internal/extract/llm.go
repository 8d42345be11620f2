package extract

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/pkg/llm"
)

const classifySystemPrompt = "You are a precise classifier for restaurant menu lines. Output strict JSON."

// AllowedCategories are the categories the LLM fallback may assign.
var AllowedCategories = []string{
	model.CategoryWhiskey,
	model.CategoryWine,
	model.CategoryOtherSpirit,
	model.CategoryCocktail,
	model.CategoryBeer,
	model.CategoryNonAlcoholic,
	model.CategoryFood,
}

// classificationSchema must stay in sync with AllowedCategories.
const classificationSchema = `{
  "type": "object",
  "required": ["category"],
  "properties": {
    "category": {
      "type": "string",
      "enum": ["whiskey", "wine", "other_spirit", "cocktail", "beer", "non_alcoholic", "food"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const classifyTimeout = 30 * time.Second

type llmClassifier struct {
	client llm.Client
	model  string
}

type classifyPrompt struct {
	SectionName       string   `json:"section_name"`
	ItemName          string   `json:"item_name"`
	ItemDescription   string   `json:"item_description"`
	AllowedCategories []string `json:"allowed_categories"`
}

// classify asks the model for a category. Any failure is logged and
// reported as no answer.
func (c *llmClassifier) classify(ctx context.Context, item model.MenuItem) (string, float64, bool) {
	user, err := json.Marshal(classifyPrompt{
		SectionName:       item.SectionName,
		ItemName:          item.Name,
		ItemDescription:   item.Description,
		AllowedCategories: AllowedCategories,
	})
	if err != nil {
		return "", 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Model:       c.model,
		Messages:    llm.SystemUser(classifySystemPrompt, string(user)),
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		zap.L().Warn("extract: llm classification failed",
			zap.String("item_id", item.ID),
			zap.String("provider", c.client.Provider()),
			zap.Error(err),
		)
		return "", 0, false
	}

	out, err := llm.DecodeObject(resp.Content, classificationSchema)
	if err != nil {
		zap.L().Warn("extract: llm classification rejected",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return "", 0, false
	}

	category, _ := out["category"].(string)
	confidence, _ := model.Fields(out).Float("confidence")
	return category, confidence, category != ""
}
