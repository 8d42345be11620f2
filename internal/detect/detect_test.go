package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/sommelier/internal/model"
)

func TestRuleDetector(t *testing.T) {
	d := NewRuleDetector()

	tests := []struct {
		name                     string
		section, item, desc      string
		wantDecided, wantAlcohol bool
		wantClass                string
	}{
		{"whiskey description", "Spirits", "Lagavulin 16 Year", "Islay single malt, 43% ABV", true, true, model.CategoryWhiskey},
		{"wine section", "Red Wines", "Catena Malbec", "", true, true, model.CategoryWine},
		{"cocktail beats section", "Cocktails", "Negroni", "gin, campari, vermouth", true, true, model.CategoryCocktail},
		{"beer", "", "Brooklyn Lager", "pint", true, true, model.CategoryBeer},
		{"spirit", "", "Grey Goose", "vodka", true, true, model.CategoryOtherSpirit},
		{"strength only", "", "House Special", "40% vol", true, true, model.CategoryOtherSpirit},
		{"soft drink", "Drinks", "Fresh Orange Juice", "", true, false, model.CategoryNonAlcoholic},
		{"no signal", "", "Château Margaux 2015", "", false, false, ""},
		{"alcohol free beer", "", "Erdinger Alkoholfrei", "alcohol-free beer", true, false, model.CategoryNonAlcoholic},
		{"whisky and water", "", "Hibiki Harmony", "japanese whisky, splash of water", true, true, model.CategoryWhiskey},
		{"food", "Mains", "Ribeye Steak", "with chips", false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(tt.section, tt.item, tt.desc)
			assert.Equal(t, tt.wantDecided, got.Decided)
			assert.Equal(t, tt.wantAlcohol, got.Alcoholic)
			assert.Equal(t, tt.wantClass, got.Classification)
			if tt.wantDecided {
				assert.Greater(t, got.Confidence, 0.0)
				assert.LessOrEqual(t, got.Confidence, 1.0)
			}
		})
	}
}

func TestABVPattern(t *testing.T) {
	m := ABVPattern.FindStringSubmatch("cask strength 57,1% abv")
	if assert.Len(t, m, 2) {
		assert.Equal(t, "57,1", m[1])
	}
	assert.False(t, ABVPattern.MatchString("no strength here"))
}
