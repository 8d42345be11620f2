package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sommelier/internal/model"
)

func TestWineParser_Margaux(t *testing.T) {
	fields, conf := NewWineParser().Parse(model.MenuItem{Name: "Château Margaux 2015"})

	assert.Equal(t, "Margaux", fields[model.FieldAppellation])
	assert.Equal(t, "Château", fields[model.FieldProducer])
	assert.Equal(t, 2015, fields[model.FieldVintageYear])
	assert.NotContains(t, fields, model.FieldGrapeVariety)
	assert.InDelta(t, 0.6, conf, 1e-9)
}

func TestWineParser_FullLine(t *testing.T) {
	item := model.MenuItem{
		SectionName: "Red Wines",
		Name:        "Marchesi Antinori Chianti Classico Riserva 2018",
		Description: "Sangiovese, by the glass",
	}
	fields, conf := NewWineParser().Parse(item)

	assert.Equal(t, []string{"Sangiovese"}, fields[model.FieldGrapeVariety])
	assert.Equal(t, "Chianti", fields[model.FieldAppellation])
	assert.Equal(t, "Riserva", fields[model.FieldClassification])
	assert.Equal(t, "red", fields[model.FieldWineColor])
	assert.Equal(t, "glass", fields[model.FieldServeType])
	assert.Equal(t, 2018, fields[model.FieldVintageYear])
	assert.Equal(t, "Marchesi Antinori Classico Riserva", fields[model.FieldProducer])
	assert.InDelta(t, 1.0, conf, 1e-9)
}

func TestWineParser_ColorFromGrape(t *testing.T) {
	fields, _ := NewWineParser().Parse(model.MenuItem{Name: "Kumeu River Chardonnay"})
	assert.Equal(t, "white", fields[model.FieldWineColor])
	assert.Equal(t, []string{"Chardonnay"}, fields[model.FieldGrapeVariety])
	assert.Equal(t, "Kumeu River", fields[model.FieldProducer])

	fields, _ = NewWineParser().Parse(model.MenuItem{Name: "Felton Road Pinot Noir"})
	assert.Equal(t, "red", fields[model.FieldWineColor])
}

func TestWineParser_ClassificationPrefersLongest(t *testing.T) {
	fields, _ := NewWineParser().Parse(model.MenuItem{Name: "Barolo DOCG 2016"})
	assert.Equal(t, "DOCG", fields[model.FieldClassification])
}

func TestWineParser_Bare(t *testing.T) {
	fields, conf := NewWineParser().Parse(model.MenuItem{Name: "NV"})
	assert.Empty(t, fields)
	assert.InDelta(t, 0.3, conf, 1e-9)
}

func TestWhiskeyParser_Lagavulin(t *testing.T) {
	item := model.MenuItem{
		SectionName: "Whisky",
		Name:        "Lagavulin 16 Year",
		Description: "Islay single malt, 43% ABV",
	}
	fields, conf := NewWhiskeyParser().Parse(item)

	assert.Equal(t, "Lagavulin", fields[model.FieldDistillery])
	assert.Equal(t, "islay", fields[model.FieldWhiskeyRegion])
	assert.Equal(t, "single_malt", fields[model.FieldWhiskeyType])
	assert.Equal(t, 16, fields[model.FieldAgeYears])
	assert.InDelta(t, 43.0, fields[model.FieldABV], 1e-9)
	assert.Equal(t, "OB", fields[model.FieldBottler])
	assert.NotContains(t, fields, model.FieldCaskType)
	assert.InDelta(t, 0.9, conf, 1e-9)
}

func TestWhiskeyParser_AgeStatements(t *testing.T) {
	tests := []struct {
		name    string
		item    string
		wantAge int
		wantOK  bool
	}{
		{"yo suffix", "Glenfarclas 25yo", 25, true},
		{"years old", "Talisker 10 years old", 10, true},
		{"bare after distillery", "Macallan 18 Sherry Oak", 18, true},
		{"bare out of range", "Macallan 1 Litre", 0, false},
		{"no distillery", "House Blend 12", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, _ := NewWhiskeyParser().Parse(model.MenuItem{Name: tt.item})
			age, ok := fields.Int(model.FieldAgeYears)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAge, age)
		})
	}
}

func TestWhiskeyParser_RegionInference(t *testing.T) {
	fields, _ := NewWhiskeyParser().Parse(model.MenuItem{Name: "Buffalo Trace"})
	assert.Equal(t, "kentucky", fields[model.FieldWhiskeyRegion])
	assert.Equal(t, "bourbon", fields[model.FieldWhiskeyType])

	fields, _ = NewWhiskeyParser().Parse(model.MenuItem{Name: "Jameson"})
	assert.Equal(t, "ireland", fields[model.FieldWhiskeyRegion])
	assert.Equal(t, "irish_blended", fields[model.FieldWhiskeyType])

	fields, _ = NewWhiskeyParser().Parse(model.MenuItem{Name: "Highland Park 12"})
	assert.Equal(t, "Highland Park", fields[model.FieldDistillery])
	assert.Equal(t, "islands", fields[model.FieldWhiskeyRegion])
}

func TestWhiskeyParser_CaskBottlerAndStructuredABV(t *testing.T) {
	abv := 46.0
	item := model.MenuItem{
		Name:        "Signatory Vintage Glenlivet",
		Description: "single cask, oloroso sherry butt",
		ABV:         &abv,
	}
	fields, _ := NewWhiskeyParser().Parse(item)
	assert.Equal(t, "IB", fields[model.FieldBottler])
	assert.Equal(t, "sherry_cask", fields[model.FieldCaskType])
	assert.Equal(t, true, fields[model.FieldLimitedEdition])
	v, ok := fields.Float(model.FieldABV)
	require.True(t, ok)
	assert.InDelta(t, 46.0, v, 1e-9)
}

func TestScoreCapsAndRounds(t *testing.T) {
	assert.InDelta(t, 1.0, score(0.9, 0.2, 0.3), 1e-9)
	assert.Equal(t, 0.6, score(0.3, 0.15, 0.1, 0.05))
}
