// Package parser extracts category-specific fields from wine and whiskey menu
// lines.
package parser

import (
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/textnorm"
)

// FieldParser parses one menu line into structured fields and a confidence
// in [0, 1].
type FieldParser interface {
	Parse(item model.MenuItem) (model.Fields, float64)
}

func lineText(item model.MenuItem) string {
	return textnorm.Normalize(item.SectionName, item.Name, item.Description)
}

func score(base float64, parts ...float64) float64 {
	for _, p := range parts {
		base += p
	}
	return model.ClampConfidence(base)
}

// when returns inc if ok.
func when(ok bool, inc float64) float64 {
	if ok {
		return inc
	}
	return 0
}
