package resolve

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/textnorm"
)

// CanonicalName builds the deduplication key for a product from a line's
// parsed fields. It returns "" when the line has no raw name.
func CanonicalName(category string, f model.Fields) string {
	name := textnorm.NFC(f.String(model.FieldNameRaw))
	if name == "" {
		return ""
	}

	parts := []string{name}
	switch category {
	case model.CategoryWine:
		if producer := textnorm.NFC(f.String(model.FieldProducer)); producer != "" && !strings.EqualFold(producer, name) {
			parts[0] = producer
		}
		if grapes := f.Strings(model.FieldGrapeVariety); len(grapes) > 0 {
			parts = appendUnlessContained(parts, textnorm.NFC(grapes[0]))
		}
		parts = appendUnlessContained(parts, textnorm.NFC(f.String(model.FieldAppellation)))
		if year, ok := f.Int(model.FieldVintageYear); ok {
			parts = appendUnlessToken(parts, strconv.Itoa(year))
		}
	case model.CategoryWhiskey:
		if age, ok := f.Int(model.FieldAgeYears); ok {
			parts = append(parts, fmt.Sprintf("%dyo", age))
		}
	}

	return joinNonBlank(parts)
}

func appendUnlessContained(parts []string, s string) []string {
	if s == "" {
		return parts
	}
	if strings.Contains(strings.ToLower(joinNonBlank(parts)), strings.ToLower(s)) {
		return parts
	}
	return append(parts, s)
}

func appendUnlessToken(parts []string, token string) []string {
	for _, existing := range strings.Fields(joinNonBlank(parts)) {
		if existing == token {
			return parts
		}
	}
	return append(parts, token)
}

func joinNonBlank(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// Explain renders the audit string a reviewer reads for an automatic link.
func Explain(canonical string, c model.Candidate) string {
	parts := []string{"name: " + canonical}
	if year, ok := c.ParsedFields.Int(model.FieldVintageYear); ok {
		parts = append(parts, fmt.Sprintf("vintage: %d", year))
	} else if age, ok := c.ParsedFields.Int(model.FieldAgeYears); ok {
		parts = append(parts, fmt.Sprintf("age: %dyo", age))
	}
	if abv, ok := c.ParsedFields.Float(model.FieldABV); ok {
		parts = append(parts, "abv: "+strconv.FormatFloat(abv, 'f', -1, 64)+"%")
	}
	parts = append(parts,
		fmt.Sprintf("classification: %.2f", c.ClassificationConfidence),
		fmt.Sprintf("parse: %.2f", c.ParseConfidence),
	)
	return strings.Join(parts, "; ")
}

// ResolutionConfidence is the weaker of the two extraction confidences.
func ResolutionConfidence(c model.Candidate) float64 {
	return math.Min(c.ClassificationConfidence, c.ParseConfidence)
}
