// Package detect decides whether a menu line describes an alcoholic drink.
package detect

import (
	"regexp"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/textnorm"
)

// Detection is the outcome of inspecting a menu line.
type Detection struct {
	// Decided is false when the text carried no usable signal either way.
	Decided        bool
	Alcoholic      bool
	Classification string
	Confidence     float64
}

// Detector classifies a menu line from its section, name and description.
type Detector interface {
	Detect(sectionName, itemName, itemDescription string) Detection
}

// ABVPattern matches a numeric percentage such as "43%" or "12,5 %".
var ABVPattern = regexp.MustCompile(`(\d{1,2}(?:[.,]\d{1,2})?)\s*%`)

type rule struct {
	class      string
	confidence float64
	re         *regexp.Regexp
}

// Rules are evaluated in order, first against the item text and only then
// against the section name.
var alcoholicRules = []rule{
	{model.CategoryCocktail, 0.8, textnorm.Words("cocktail", "martini", "negroni", "margarita", "mojito", "spritz", "old fashioned", "manhattan", "daiquiri", "sour", "mule", "highball")},
	{model.CategoryWine, 0.85, textnorm.Words("wine", "wines", "vino", "vin", "champagne", "prosecco", "cava", "crémant", "cremant", "rosé", "sauvignon", "chardonnay", "merlot", "pinot", "riesling", "malbec", "rioja", "chianti", "barolo", "bordeaux", "burgundy")},
	{model.CategoryWhiskey, 0.85, textnorm.Words("whisky", "whiskey", "whiskies", "scotch", "bourbon", "single malt")},
	{model.CategoryBeer, 0.85, textnorm.Words("beer", "beers", "lager", "ale", "ipa", "pilsner", "stout", "porter", "cider")},
	{model.CategoryOtherSpirit, 0.8, textnorm.Words("vodka", "gin", "rum", "tequila", "mezcal", "cognac", "armagnac", "brandy", "calvados", "grappa", "liqueur", "amaro", "absinthe", "sake", "soju", "spirits")},
}

var (
	alcoholFree = textnorm.Words("alcohol free", "alcohol-free", "non-alcoholic", "non alcoholic", "0.0%", "mocktail", "mocktails")
	softDrinks  = textnorm.Words("soft drinks", "soda", "juice", "lemonade", "coffee", "espresso", "tea", "water", "milkshake", "smoothie")
)

// RuleDetector is a keyword-based Detector. It decides only when it finds a
// drink keyword; anything else is left undecided for the caller's fallbacks.
type RuleDetector struct{}

// NewRuleDetector returns the default keyword detector.
func NewRuleDetector() *RuleDetector {
	return &RuleDetector{}
}

// Detect implements Detector.
func (RuleDetector) Detect(sectionName, itemName, itemDescription string) Detection {
	item := textnorm.Normalize(itemName, itemDescription)
	section := textnorm.Normalize(sectionName)

	if alcoholFree.MatchString(item) {
		return nonAlcoholicDetection(0.9)
	}
	if d, ok := matchRules(item); ok {
		return d
	}
	if softDrinks.MatchString(item) {
		return nonAlcoholicDetection(0.8)
	}
	if d, ok := matchRules(section); ok {
		return d
	}

	// A strength without a keyword is still a drink, just not a known one.
	if ABVPattern.MatchString(item) {
		return Detection{Decided: true, Alcoholic: true, Classification: model.CategoryOtherSpirit, Confidence: 0.6}
	}

	return Detection{}
}

func matchRules(text string) (Detection, bool) {
	if text == "" {
		return Detection{}, false
	}
	for _, r := range alcoholicRules {
		if r.re.MatchString(text) {
			return Detection{Decided: true, Alcoholic: true, Classification: r.class, Confidence: r.confidence}, true
		}
	}
	return Detection{}, false
}

func nonAlcoholicDetection(confidence float64) Detection {
	return Detection{Decided: true, Classification: model.CategoryNonAlcoholic, Confidence: confidence}
}
