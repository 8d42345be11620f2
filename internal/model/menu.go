package model

import (
	"math"
	"strings"
	"time"
)

// Sommelier categories assigned to menu lines.
const (
	CategoryWine         = "wine"
	CategoryWhiskey      = "whiskey"
	CategoryOtherSpirit  = "other_spirit"
	CategoryCocktail     = "cocktail"
	CategoryBeer         = "beer"
	CategoryNonAlcoholic = "non_alcoholic"
	CategoryFood         = "food"
	CategoryUnknown      = "unknown"
)

// drinkItemTypes are menu item types that denote a drink regardless of the
// sommelier category assigned to the line.
var drinkItemTypes = map[string]bool{
	"beverage": true,
	"drink":    true,
	"wine":     true,
	"spirit":   true,
	"cocktail": true,
	"beer":     true,
}

// IsBeverageCategory reports whether a category names something that can be
// resolved to a catalog product.
func IsBeverageCategory(category string) bool {
	switch strings.TrimSpace(category) {
	case "", CategoryFood, CategoryNonAlcoholic, CategoryUnknown:
		return false
	}
	return true
}

// IsUncategorized reports whether a category is blank or explicitly unknown.
func IsUncategorized(category string) bool {
	c := strings.TrimSpace(category)
	return c == "" || c == CategoryUnknown
}

// Review and resolution thresholds.
const (
	ReviewThreshold         = 0.7
	ResolveClassificationAt = 0.8
	ResolveParseAt          = 0.7
)

// ClampConfidence bounds v to [0, 1] and truncates it to two decimals. It
// rounds down so a score under a threshold never lands on it.
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		v = 1
	}
	return math.Floor(v*100+1e-9) / 100
}

// ReviewRequired reports whether a classified line needs a human to confirm
// it: it has no usable category or either confidence is under the threshold.
func ReviewRequired(category string, classification, parse float64) bool {
	return IsUncategorized(category) || classification < ReviewThreshold || parse < ReviewThreshold
}

// Menu is a restaurant menu whose content change triggers a pipeline run.
type Menu struct {
	ID           string        `json:"id" yaml:"id"`
	RestaurantID string        `json:"restaurant_id" yaml:"restaurant_id"`
	Name         string        `json:"name" yaml:"name"`
	Sections     []MenuSection `json:"sections,omitempty" yaml:"sections"`
	CreatedAt    time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"-"`
}

// MenuSection groups menu items under a heading such as "Whisky" or "Reds".
type MenuSection struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Position int        `json:"position" yaml:"position"`
	Items    []MenuItem `json:"items,omitempty" yaml:"items"`
}

// MenuItem is a single menu line plus the candidate fields written by
// extraction.
type MenuItem struct {
	ID          string   `json:"id" yaml:"id"`
	MenuID      string   `json:"menu_id" yaml:"-"`
	SectionID   string   `json:"section_id,omitempty" yaml:"-"`
	SectionName string   `json:"section_name,omitempty" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Price       float64  `json:"price,omitempty" yaml:"price"`
	ABV         *float64 `json:"abv,omitempty" yaml:"abv"`
	ItemType    string   `json:"item_type,omitempty" yaml:"item_type"`
	Position    int      `json:"position" yaml:"position"`

	Candidate Candidate `json:"candidate" yaml:"-"`
}

// IsBeverage reports whether the line is a drink, either by its item type or
// by the category extraction assigned to it.
func (m MenuItem) IsBeverage() bool {
	return drinkItemTypes[strings.ToLower(strings.TrimSpace(m.ItemType))] || IsBeverageCategory(m.Candidate.Category)
}

// Candidate is the extraction output persisted on a menu line.
type Candidate struct {
	Category                 string  `json:"sommelier_category"`
	ClassificationConfidence float64 `json:"sommelier_classification_confidence"`
	ParsedFields             Fields  `json:"sommelier_parsed_fields"`
	ParseConfidence          float64 `json:"sommelier_parse_confidence"`
	NeedsReview              bool    `json:"sommelier_needs_review"`
}

// Resolvable reports whether the candidate clears the auto-resolution gate.
func (c Candidate) Resolvable() bool {
	return c.ClassificationConfidence >= ResolveClassificationAt && c.ParseConfidence >= ResolveParseAt
}
