package model

import "time"

// Enrichment sources.
const (
	SourceWhiskyHunter = "whisky_hunter"
	SourceOpenAI       = "openai"
)

// Product is a canonical catalog entry keyed by (ProductType, CanonicalName).
type Product struct {
	ID            string         `json:"id"`
	ProductType   string         `json:"product_type"`
	CanonicalName string         `json:"canonical_name"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MenuItemProductLink associates a menu line with a product.
type MenuItemProductLink struct {
	ID                   string    `json:"id"`
	MenuItemID           string    `json:"menu_item_id"`
	ProductID            string    `json:"product_id"`
	ResolutionConfidence float64   `json:"resolution_confidence"`
	Explanations         string    `json:"explanations"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ProductEnrichment is one append-only enrichment record for a product.
type ProductEnrichment struct {
	ID         string         `json:"id"`
	ProductID  string         `json:"product_id"`
	Source     string         `json:"source"`
	ExternalID string         `json:"external_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	FetchedAt  time.Time      `json:"fetched_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// FreshAt reports whether the record is still valid at now. Records without
// an expiry are never considered fresh.
func (e *ProductEnrichment) FreshAt(now time.Time) bool {
	return e != nil && e.ExpiresAt != nil && e.ExpiresAt.After(now)
}
