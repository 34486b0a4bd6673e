package models

import (
	"time"
)

// Availability is the four-value stock state of a listed product.
type Availability string

const (
	AvailabilityInStock    Availability = "IN_STOCK"
	AvailabilityOutOfStock Availability = "OUT_OF_STOCK"
	AvailabilityLimited    Availability = "LIMITED"
	AvailabilityUnknown    Availability = "UNKNOWN"
)

// Product is the canonical, platform-agnostic record persisted to the store.
// ProductURL is the upsert key: a later write with the same URL replaces all
// other fields and refreshes ScrapedAt.
type Product struct {
	Platform     string       `json:"platform"`
	Category     string       `json:"category,omitempty"`
	Name         string       `json:"name"`
	Brand        string       `json:"brand,omitempty"`
	Price        *float64     `json:"price"`
	MRP          *float64     `json:"mrp"`
	Weight       string       `json:"weight,omitempty"`
	ETA          string       `json:"eta,omitempty"`
	Availability Availability `json:"availability"`
	ImageURL     string       `json:"image_url,omitempty"`
	ProductURL   string       `json:"product_url"`
	StoreID      string       `json:"store_id,omitempty"`
	ScrapedAt    time.Time    `json:"scraped_at"`
}

// RawItemKind tells the adapter parser how to read a raw item's payload.
type RawItemKind string

const (
	RawItemHTML   RawItemKind = "html"
	RawItemJSON   RawItemKind = "json"
	RawItemJSONLD RawItemKind = "json-ld"
)

// RawItem is one platform-specific item representation lifted off a category
// page, before normalization. Payload is an HTML fragment or a JSON object
// depending on Kind; BaseURL is the page URL relative links resolve against.
type RawItem struct {
	Platform string
	Kind     RawItemKind
	Payload  string
	BaseURL  string
}

// PartialProduct holds the best-effort fields an adapter parsed from a single
// raw item. Unparseable numerics stay text; normalization turns them into
// nullable values. Valid flags record which fields the adapter actually found
// in the markup.
type PartialProduct struct {
	Platform   string
	BaseURL    string
	Name       string
	Brand      string
	PriceText  string
	MRPText    string
	Weight     string
	StockText  string
	SoldOut    bool
	Inventory  *int
	ImageURL   string
	ProductURL string
	StoreID    string

	Valid FieldValidity
}

// FieldValidity flags which raw fields were present in the source markup.
type FieldValidity struct {
	Price     bool
	MRP       bool
	Stock     bool
	Inventory bool
	Image     bool
}
