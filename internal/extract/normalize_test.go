package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/assortment-crawler/internal/models"
)

func intPtr(v int) *int { return &v }

func TestParseMoney(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name string
		in   string
		want float64
		nil_ bool
	}{
		{"rupee with decimals", "₹40.00", 40.0, false},
		{"rupee whole", "₹50", 50.0, false},
		{"plain number", "22", 22.0, false},
		{"thousands comma", "₹1,299", 1299.0, false},
		{"decimal comma", "40,00", 40.0, false},
		{"prefixed text", "MRP ₹ 55", 55.0, false},
		{"empty", "", 0, true},
		{"not a price", "N/A", 0, true},
		{"garbage", "free", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.ParseMoney(tt.in)
			if tt.nil_ {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestMapAvailability(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name string
		p    models.PartialProduct
		want models.Availability
	}{
		{
			"boolean true maps to in stock",
			models.PartialProduct{StockText: "true", Valid: models.FieldValidity{Stock: true}},
			models.AvailabilityInStock,
		},
		{
			"schema.org in stock",
			models.PartialProduct{StockText: "http://schema.org/InStock", Valid: models.FieldValidity{Stock: true}},
			models.AvailabilityInStock,
		},
		{
			"schema.org out of stock",
			models.PartialProduct{StockText: "http://schema.org/OutOfStock", Valid: models.FieldValidity{Stock: true}},
			models.AvailabilityOutOfStock,
		},
		{
			"limited availability",
			models.PartialProduct{StockText: "Only 2 left", Valid: models.FieldValidity{Stock: true}},
			models.AvailabilityLimited,
		},
		{
			"sold out flag",
			models.PartialProduct{SoldOut: true},
			models.AvailabilityOutOfStock,
		},
		{
			"explicit phrase beats inventory",
			models.PartialProduct{
				StockText: "Sold Out", Inventory: intPtr(5),
				Valid: models.FieldValidity{Stock: true, Inventory: true},
			},
			models.AvailabilityOutOfStock,
		},
		{
			"positive inventory",
			models.PartialProduct{Inventory: intPtr(3), Valid: models.FieldValidity{Inventory: true}},
			models.AvailabilityInStock,
		},
		{
			"zero inventory",
			models.PartialProduct{Inventory: intPtr(0), Valid: models.FieldValidity{Inventory: true}},
			models.AvailabilityOutOfStock,
		},
		{
			"nothing known",
			models.PartialProduct{},
			models.AvailabilityUnknown,
		},
		{
			"stock text present but not flagged valid",
			models.PartialProduct{StockText: "in stock"},
			models.AvailabilityUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			assert.Equal(t, tt.want, n.MapAvailability(&p))
		})
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer()
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	partial := &models.PartialProduct{
		Platform:   "zepto",
		BaseURL:    "https://www.zepto.com",
		Name:       "  Tomato Local  ",
		Brand:      "Zepto Fresh",
		PriceText:  "₹40.00",
		MRPText:    "₹50",
		Weight:     "500 g",
		StockText:  "true",
		ImageURL:   "/images/tomato.webp",
		ProductURL: "/pn/tomato-local/pvid/abc",
		StoreID:    "st-204",
		Valid:      models.FieldValidity{Price: true, MRP: true, Stock: true, Image: true},
	}

	rec := n.Normalize(partial, "vegetables", "8 mins", at)

	assert.Equal(t, "zepto", rec.Platform)
	assert.Equal(t, "vegetables", rec.Category)
	assert.Equal(t, "Tomato Local", rec.Name)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 40.0, *rec.Price)
	require.NotNil(t, rec.MRP)
	assert.Equal(t, 50.0, *rec.MRP)
	assert.Equal(t, "500 g", rec.Weight)
	assert.Equal(t, "8 mins", rec.ETA)
	assert.Equal(t, models.AvailabilityInStock, rec.Availability)
	assert.Equal(t, "https://www.zepto.com/images/tomato.webp", rec.ImageURL)
	assert.Equal(t, "https://www.zepto.com/pn/tomato-local/pvid/abc", rec.ProductURL)
	assert.Equal(t, "st-204", rec.StoreID)
	assert.Equal(t, at, rec.ScrapedAt)
}

func TestNormalizeDeterministic(t *testing.T) {
	n := NewNormalizer()
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	partial := &models.PartialProduct{
		Platform:  "blinkit",
		Name:      "Potato (1 kg)",
		PriceText: "30",
		Valid:     models.FieldValidity{Price: true},
	}

	a := n.Normalize(partial, "vegetables", "", at)
	b := n.Normalize(partial, "vegetables", "", at)
	assert.Equal(t, a, b)
}

func TestNormalizeMRPDefaultsToPrice(t *testing.T) {
	n := NewNormalizer()

	partial := &models.PartialProduct{
		Platform:  "blinkit",
		Name:      "Potato",
		PriceText: "₹30",
		Valid:     models.FieldValidity{Price: true},
	}

	rec := n.Normalize(partial, "vegetables", "", time.Now())
	require.NotNil(t, rec.MRP)
	assert.Equal(t, 30.0, *rec.MRP)

	// The defaulted MRP must be an independent value, not the same pointer.
	*rec.Price = 99
	assert.Equal(t, 30.0, *rec.MRP)
}

func TestNormalizeMalformedPriceDegrades(t *testing.T) {
	n := NewNormalizer()

	partial := &models.PartialProduct{
		Platform:  "instamart",
		Name:      "Mystery Item",
		PriceText: "N/A",
		Valid:     models.FieldValidity{Price: true},
	}

	rec := n.Normalize(partial, "misc", "", time.Now())
	assert.Nil(t, rec.Price)
	assert.Nil(t, rec.MRP)
	assert.Equal(t, models.AvailabilityUnknown, rec.Availability)
}

func TestNormalizeWeightFromName(t *testing.T) {
	n := NewNormalizer()

	rec := n.Normalize(&models.PartialProduct{
		Platform: "instamart",
		Name:     "Onion (1 kg)",
	}, "vegetables", "", time.Now())
	assert.Equal(t, "1 kg", rec.Weight)

	rec = n.Normalize(&models.PartialProduct{
		Platform: "instamart",
		Name:     "Onion",
		Weight:   "N/A",
	}, "vegetables", "", time.Now())
	assert.Equal(t, "", rec.Weight)
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "https://www.zepto.com/pn/x", ResolveURL("/pn/x", "https://www.zepto.com"))
	assert.Equal(t, "https://cdn.example.com/a.png", ResolveURL("https://cdn.example.com/a.png", "https://www.zepto.com"))
	assert.Equal(t, "", ResolveURL("", "https://www.zepto.com"))
	assert.Equal(t, "/pn/x", ResolveURL("/pn/x", ""))
}
