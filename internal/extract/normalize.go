package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// Normalizer converts adapter output into canonical product records. It is a
// pure transformation: identical input always yields an identical record, and
// malformed fields degrade to null/UNKNOWN instead of failing the item.
type Normalizer struct {
	moneyCleanup *regexp.Regexp
	packFromName *regexp.Regexp
	outOfStockRe *regexp.Regexp
	limitedRe    *regexp.Regexp
	inStockRe    *regexp.Regexp
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		moneyCleanup: regexp.MustCompile(`[^\d.,]`),
		packFromName: regexp.MustCompile(`(?i)\(([\d.]+\s*(?:kg|g|gm|gms|ml|l|ltr|pcs|pieces?))\)`),
		outOfStockRe: regexp.MustCompile(`(?i)\b(out\s*of\s*stock|sold\s*out|unavailable|outofstock)\b`),
		limitedRe:    regexp.MustCompile(`(?i)\b(limited|few\s+left|only\s+\d+\s+left|low\s+stock|limitedavailability)\b`),
		inStockRe:    regexp.MustCompile(`(?i)\b(in\s*stock|instock|available|true|yes)\b`),
	}
}

// Normalize builds the canonical record for one parsed item. The caller
// supplies scrapedAt so the transformation itself carries no clock
// dependence. Name and ProductURL are passed through as-is; the caller is
// responsible for rejecting items where either is empty.
func (n *Normalizer) Normalize(p *models.PartialProduct, category, eta string, scrapedAt time.Time) *models.Product {
	rec := &models.Product{
		Platform:     p.Platform,
		Category:     category,
		Name:         strings.TrimSpace(p.Name),
		Brand:        strings.TrimSpace(p.Brand),
		Weight:       n.normalizeWeight(p),
		ETA:          eta,
		Availability: n.MapAvailability(p),
		ImageURL:     ResolveURL(p.ImageURL, p.BaseURL),
		ProductURL:   ResolveURL(p.ProductURL, p.BaseURL),
		StoreID:      p.StoreID,
		ScrapedAt:    scrapedAt,
	}

	if p.Valid.Price {
		rec.Price = n.ParseMoney(p.PriceText)
	}
	if p.Valid.MRP {
		rec.MRP = n.ParseMoney(p.MRPText)
	}
	// A listing that shows only a selling price has MRP == price.
	if rec.MRP == nil && rec.Price != nil {
		v := *rec.Price
		rec.MRP = &v
	}

	return rec
}

// ParseMoney strips currency symbols and locale separators from a price
// string and parses it to a numeric value. Returns nil when nothing parseable
// remains ("N/A", empty, garbage).
func (n *Normalizer) ParseMoney(text string) *float64 {
	cleaned := n.moneyCleanup.ReplaceAllString(text, "")
	if cleaned == "" {
		return nil
	}

	// Indian listings use comma thousands separators ("1,299") and dot
	// decimals. A trailing ",NN" group is treated as a decimal comma.
	if i := strings.LastIndex(cleaned, ","); i >= 0 && len(cleaned)-i-1 == 2 && !strings.Contains(cleaned, ".") {
		cleaned = cleaned[:i] + "." + cleaned[i+1:]
	}
	cleaned = strings.ReplaceAll(cleaned, ",", "")

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &value
}

// MapAvailability maps the item's stock indicators to the four-value enum.
// Priority is fixed: an explicit out-of-stock phrase always wins over the
// generic sold-out flag, which wins over inventory counts, which win over a
// generic in-stock boolean.
func (n *Normalizer) MapAvailability(p *models.PartialProduct) models.Availability {
	if p.Valid.Stock && n.outOfStockRe.MatchString(p.StockText) {
		return models.AvailabilityOutOfStock
	}
	if p.Valid.Stock && n.limitedRe.MatchString(p.StockText) {
		return models.AvailabilityLimited
	}
	if p.SoldOut {
		return models.AvailabilityOutOfStock
	}
	if p.Valid.Inventory && p.Inventory != nil {
		if *p.Inventory <= 0 {
			return models.AvailabilityOutOfStock
		}
		return models.AvailabilityInStock
	}
	if p.Valid.Stock && n.inStockRe.MatchString(p.StockText) {
		return models.AvailabilityInStock
	}
	return models.AvailabilityUnknown
}

// normalizeWeight passes the pack size through when present and otherwise
// falls back to a "(500 g)" style suffix in the product name.
func (n *Normalizer) normalizeWeight(p *models.PartialProduct) string {
	w := strings.TrimSpace(p.Weight)
	if w != "" && !strings.EqualFold(w, "n/a") {
		return w
	}
	if m := n.packFromName.FindStringSubmatch(p.Name); len(m) == 2 {
		return m[1]
	}
	return ""
}

// ResolveURL resolves a possibly-relative href against the page base URL.
// Invalid inputs come back unchanged; there is nothing better to persist.
func ResolveURL(href, base string) string {
	if href == "" || base == "" {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}
