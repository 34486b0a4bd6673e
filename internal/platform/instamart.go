package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/session"
)

const instamartBaseURL = "https://www.swiggy.com/instamart"

// instamartPageSize is the offset stride of the cursor.
const instamartPageSize = 50

// Instamart publishes its category listing as a schema.org ItemList in
// JSON-LD script tags. The whole list arrives with the page, so the cursor
// is an offset into the fetched list; the adapter caches the list across
// ListPage calls of the same job.
type Instamart struct {
	logger *slog.Logger
	listed []string // cached JSON-LD product entries for the category
	loaded bool
}

func NewInstamart() *Instamart {
	return &Instamart{
		logger: slog.Default().With("component", "adapter", "platform", "instamart"),
	}
}

func (i *Instamart) Name() string { return "instamart" }

func (i *Instamart) SetLocation(ctx context.Context, sess *session.Session, location string) error {
	i.logger.Info("setting location", "pincode", location)

	if err := sess.Navigate(instamartBaseURL); err != nil {
		return err
	}

	page := sess.Page()
	if err := sess.WaitStable("", 10*time.Second); err != nil {
		i.logger.Debug("splash never settled", "error", err)
	}

	triggers := []string{
		"div[data-testid='header-location-container']",
		"span:has-text('Setup your location')",
		"span:has-text('Location')",
		"button:has-text('Locate Me')",
		"div[class*='LocationHeader']",
	}
	if err := clickFirst(page, triggers, 10*time.Second); err != nil {
		return fmt.Errorf("%w: location trigger", ErrSelectorNotFound)
	}

	inputSelectors := []string{
		"input[placeholder*='Search for area']",
		"input[data-testid='search-input']",
		"input[placeholder*='Enter location']",
		"input[type='text']",
	}
	var input playwright.Locator
	for _, sel := range inputSelectors {
		candidate := page.Locator(sel).First()
		if err := candidate.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(2000),
		}); err == nil {
			input = candidate
			break
		}
	}
	if input == nil {
		return fmt.Errorf("%w: location search input", ErrSelectorNotFound)
	}
	if err := input.Fill(location); err != nil {
		return fmt.Errorf("failed to type pincode: %w", err)
	}

	suggestion := page.Locator(
		"div[data-testid='location-search-result'], div[class*='SearchResults'] div[role='button']").First()
	if err := suggestion.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(10000)}); err != nil {
		return fmt.Errorf("%w: no area match for %s", ErrGeoUnserviceable, location)
	}

	if err := sess.WaitStable("", 10*time.Second); err != nil {
		i.logger.Warn("page did not settle after location select", "error", err)
	}

	content, err := page.Content()
	if err == nil {
		if blockErr := classifyBlock(content); blockErr != nil {
			return blockErr
		}
		lower := strings.ToLower(content)
		if strings.Contains(lower, "unserviceable") || strings.Contains(lower, "not available in your area") {
			return fmt.Errorf("%w: %s", ErrGeoUnserviceable, location)
		}
	}

	if header := page.Locator("header").First(); header != nil {
		if text, err := header.InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(5000)}); err == nil {
			if eta := extractETA(text); eta != "" {
				sess.SetETA(eta)
				i.logger.Info("captured delivery eta", "eta", eta)
			}
		}
	}

	return nil
}

func (i *Instamart) ListPage(ctx context.Context, sess *session.Session, categoryURL string, cursor *Cursor) ([]models.RawItem, *Cursor, error) {
	offset := 0
	if cursor != nil {
		offset = cursor.Offset
	}

	if !i.loaded {
		if err := i.loadCategory(sess, categoryURL); err != nil {
			return nil, nil, err
		}
	}

	if offset >= len(i.listed) {
		return nil, nil, nil
	}
	end := offset + instamartPageSize
	if end > len(i.listed) {
		end = len(i.listed)
	}

	items := make([]models.RawItem, 0, end-offset)
	for _, entry := range i.listed[offset:end] {
		items = append(items, models.RawItem{
			Platform: i.Name(),
			Kind:     models.RawItemJSONLD,
			Payload:  entry,
			BaseURL:  instamartBaseURL,
		})
	}

	i.logger.Info("listing slice", "offset", offset, "count", len(items), "total", len(i.listed))

	var next *Cursor
	if end < len(i.listed) {
		next = &Cursor{Offset: end}
	}
	return items, next, nil
}

func (i *Instamart) loadCategory(sess *session.Session, categoryURL string) error {
	if err := sess.Navigate(categoryURL); err != nil {
		return err
	}
	page := sess.Page()
	if err := sess.WaitStable(`script[type="application/ld+json"]`, 15*time.Second); err != nil {
		if content, cerr := page.Content(); cerr == nil {
			if blockErr := classifyBlock(content); blockErr != nil {
				return blockErr
			}
		}
		return fmt.Errorf("%w: structured data scripts", ErrSelectorNotFound)
	}

	content, err := page.Content()
	if err != nil {
		return fmt.Errorf("failed to read page content: %w", err)
	}
	if blockErr := classifyBlock(content); blockErr != nil {
		return blockErr
	}

	entries, err := extractItemListProducts(content)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: no ItemList products in structured data", ErrSelectorNotFound)
	}

	i.listed = entries
	i.loaded = true
	i.logger.Info("loaded category listing", "products", len(entries))
	return nil
}

// extractItemListProducts pulls Product entries out of schema.org ItemList
// JSON-LD blocks.
func extractItemListProducts(content string) ([]string, error) {
	var entries []string

	for _, block := range jsonLDBlocks(content) {
		var data struct {
			Type     string            `json:"@type"`
			Elements []json.RawMessage `json:"itemListElement"`
		}
		if err := json.Unmarshal([]byte(block), &data); err != nil {
			continue
		}
		if data.Type != "ItemList" {
			continue
		}
		for _, el := range data.Elements {
			var probe struct {
				Type string `json:"@type"`
			}
			if err := json.Unmarshal(el, &probe); err != nil || probe.Type != "Product" {
				continue
			}
			entries = append(entries, string(el))
		}
	}

	return entries, nil
}

func jsonLDBlocks(content string) []string {
	const open = `<script type="application/ld+json">`
	const close = `</script>`

	var blocks []string
	for start := 0; ; {
		i := strings.Index(content[start:], open)
		if i < 0 {
			break
		}
		i += start + len(open)
		j := strings.Index(content[i:], close)
		if j < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(content[i:i+j]))
		start = i + j + len(close)
	}
	return blocks
}

// instamartEntry is the slice of a schema.org Product entry we read.
type instamartEntry struct {
	Name  string          `json:"name"`
	SKU   string          `json:"sku"`
	Image json.RawMessage `json:"image"`
	Brand struct {
		Name string `json:"name"`
	} `json:"brand"`
	Offers json.RawMessage `json:"offers"`
}

type instamartOffer struct {
	Price        json.Number `json:"price"`
	Availability string      `json:"availability"`
}

func (i *Instamart) ParseItem(raw models.RawItem) (*models.PartialProduct, error) {
	var entry instamartEntry
	if err := json.Unmarshal([]byte(raw.Payload), &entry); err != nil {
		return nil, fmt.Errorf("malformed product entry: %w", err)
	}
	if entry.Name == "" {
		return nil, fmt.Errorf("product entry missing name")
	}

	sku := entry.SKU
	if sku == "" {
		// Name-derived fallback keeps the upsert key stable across runs.
		sku = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(entry.Name), " ", "-"))
	}

	partial := &models.PartialProduct{
		Platform:   i.Name(),
		BaseURL:    raw.BaseURL,
		Name:       entry.Name,
		Brand:      entry.Brand.Name,
		ImageURL:   firstImage(entry.Image),
		ProductURL: fmt.Sprintf("%s/item/%s", instamartBaseURL, sku),
	}
	if partial.ImageURL != "" {
		partial.Valid.Image = true
	}

	offer, ok := firstOffer(entry.Offers)
	if ok {
		if offer.Price.String() != "" {
			partial.PriceText = offer.Price.String()
			partial.Valid.Price = true
		}
		if offer.Availability != "" {
			// schema.org availability URIs: InStock, OutOfStock,
			// LimitedAvailability.
			partial.StockText = offer.Availability
			partial.Valid.Stock = true
		}
	}

	return partial, nil
}

func firstImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func firstOffer(raw json.RawMessage) (instamartOffer, bool) {
	if len(raw) == 0 {
		return instamartOffer{}, false
	}
	var single instamartOffer
	if err := json.Unmarshal(raw, &single); err == nil && (single.Price.String() != "" || single.Availability != "") {
		return single, true
	}
	var many []instamartOffer
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0], true
	}
	return instamartOffer{}, false
}
