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

const blinkitBaseURL = "https://blinkit.com/"

// maxScrollRounds caps Blinkit's infinite-scroll pagination independently of
// the job's page bound.
const maxScrollRounds = 30

// Blinkit lists categories as an infinite-scroll page that hydrates product
// data as embedded JSON objects. The cursor is the scroll round; a round
// that surfaces no new product IDs ends pagination.
type Blinkit struct {
	logger *slog.Logger
	seen   map[string]bool
}

func NewBlinkit() *Blinkit {
	return &Blinkit{
		logger: slog.Default().With("component", "adapter", "platform", "blinkit"),
		seen:   make(map[string]bool),
	}
}

func (b *Blinkit) Name() string { return "blinkit" }

func (b *Blinkit) SetLocation(ctx context.Context, sess *session.Session, location string) error {
	b.logger.Info("setting location", "pincode", location)

	if err := sess.Navigate(blinkitBaseURL); err != nil {
		return err
	}

	page := sess.Page()

	// The header shows either "Delivery in N minutes" or a detect prompt;
	// any of them opens the location modal.
	triggers := []string{
		"text=Delivery in",
		"div[class*='LocationWidget']",
		"text=Detecting location",
	}
	if err := clickFirst(page, triggers, 5*time.Second); err != nil {
		return fmt.Errorf("%w: location trigger", ErrSelectorNotFound)
	}

	input := page.Locator("input[name='search'], input[placeholder*='search']").First()
	if err := input.Fill(location); err != nil {
		return fmt.Errorf("%w: location search input", ErrSelectorNotFound)
	}

	suggestion := page.Locator(
		fmt.Sprintf("div[class*='LocationSearchList'] div:has-text(%q)", location)).First()
	if err := suggestion.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(10000)}); err != nil {
		// No suggestion for this pincode means Blinkit does not serve it.
		return fmt.Errorf("%w: no match for pincode %s", ErrGeoUnserviceable, location)
	}

	if err := sess.WaitStable("", 10*time.Second); err != nil {
		b.logger.Warn("page did not settle after location select", "error", err)
	}

	content, err := page.Content()
	if err == nil {
		if blockErr := classifyBlock(content); blockErr != nil {
			return blockErr
		}
		if strings.Contains(strings.ToLower(content), "currently not delivering") {
			return fmt.Errorf("%w: %s", ErrGeoUnserviceable, location)
		}
	}

	if widget := page.Locator("div[class*='LocationWidget']").First(); widget != nil {
		if text, err := widget.InnerText(); err == nil {
			if eta := extractETA(text); eta != "" {
				sess.SetETA(eta)
				b.logger.Info("captured delivery eta", "eta", eta)
			}
		}
	}

	return nil
}

func (b *Blinkit) ListPage(ctx context.Context, sess *session.Session, categoryURL string, cursor *Cursor) ([]models.RawItem, *Cursor, error) {
	round := 0
	if cursor != nil {
		round = cursor.Round
	}

	page := sess.Page()

	if round == 0 {
		if err := sess.Navigate(categoryURL); err != nil {
			return nil, nil, err
		}
		if err := sess.WaitStable("", 10*time.Second); err != nil {
			b.logger.Debug("network never idled, reading what rendered", "error", err)
		}
		// A deep link bounced to the homepage means the category URL is
		// invalid or session-bound.
		if page.URL() == blinkitBaseURL && strings.Contains(categoryURL, "cid") {
			return nil, nil, fmt.Errorf("%w: category redirected to homepage", ErrSelectorNotFound)
		}
	} else {
		if _, err := page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			return nil, nil, fmt.Errorf("scroll failed: %w", err)
		}
		if err := sess.WaitStable("", 8*time.Second); err != nil {
			b.logger.Debug("scroll settle timed out", "error", err)
		}
	}

	content, err := page.Content()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read page content: %w", err)
	}
	if blockErr := classifyBlock(content); blockErr != nil {
		return nil, nil, blockErr
	}

	objects := extractEmbeddedJSON(content, `{"product_id":`)
	if round == 0 && len(objects) == 0 {
		return nil, nil, fmt.Errorf("%w: no product objects in page", ErrSelectorNotFound)
	}

	var items []models.RawItem
	for _, obj := range objects {
		var probe struct {
			ProductID json.Number `json:"product_id"`
		}
		if err := json.Unmarshal([]byte(obj), &probe); err != nil || probe.ProductID.String() == "" {
			continue
		}
		pid := probe.ProductID.String()
		if b.seen[pid] {
			continue
		}
		b.seen[pid] = true
		items = append(items, models.RawItem{
			Platform: b.Name(),
			Kind:     models.RawItemJSON,
			Payload:  obj,
			BaseURL:  blinkitBaseURL,
		})
	}

	b.logger.Info("extracted products", "round", round, "new", len(items), "total", len(b.seen))

	var next *Cursor
	if len(items) > 0 && round+1 < maxScrollRounds {
		next = &Cursor{Round: round + 1}
	}
	return items, next, nil
}

// blinkitProduct is the slice of Blinkit's embedded product object we read.
type blinkitProduct struct {
	ProductID      json.Number `json:"product_id"`
	ProductName    string      `json:"product_name"`
	DisplayName    string      `json:"display_name"`
	Brand          string      `json:"brand"`
	MRP            *float64    `json:"mrp"`
	Price          *float64    `json:"price"`
	Unit           string      `json:"unit"`
	QuantityInfo   string      `json:"quantity_info"`
	Inventory      *int        `json:"inventory"`
	UnavailableQty *int        `json:"unavailable_quantity"`
	MerchantID     json.Number `json:"merchant_id"`
	ImageURL       string      `json:"image_url"`
}

func (b *Blinkit) ParseItem(raw models.RawItem) (*models.PartialProduct, error) {
	var p blinkitProduct
	if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
		return nil, fmt.Errorf("malformed product object: %w", err)
	}

	name := p.ProductName
	if name == "" {
		name = p.DisplayName
	}
	if name == "" || p.ProductID.String() == "" {
		return nil, fmt.Errorf("product object missing name or id")
	}

	partial := &models.PartialProduct{
		Platform:   b.Name(),
		BaseURL:    raw.BaseURL,
		Name:       name,
		Brand:      p.Brand,
		Weight:     firstNonEmpty(p.Unit, p.QuantityInfo),
		ImageURL:   p.ImageURL,
		StoreID:    p.MerchantID.String(),
		ProductURL: blinkitProductURL(name, p.ProductID.String()),
	}
	if p.Price != nil {
		partial.PriceText = fmt.Sprintf("%g", *p.Price)
		partial.Valid.Price = true
	}
	if p.MRP != nil {
		partial.MRPText = fmt.Sprintf("%g", *p.MRP)
		partial.Valid.MRP = true
	}
	if p.Inventory != nil {
		partial.Inventory = p.Inventory
		partial.Valid.Inventory = true
	}
	if p.UnavailableQty != nil && *p.UnavailableQty == 1 {
		partial.SoldOut = true
	}
	if partial.ImageURL != "" {
		partial.Valid.Image = true
	}

	return partial, nil
}

func blinkitProductURL(name, pid string) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	return fmt.Sprintf("%sprn/%s/prid/%s", blinkitBaseURL, slug, pid)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// extractEmbeddedJSON scans hydration markup for JSON objects starting with
// the given prefix and returns each complete object. Escaped quotes from
// server-rendered script payloads are unescaped first.
func extractEmbeddedJSON(content, prefix string) []string {
	normalized := strings.ReplaceAll(content, `\"`, `"`)

	var objects []string
	for start := 0; ; {
		i := strings.Index(normalized[start:], prefix)
		if i < 0 {
			break
		}
		i += start

		if obj, ok := decodeJSONObjectAt(normalized, i); ok {
			objects = append(objects, obj)
			start = i + len(obj)
		} else {
			start = i + len(prefix)
		}
	}
	return objects
}

// decodeJSONObjectAt returns the complete JSON object starting at offset i,
// found by brace matching with string awareness.
func decodeJSONObjectAt(s string, i int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for j := i; j < len(s); j++ {
		c := s[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[i : j+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// clickFirst tries each selector in order and clicks the first visible one.
func clickFirst(page playwright.Page, selectors []string, timeout time.Duration) error {
	per := float64(timeout.Milliseconds()) / float64(len(selectors))
	for _, sel := range selectors {
		err := page.Locator(sel).First().Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(per),
		})
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("none of %d selectors clickable", len(selectors))
}
