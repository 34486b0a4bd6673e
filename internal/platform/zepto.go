package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/session"
)

const zeptoBaseURL = "https://www.zepto.com"

// Zepto renders category listings as DOM product cards and also hydrates a
// richer product object (MRP in paise, sold-out flag, store id) into the
// page. Cards are the source of truth for what is visible; the hydration
// index enriches them. The cursor is a page-number URL parameter.
type Zepto struct {
	logger    *slog.Logger
	jsonIndex map[string]zeptoProduct
}

func NewZepto() *Zepto {
	return &Zepto{
		logger:    slog.Default().With("component", "adapter", "platform", "zepto"),
		jsonIndex: make(map[string]zeptoProduct),
	}
}

func (z *Zepto) Name() string { return "zepto" }

// zeptoProduct is the slice of Zepto's hydration object we read. MRP comes
// in paise.
type zeptoProduct struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Brand        string   `json:"brand"`
	BrandName    string   `json:"brandName"`
	MRP          *float64 `json:"mrp"`
	IsSoldOut    bool     `json:"isSoldOut"`
	AvailableQty *int     `json:"availableQuantity"`
	StoreID      string   `json:"storeId"`
	ShelfLifeHrs *int     `json:"shelfLifeInHours"`
}

func (z *Zepto) SetLocation(ctx context.Context, sess *session.Session, location string) error {
	z.logger.Info("setting location", "pincode", location)

	if err := sess.Navigate(zeptoBaseURL + "/"); err != nil {
		return err
	}

	page := sess.Page()

	triggers := []string{
		"text=Select Location",
		"header [class*='location']",
		"header button[aria-label*='location']",
	}
	if err := clickFirst(page, triggers, 10*time.Second); err != nil {
		return fmt.Errorf("%w: location trigger", ErrSelectorNotFound)
	}

	input := page.Locator("input[placeholder='Search a new address']").First()
	if err := input.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(10000),
	}); err != nil {
		return fmt.Errorf("%w: address search input", ErrSelectorNotFound)
	}
	if err := input.Fill(location); err != nil {
		return fmt.Errorf("failed to type pincode: %w", err)
	}

	suggestion := page.Locator("div[data-testid='address-search-item']").First()
	if err := suggestion.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(10000)}); err != nil {
		return fmt.Errorf("%w: no address match for %s", ErrGeoUnserviceable, location)
	}

	// The confirm step only appears for some addresses.
	confirm := page.Locator("button[data-testid='confirm-location-button']").First()
	if err := confirm.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(5000)}); err != nil {
		z.logger.Debug("no confirm button, continuing")
	}

	if err := sess.WaitStable("", 10*time.Second); err != nil {
		z.logger.Warn("page did not settle after location select", "error", err)
	}

	content, err := page.Content()
	if err == nil {
		if blockErr := classifyBlock(content); blockErr != nil {
			return blockErr
		}
		if strings.Contains(strings.ToLower(content), "not serviceable") {
			return fmt.Errorf("%w: %s", ErrGeoUnserviceable, location)
		}
	}

	if etaEl := page.Locator("[data-testid='delivery-time']").First(); etaEl != nil {
		if text, err := etaEl.InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(5000)}); err == nil {
			if eta := extractETA(text); eta != "" {
				sess.SetETA(eta)
				z.logger.Info("captured delivery eta", "eta", eta)
			}
		}
	}

	return nil
}

func (z *Zepto) ListPage(ctx context.Context, sess *session.Session, categoryURL string, cursor *Cursor) ([]models.RawItem, *Cursor, error) {
	pageNum := 1
	if cursor != nil && cursor.Page > 0 {
		pageNum = cursor.Page
	}

	pageURL, err := withPageParam(categoryURL, pageNum)
	if err != nil {
		return nil, nil, fmt.Errorf("bad category URL: %w", err)
	}

	if err := sess.Navigate(pageURL); err != nil {
		return nil, nil, err
	}

	page := sess.Page()
	if err := sess.WaitStable(`a[href^="/pn/"]`, 15*time.Second); err != nil {
		// Distinguish an empty page from a blocked one before giving up.
		if content, cerr := page.Content(); cerr == nil {
			if blockErr := classifyBlock(content); blockErr != nil {
				return nil, nil, blockErr
			}
			if strings.Contains(content, "made an egg-sit") {
				return nil, nil, fmt.Errorf("%w: category page returned 404", ErrSelectorNotFound)
			}
		}
		if pageNum == 1 {
			return nil, nil, fmt.Errorf("%w: product cards", ErrSelectorNotFound)
		}
		// Past the last page.
		return nil, nil, nil
	}

	content, err := page.Content()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read page content: %w", err)
	}
	if blockErr := classifyBlock(content); blockErr != nil {
		return nil, nil, blockErr
	}

	z.refreshJSONIndex(content)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}

	var items []models.RawItem
	doc.Find(`a[href^="/pn/"]`).Each(func(_ int, card *goquery.Selection) {
		if card.Find(`[data-slot-id="ProductName"]`).Length() == 0 {
			return
		}
		html, err := goquery.OuterHtml(card)
		if err != nil {
			return
		}
		items = append(items, models.RawItem{
			Platform: z.Name(),
			Kind:     models.RawItemHTML,
			Payload:  html,
			BaseURL:  zeptoBaseURL,
		})
	})

	z.logger.Info("extracted product cards", "page", pageNum, "count", len(items))

	var next *Cursor
	if len(items) > 0 {
		next = &Cursor{Page: pageNum + 1}
	}
	return items, next, nil
}

// refreshJSONIndex rebuilds the name-keyed hydration index from the page
// content, preferring objects that actually carry an MRP.
func (z *Zepto) refreshJSONIndex(content string) {
	objects := extractEmbeddedJSON(content, `{"id":"`)
	for _, obj := range objects {
		var p zeptoProduct
		if err := json.Unmarshal([]byte(obj), &p); err != nil {
			continue
		}
		if len(p.ID) != 36 || p.Name == "" {
			continue
		}
		name := strings.TrimSpace(p.Name)
		existing, ok := z.jsonIndex[name]
		if !ok || (p.MRP != nil && existing.MRP == nil) {
			z.jsonIndex[name] = p
		}
	}
}

func (z *Zepto) ParseItem(raw models.RawItem) (*models.PartialProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw.Payload))
	if err != nil {
		return nil, fmt.Errorf("malformed card HTML: %w", err)
	}

	name := strings.TrimSpace(doc.Find(`[data-slot-id="ProductName"]`).First().Text())
	if name == "" {
		return nil, fmt.Errorf("card missing product name")
	}

	partial := &models.PartialProduct{
		Platform: z.Name(),
		BaseURL:  raw.BaseURL,
		Name:     name,
		Weight:   strings.TrimSpace(doc.Find(`[data-slot-id="PackSize"]`).First().Text()),
	}

	if priceText := strings.TrimSpace(doc.Find(`[data-slot-id="EdlpPrice"] span`).First().Text()); priceText != "" {
		partial.PriceText = priceText
		partial.Valid.Price = true
	}
	if src, ok := doc.Find(`[data-slot-id="ProductImageWrapper"] img`).First().Attr("src"); ok {
		partial.ImageURL = src
		partial.Valid.Image = true
	}
	if href, ok := doc.Find("a").First().Attr("href"); ok {
		partial.ProductURL = href
	}

	if p, ok := z.jsonIndex[name]; ok {
		partial.Brand = firstNonEmpty(p.Brand, p.BrandName)
		partial.StoreID = p.StoreID
		if p.MRP != nil {
			partial.MRPText = strconv.FormatFloat(*p.MRP/100, 'f', 2, 64)
			partial.Valid.MRP = true
		}
		if p.AvailableQty != nil {
			partial.Inventory = p.AvailableQty
			partial.Valid.Inventory = true
		}
		partial.SoldOut = p.IsSoldOut
		if partial.ProductURL == "" {
			partial.ProductURL = fmt.Sprintf("%s/pn/%s/pvid/%s",
				zeptoBaseURL, strings.ToLower(strings.ReplaceAll(name, " ", "-")), p.ID)
		}
	}

	if partial.ProductURL == "" {
		return nil, fmt.Errorf("card missing product URL")
	}
	return partial, nil
}

func withPageParam(categoryURL string, page int) (string, error) {
	u, err := url.Parse(categoryURL)
	if err != nil {
		return "", err
	}
	if page > 1 {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
