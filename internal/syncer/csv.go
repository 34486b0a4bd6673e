package syncer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/shelfwatch/assortment-crawler/internal/database"
	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// CSVStore is a file-backed Store for runs without Postgres. It keeps the
// same last-write-wins semantics as the database: records are deduplicated
// by product_url in memory and flushed atomically on Close.
type CSVStore struct {
	mu       sync.Mutex
	filename string
	records  map[string]*models.Product
}

func NewCSVStore(filename string) *CSVStore {
	return &CSVStore{
		filename: filename,
		records:  make(map[string]*models.Product),
	}
}

func (c *CSVStore) UpsertBatch(_ context.Context, records []*models.Product) ([]database.RecordResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]database.RecordResult, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" || rec.ProductURL == "" {
			results = append(results, database.RecordResult{
				ProductURL: rec.ProductURL,
				Outcome:    database.OutcomeFailed,
				Reason:     "record missing name or product_url",
			})
			continue
		}

		outcome := database.OutcomeInserted
		if _, exists := c.records[rec.ProductURL]; exists {
			outcome = database.OutcomeUpdated
		}
		c.records[rec.ProductURL] = rec
		results = append(results, database.RecordResult{
			ProductURL: rec.ProductURL,
			Outcome:    outcome,
		})
	}

	return results, nil
}

// Close writes the accumulated records to disk via a temp file rename.
func (c *CSVStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	urls := make([]string, 0, len(c.records))
	for u := range c.records {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	tmpFile := c.filename + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{
		"platform", "category", "name", "brand", "price", "mrp", "weight",
		"eta", "availability", "image_url", "product_url", "store_id", "scraped_at",
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, u := range urls {
		rec := c.records[u]
		row := []string{
			rec.Platform, rec.Category, rec.Name, rec.Brand,
			formatNullable(rec.Price), formatNullable(rec.MRP),
			rec.Weight, rec.ETA, string(rec.Availability),
			rec.ImageURL, rec.ProductURL, rec.StoreID,
			rec.ScrapedAt.Format("2006-01-02 15:04:05"),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	return os.Rename(tmpFile, c.filename)
}

func formatNullable(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
