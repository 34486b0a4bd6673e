package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// Outcome is the store-side result for a single upserted record.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeFailed   Outcome = "failed"
)

// RecordResult pairs a product URL with its per-record upsert outcome.
type RecordResult struct {
	ProductURL string
	Outcome    Outcome
	Reason     string
}

// ProductRepo persists canonical product records keyed by product_url.
type ProductRepo struct {
	db     *DB
	outbox *OutboxRepository
}

func NewProductRepo(db *DB) *ProductRepo {
	return &ProductRepo{
		db:     db,
		outbox: NewOutboxRepository(db),
	}
}

const upsertQuery = `
	INSERT INTO products (
		platform, category, name, brand, price, mrp, weight, eta,
		availability, image_url, product_url, store_id, scraped_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (product_url) DO UPDATE SET
		platform = EXCLUDED.platform,
		category = EXCLUDED.category,
		name = EXCLUDED.name,
		brand = EXCLUDED.brand,
		price = EXCLUDED.price,
		mrp = EXCLUDED.mrp,
		weight = EXCLUDED.weight,
		eta = EXCLUDED.eta,
		availability = EXCLUDED.availability,
		image_url = EXCLUDED.image_url,
		store_id = EXCLUDED.store_id,
		scraped_at = EXCLUDED.scraped_at
	RETURNING (xmax = 0) AS inserted`

// UpsertBatch writes a batch of records with last-write-wins semantics.
// Failure is per-record: one record's error is reported in its result and
// does not block the rest of the batch. Each successful upsert also queues a
// PRODUCT_UPSERTED outbox event in the same transaction.
func (r *ProductRepo) UpsertBatch(ctx context.Context, records []*models.Product) ([]RecordResult, error) {
	results := make([]RecordResult, 0, len(records))

	for _, rec := range records {
		outcome, err := r.upsertOne(ctx, rec)
		res := RecordResult{ProductURL: rec.ProductURL, Outcome: outcome}
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Reason = err.Error()
		}
		results = append(results, res)
	}

	return results, nil
}

func (r *ProductRepo) upsertOne(ctx context.Context, rec *models.Product) (Outcome, error) {
	if rec.Name == "" || rec.ProductURL == "" {
		return OutcomeFailed, fmt.Errorf("record missing name or product_url")
	}

	var inserted bool
	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, upsertQuery,
			rec.Platform, nullIfEmpty(rec.Category), rec.Name, nullIfEmpty(rec.Brand),
			rec.Price, rec.MRP, nullIfEmpty(rec.Weight), nullIfEmpty(rec.ETA),
			string(rec.Availability), nullIfEmpty(rec.ImageURL), rec.ProductURL,
			nullIfEmpty(rec.StoreID), rec.ScrapedAt,
		)
		if err := row.Scan(&inserted); err != nil {
			return fmt.Errorf("failed to upsert product: %w", err)
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal product payload: %w", err)
		}
		event := &OutboxEvent{
			AggregateType: "product",
			AggregateID:   rec.ProductURL,
			EventType:     EventTypeProductUpserted,
			Payload:       payload,
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return OutcomeFailed, err
	}

	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// CountByPlatform returns record counts grouped by platform, for the stats
// endpoint.
func (r *ProductRepo) CountByPlatform(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `SELECT platform, COUNT(*) FROM products GROUP BY platform`)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var platform string
		var count int
		if err := rows.Scan(&platform, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[platform] = count
	}
	return counts, rows.Err()
}

// GetByURL retrieves a single record, nil when absent.
func (r *ProductRepo) GetByURL(ctx context.Context, productURL string) (*models.Product, error) {
	query := `
		SELECT platform, COALESCE(category, ''), name, COALESCE(brand, ''),
		       price, mrp, COALESCE(weight, ''), COALESCE(eta, ''),
		       availability, COALESCE(image_url, ''), product_url,
		       COALESCE(store_id, ''), scraped_at
		FROM products
		WHERE product_url = $1`

	p := &models.Product{}
	var availability string
	var scrapedAt time.Time
	err := r.db.QueryRow(ctx, query, productURL).Scan(
		&p.Platform, &p.Category, &p.Name, &p.Brand,
		&p.Price, &p.MRP, &p.Weight, &p.ETA,
		&availability, &p.ImageURL, &p.ProductURL,
		&p.StoreID, &scrapedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	p.Availability = models.Availability(availability)
	p.ScrapedAt = scrapedAt
	return p, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
