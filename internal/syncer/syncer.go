package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/shelfwatch/assortment-crawler/internal/database"
	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// Store is the destination for canonical records. Upserts are idempotent and
// keyed by product_url; the returned results are per-record.
type Store interface {
	UpsertBatch(ctx context.Context, records []*models.Product) ([]database.RecordResult, error)
}

// Options bound the sync client's batching and retry behavior.
type Options struct {
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	BatchTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    25,
		MaxAttempts:  3,
		RetryDelay:   2 * time.Second,
		BatchTimeout: 30 * time.Second,
	}
}

// Result summarizes one Sync call. Failed carries every record that could
// not be written, with its reason; nothing is silently dropped.
type Result struct {
	Inserted int
	Updated  int
	Failed   []database.RecordResult
}

// Syncer batches canonical records into bounded upserts with retry. A
// transport-level failure retries the whole batch with linear backoff; a
// per-record failure is reported and does not block sibling records.
type Syncer struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

func New(store Store, opts Options) *Syncer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Syncer{
		store:  store,
		opts:   opts,
		logger: slog.Default().With("component", "syncer"),
	}
}

// Sync writes records in batches of at most BatchSize. Applying the same
// record set twice leaves the store in the same state as applying it once.
func (s *Syncer) Sync(ctx context.Context, records []*models.Product) Result {
	var result Result

	for start := 0; start < len(records); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		s.syncBatch(ctx, records[start:end], &result)
	}

	return result
}

func (s *Syncer) syncBatch(ctx context.Context, batch []*models.Product, result *Result) {
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				s.failBatch(batch, result, lastErr)
				return
			case <-time.After(time.Duration(attempt-1) * s.opts.RetryDelay):
			}
		}

		batchCtx := ctx
		var cancel context.CancelFunc
		if s.opts.BatchTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		}

		outcomes, err := s.store.UpsertBatch(batchCtx, batch)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			// Transport failure: the whole batch is retried. Timeouts are
			// transient and follow the same policy.
			lastErr = err
			s.logger.Warn("batch upsert failed",
				"attempt", attempt,
				"size", len(batch),
				"error", err)
			continue
		}

		for _, o := range outcomes {
			switch o.Outcome {
			case database.OutcomeInserted:
				result.Inserted++
			case database.OutcomeUpdated:
				result.Updated++
			default:
				result.Failed = append(result.Failed, o)
			}
		}
		return
	}

	s.logger.Error("batch failed after retries",
		"attempts", s.opts.MaxAttempts,
		"size", len(batch),
		"error", lastErr)
	s.failBatch(batch, result, lastErr)
}

func (s *Syncer) failBatch(batch []*models.Product, result *Result, err error) {
	reason := "retries exhausted"
	if err != nil {
		reason = err.Error()
	}
	for _, rec := range batch {
		result.Failed = append(result.Failed, database.RecordResult{
			ProductURL: rec.ProductURL,
			Outcome:    database.OutcomeFailed,
			Reason:     reason,
		})
	}
}
