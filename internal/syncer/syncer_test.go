package syncer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/assortment-crawler/internal/database"
	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// memStore mimics the database's upsert semantics in memory.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*models.Product
	failURLs map[string]string // product_url -> failure reason
	failNext int               // transport errors to return before succeeding
	calls    int
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]*models.Product),
		failURLs: make(map[string]string),
	}
}

func (m *memStore) UpsertBatch(_ context.Context, records []*models.Product) ([]database.RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("connection reset")
	}

	results := make([]database.RecordResult, 0, len(records))
	for _, rec := range records {
		if reason, bad := m.failURLs[rec.ProductURL]; bad {
			results = append(results, database.RecordResult{
				ProductURL: rec.ProductURL,
				Outcome:    database.OutcomeFailed,
				Reason:     reason,
			})
			continue
		}
		outcome := database.OutcomeInserted
		if _, exists := m.records[rec.ProductURL]; exists {
			outcome = database.OutcomeUpdated
		}
		m.records[rec.ProductURL] = rec
		results = append(results, database.RecordResult{ProductURL: rec.ProductURL, Outcome: outcome})
	}
	return results, nil
}

func price(v float64) *float64 { return &v }

func record(url string, p float64) *models.Product {
	return &models.Product{
		Platform:     "blinkit",
		Name:         "Tomato 1kg",
		Price:        price(p),
		Availability: models.AvailabilityInStock,
		ProductURL:   url,
		ScrapedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSyncIdempotent(t *testing.T) {
	store := newMemStore()
	s := New(store, DefaultOptions())

	batch := []*models.Product{
		record("https://blinkit.com/prid/1", 40),
		record("https://blinkit.com/prid/2", 25),
	}

	first := s.Sync(context.Background(), batch)
	require.Empty(t, first.Failed)
	assert.Equal(t, 2, first.Inserted)

	second := s.Sync(context.Background(), batch)
	require.Empty(t, second.Failed)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)
	assert.Len(t, store.records, 2, "no duplicate rows after replay")
}

func TestSyncLastWriteWins(t *testing.T) {
	store := newMemStore()
	s := New(store, DefaultOptions())
	url := "https://blinkit.com/prid/1"

	s.Sync(context.Background(), []*models.Product{record(url, 40.0)})
	s.Sync(context.Background(), []*models.Product{record(url, 42.0)})

	require.Len(t, store.records, 1)
	assert.Equal(t, 42.0, *store.records[url].Price)
}

func TestSyncPerRecordFailure(t *testing.T) {
	store := newMemStore()
	store.failURLs["https://blinkit.com/prid/2"] = "value too long for column"
	s := New(store, DefaultOptions())

	result := s.Sync(context.Background(), []*models.Product{
		record("https://blinkit.com/prid/1", 40),
		record("https://blinkit.com/prid/2", 25),
		record("https://blinkit.com/prid/3", 60),
	})

	assert.Equal(t, 2, result.Inserted, "siblings of a failed record still land")
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "https://blinkit.com/prid/2", result.Failed[0].ProductURL)
	assert.Equal(t, "value too long for column", result.Failed[0].Reason)
}

func TestSyncRetriesTransportErrors(t *testing.T) {
	store := newMemStore()
	store.failNext = 2

	opts := DefaultOptions()
	opts.MaxAttempts = 3
	opts.RetryDelay = time.Millisecond
	s := New(store, opts)

	result := s.Sync(context.Background(), []*models.Product{record("https://blinkit.com/prid/1", 40)})

	assert.Empty(t, result.Failed)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 3, store.calls)
}

func TestSyncReportsExhaustedRecords(t *testing.T) {
	store := newMemStore()
	store.failNext = 10

	opts := DefaultOptions()
	opts.MaxAttempts = 2
	opts.RetryDelay = time.Millisecond
	s := New(store, opts)

	batch := []*models.Product{
		record("https://blinkit.com/prid/1", 40),
		record("https://blinkit.com/prid/2", 25),
	}
	result := s.Sync(context.Background(), batch)

	require.Len(t, result.Failed, 2, "exhausted records are reported, not dropped")
	for _, f := range result.Failed {
		assert.Equal(t, database.OutcomeFailed, f.Outcome)
		assert.Contains(t, f.Reason, "connection reset")
	}
}

func TestSyncBatching(t *testing.T) {
	store := newMemStore()
	opts := DefaultOptions()
	opts.BatchSize = 2
	s := New(store, opts)

	var batch []*models.Product
	for i := 0; i < 5; i++ {
		batch = append(batch, record("https://blinkit.com/prid/"+string(rune('a'+i)), 10))
	}

	result := s.Sync(context.Background(), batch)
	assert.Equal(t, 5, result.Inserted)
	assert.Equal(t, 3, store.calls, "5 records at batch size 2 means 3 upsert calls")
}

func TestCSVStoreDedupes(t *testing.T) {
	dir := t.TempDir()
	store := NewCSVStore(dir + "/out.csv")

	url := "https://blinkit.com/prid/1"
	_, err := store.UpsertBatch(context.Background(), []*models.Product{record(url, 40)})
	require.NoError(t, err)
	results, err := store.UpsertBatch(context.Background(), []*models.Product{record(url, 42)})
	require.NoError(t, err)
	assert.Equal(t, database.OutcomeUpdated, results[0].Outcome)

	require.NoError(t, store.Close())

	data, err := os.ReadFile(dir + "/out.csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2, "header plus exactly one row")
	assert.Contains(t, lines[1], "42.00")
}
