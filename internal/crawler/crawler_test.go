package crawler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/platform"
	"github.com/shelfwatch/assortment-crawler/internal/ratelimit"
	"github.com/shelfwatch/assortment-crawler/internal/syncer"
)

// fakePager serves scripted pages without a browser. pageErrs[i] is returned
// on the i-th ListPage attempt before any items.
type fakePager struct {
	pages     [][]models.RawItem
	pageErrs  map[int]error
	locErr    error
	locCalls  int
	attempts  int
	rotations int
	parseErr  map[string]error
	onList    func(attempt int)
}

func newFakePager(pageCount, itemsPerPage int) *fakePager {
	f := &fakePager{pageErrs: map[int]error{}, parseErr: map[string]error{}}
	for p := 0; p < pageCount; p++ {
		var items []models.RawItem
		for i := 0; i < itemsPerPage; i++ {
			items = append(items, models.RawItem{
				Platform: "blinkit",
				Kind:     models.RawItemJSON,
				Payload:  fmt.Sprintf("item-%d-%d", p, i),
			})
		}
		f.pages = append(f.pages, items)
	}
	return f
}

func (f *fakePager) SetLocation(ctx context.Context, location string) error {
	f.locCalls++
	return f.locErr
}

func (f *fakePager) ListPage(ctx context.Context, cursor *platform.Cursor) ([]models.RawItem, *platform.Cursor, error) {
	attempt := f.attempts
	f.attempts++
	if f.onList != nil {
		f.onList(attempt)
	}
	if err, ok := f.pageErrs[attempt]; ok {
		return nil, nil, err
	}

	page := 0
	if cursor != nil {
		page = cursor.Page
	}
	if page >= len(f.pages) {
		return nil, nil, nil
	}
	var next *platform.Cursor
	if page+1 < len(f.pages) {
		next = &platform.Cursor{Page: page + 1}
	}
	return f.pages[page], next, nil
}

func (f *fakePager) ParseItem(raw models.RawItem) (*models.PartialProduct, error) {
	if err, ok := f.parseErr[raw.Payload]; ok {
		return nil, err
	}
	return &models.PartialProduct{
		Platform:   raw.Platform,
		Name:       raw.Payload,
		PriceText:  "40",
		ProductURL: "https://blinkit.com/prn/x/prid/" + raw.Payload,
		Valid:      models.FieldValidity{Price: true},
	}, nil
}

func (f *fakePager) Rotate() error { f.rotations++; return nil }
func (f *fakePager) ETA() string   { return "9 mins" }

// fakeSink records every synced batch and the liveness of the context it
// arrived under.
type fakeSink struct {
	mu      sync.Mutex
	records []*models.Product
	calls   int
	ctxErrs []error
}

func (s *fakeSink) Sync(ctx context.Context, records []*models.Product) syncer.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.records = append(s.records, records...)
	return syncer.Result{Inserted: len(records)}
}

// noopLimiter never blocks; tests that care about limiter interplay use the
// real controller.
type noopLimiter struct {
	failures  int
	successes int
}

func (l *noopLimiter) Acquire(ctx context.Context, k ratelimit.Key) error { return nil }
func (l *noopLimiter) RecordSuccess(k ratelimit.Key)                      { l.successes++ }
func (l *noopLimiter) RecordFailure(k ratelimit.Key)                      { l.failures++ }

func testOptions() Options {
	opts := DefaultOptions()
	opts.PageTimeout = time.Second
	opts.FlushEvery = 10
	return opts
}

func TestRunCompletesAcrossPages(t *testing.T) {
	pager := newFakePager(3, 5)
	sink := &fakeSink{}
	o := New(&noopLimiter{}, sink, testOptions())

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 3, job.Counters.PagesFetched)
	assert.Equal(t, 15, job.Counters.Fetched)
	assert.Equal(t, 15, job.Counters.Normalized)
	assert.Equal(t, 15, job.Counters.Synced)
	assert.Zero(t, job.Counters.Failed)
	assert.Len(t, sink.records, 15)
	require.NotNil(t, job.FinishedAt)

	for _, rec := range sink.records {
		assert.Equal(t, "vegetables", rec.Category)
		assert.Equal(t, "9 mins", rec.ETA)
	}
}

func TestRunHonorsMaxPages(t *testing.T) {
	pager := newFakePager(10, 4)
	sink := &fakeSink{}
	o := New(&noopLimiter{}, sink, testOptions())

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 2)
	err := o.Run(context.Background(), job, pager)
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 2, job.Counters.PagesFetched)
	assert.Equal(t, 8, job.Counters.Synced)
}

func TestRunFailsWhenGeoUnserviceable(t *testing.T) {
	pager := newFakePager(1, 1)
	pager.locErr = fmt.Errorf("%w: 999999", platform.ErrGeoUnserviceable)
	o := New(&noopLimiter{}, &fakeSink{}, testOptions())

	job := models.NewCrawlJob("zepto", "https://www.zepto.com/cn/vegetables", "999999", 0)
	err := o.Run(context.Background(), job, pager)
	require.Error(t, err)

	assert.Equal(t, models.StateFailed, job.State)
	assert.Contains(t, job.Error, "999999")
}

func TestRunAbortsAfterRepeatedChallenges(t *testing.T) {
	pager := newFakePager(3, 2)
	for i := 0; i < 10; i++ {
		pager.pageErrs[i] = platform.ErrCaptchaDetected
	}
	opts := testOptions()
	opts.MaxCaptchaRotations = 3
	o := New(&noopLimiter{}, &fakeSink{}, opts)

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.Error(t, err)

	assert.Equal(t, models.StateAborted, job.State)
	assert.Equal(t, 3, pager.rotations, "each tolerated challenge rotates the identity once")
	assert.Equal(t, 4, pager.locCalls, "initial binding plus one re-bind per rotation")
}

func TestRunRebindsLocationAfterRotation(t *testing.T) {
	pager := newFakePager(2, 3)
	pager.pageErrs[1] = platform.ErrCaptchaDetected
	sink := &fakeSink{}
	o := New(&noopLimiter{}, sink, testOptions())

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 1, pager.rotations)
	assert.Equal(t, 2, pager.locCalls,
		"a rotated identity starts on the default location and must be bound again")
	assert.Equal(t, 2, job.Counters.PagesFetched)
	assert.Equal(t, 6, job.Counters.Synced)
}

func TestRunRecoversFromTransientFetchErrors(t *testing.T) {
	pager := newFakePager(2, 3)
	pager.pageErrs[0] = platform.ErrSelectorNotFound
	limiter := &noopLimiter{}
	o := New(limiter, &fakeSink{}, testOptions())

	job := models.NewCrawlJob("zepto", "https://www.zepto.com/cn/vegetables", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 2, job.Counters.PagesFetched)
	assert.Equal(t, 1, limiter.failures)
	assert.Equal(t, 1, job.Counters.Failed, "the failed attempt is counted but does not fail the job")
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	pager := newFakePager(1, 1)
	for i := 0; i < 10; i++ {
		pager.pageErrs[i] = platform.ErrSelectorNotFound
	}
	opts := testOptions()
	opts.MaxPageRetries = 2
	o := New(&noopLimiter{}, &fakeSink{}, opts)

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, job.State)
}

func TestRunAbortsWhenBreakerOpens(t *testing.T) {
	pager := newFakePager(2, 2)
	for i := 0; i < 10; i++ {
		pager.pageErrs[i] = platform.ErrRateLimited
	}
	cfg := ratelimit.DefaultConfig()
	cfg.Burst = 100
	cfg.RefillInterval = time.Millisecond
	cfg.BackoffBase = 0
	cfg.BreakerThreshold = 2
	limiter := ratelimit.NewController(cfg)

	opts := testOptions()
	opts.MaxPageRetries = 10
	o := New(limiter, &fakeSink{}, opts)

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.ErrorIs(t, err, ratelimit.ErrCircuitOpen)
	assert.Equal(t, models.StateAborted, job.State)
}

func TestRunCancellationAborts(t *testing.T) {
	pager := newFakePager(100, 5)
	sink := &fakeSink{}
	o := New(&noopLimiter{}, sink, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 2)
	err := o.Run(ctx, job, pager)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StateAborted, job.State)
}

func TestRunFlushesBufferedRecordsOnCancel(t *testing.T) {
	pager := newFakePager(5, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pager.pageErrs[2] = platform.ErrRateLimited
	pager.onList = func(attempt int) {
		if attempt == 2 {
			cancel()
		}
	}

	sink := &fakeSink{}
	opts := testOptions()
	opts.FlushEvery = 100
	o := New(&noopLimiter{}, sink, opts)

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(ctx, job, pager)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StateAborted, job.State)

	assert.Len(t, sink.records, 10, "records fetched before cancellation still reach the sink")
	require.NotEmpty(t, sink.ctxErrs)
	assert.NoError(t, sink.ctxErrs[len(sink.ctxErrs)-1],
		"the drain flush runs on a live context after cancellation")
	assert.Equal(t, 10, job.Counters.Synced)
}

func TestRunCountsUnparseableItems(t *testing.T) {
	pager := newFakePager(1, 4)
	pager.parseErr["item-0-0"] = fmt.Errorf("malformed product object")
	sink := &fakeSink{}
	o := New(&noopLimiter{}, sink, testOptions())

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.NoError(t, err, "one bad item out of four stays under the failure threshold")

	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 4, job.Counters.Fetched)
	assert.Equal(t, 3, job.Counters.Normalized)
	assert.Equal(t, 1, job.Counters.Failed)
	assert.NotEmpty(t, job.Failures)
}

func TestRunFailsOnExcessiveItemFailures(t *testing.T) {
	pager := newFakePager(1, 4)
	for i := 0; i < 4; i++ {
		pager.parseErr[fmt.Sprintf("item-0-%d", i)] = fmt.Errorf("malformed product object")
	}
	o := New(&noopLimiter{}, &fakeSink{}, testOptions())

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	err := o.Run(context.Background(), job, pager)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, job.State)
}

func TestRunFlushesInBatches(t *testing.T) {
	pager := newFakePager(1, 25)
	sink := &fakeSink{}
	opts := testOptions()
	opts.FlushEvery = 10
	o := New(&noopLimiter{}, sink, opts)

	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	require.NoError(t, o.Run(context.Background(), job, pager))
	assert.Equal(t, 3, sink.calls, "25 records at flush size 10 is three sink calls")
}

func TestRunRejectsRestartedJob(t *testing.T) {
	o := New(&noopLimiter{}, &fakeSink{}, testOptions())
	job := models.NewCrawlJob("blinkit", "https://blinkit.com/cn/vegetables/cid/1487", "560001", 0)
	job.State = models.StateCompleted

	err := o.Run(context.Background(), job, newFakePager(1, 1))
	assert.Error(t, err)
}

func TestCategoryFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://blinkit.com/cn/fresh-vegetables/cid/1487", "fresh vegetables"},
		{"https://www.zepto.com/cn/fruits-vegetables", "fruits vegetables"},
		{"https://www.swiggy.com/instamart/category-listing?categoryName=Vegetables", "category listing"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categoryFromURL(tt.url), tt.url)
	}
}
