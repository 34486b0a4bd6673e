package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shelfwatch/assortment-crawler/internal/extract"
	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/platform"
	"github.com/shelfwatch/assortment-crawler/internal/ratelimit"
	"github.com/shelfwatch/assortment-crawler/internal/syncer"
)

// Pager is one platform-bound crawl surface: a live session driven by the
// platform adapter. The orchestrator never touches the browser directly.
type Pager interface {
	SetLocation(ctx context.Context, location string) error
	ListPage(ctx context.Context, cursor *platform.Cursor) ([]models.RawItem, *platform.Cursor, error)
	ParseItem(raw models.RawItem) (*models.PartialProduct, error)
	// Rotate discards the current browser identity after a challenge. The
	// new identity carries no location state; the caller must SetLocation
	// again before the next ListPage.
	Rotate() error
	ETA() string
}

// Limiter is the slice of the rate controller the orchestrator drives.
type Limiter interface {
	Acquire(ctx context.Context, k ratelimit.Key) error
	RecordSuccess(k ratelimit.Key)
	RecordFailure(k ratelimit.Key)
}

// Sink receives normalized records for persistence.
type Sink interface {
	Sync(ctx context.Context, records []*models.Product) syncer.Result
}

// Reporter receives job snapshots as a crawl progresses. Snapshots are value
// copies; the reporter may retain them.
type Reporter interface {
	Publish(job models.CrawlJob)
}

type noopReporter struct{}

func (noopReporter) Publish(models.CrawlJob) {}

// Options bound a single crawl run.
type Options struct {
	// PageTimeout caps one ListPage call, navigation included.
	PageTimeout time.Duration
	// MaxPageRetries is how many consecutive failed fetches of the same
	// cursor are tolerated before the job fails.
	MaxPageRetries int
	// MaxCaptchaRotations is how many identity rotations a challenge is
	// allowed to consume before the job aborts.
	MaxCaptchaRotations int
	// QueueSize bounds the fetch-to-normalize handoff so a slow sink
	// backpressures the paging loop instead of buffering unboundedly.
	QueueSize int
	// FlushEvery is how many normalized records accumulate before a sync.
	FlushEvery int
	// FailureRatePercent fails the job when more than this share of
	// fetched items could not be normalized or synced.
	FailureRatePercent int
}

func DefaultOptions() Options {
	return Options{
		PageTimeout:         45 * time.Second,
		MaxPageRetries:      3,
		MaxCaptchaRotations: 3,
		QueueSize:           256,
		FlushEvery:          50,
		FailureRatePercent:  50,
	}
}

// Orchestrator runs crawl jobs through their lifecycle: set location, page
// through the category, normalize and sync every item, then settle into a
// terminal state. Fetching and processing run concurrently, connected by a
// bounded queue.
type Orchestrator struct {
	limiter    Limiter
	normalizer *extract.Normalizer
	sink       Sink
	reporter   Reporter
	opts       Options
	logger     *slog.Logger
}

func New(limiter Limiter, sink Sink, opts Options) *Orchestrator {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.FlushEvery < 1 {
		opts.FlushEvery = 1
	}
	return &Orchestrator{
		limiter:    limiter,
		normalizer: extract.NewNormalizer(),
		sink:       sink,
		reporter:   noopReporter{},
		opts:       opts,
		logger:     slog.Default().With("component", "orchestrator"),
	}
}

// SetReporter wires progress publication; call before Run.
func (o *Orchestrator) SetReporter(r Reporter) {
	if r != nil {
		o.reporter = r
	}
}

func (o *Orchestrator) publish(job *models.CrawlJob) {
	snapshot := *job
	snapshot.Failures = append([]string(nil), job.Failures...)
	o.reporter.Publish(snapshot)
}

// drainStats is the processing goroutine's private tally, merged into the
// job's counters once the queue is drained. The two sides of the pipeline
// never write the same counter.
type drainStats struct {
	normalized int
	synced     int
	failed     int
	reasons    []string
}

// Run drives job to a terminal state. The returned error is non-nil only for
// failed and aborted outcomes and is also recorded on the job.
func (o *Orchestrator) Run(ctx context.Context, job *models.CrawlJob, pager Pager) error {
	if job.State != models.StateInit {
		return fmt.Errorf("job %s already started (state %s)", job.ID, job.State)
	}

	logger := o.logger.With("job_id", job.ID, "platform", job.Platform, "location", job.Location)
	key := ratelimit.Key{Platform: job.Platform, Location: job.Location}
	o.publish(job)

	if err := o.setLocation(ctx, job, pager, key, logger); err != nil {
		return o.finish(job, logger, err)
	}
	o.transition(job, models.StateLocationSet, logger)

	o.transition(job, models.StatePaging, logger)

	queue := make(chan models.RawItem, o.opts.QueueSize)
	done := make(chan drainStats, 1)
	go o.process(ctx, job, pager, queue, done)

	pageErr := o.page(ctx, job, pager, key, queue, logger)

	o.transition(job, models.StateDraining, logger)
	close(queue)
	stats := <-done

	job.Counters.Normalized = stats.normalized
	job.Counters.Synced = stats.synced
	job.Counters.Failed += stats.failed
	for _, r := range stats.reasons {
		if len(job.Failures) < models.MaxFailureSample {
			job.Failures = append(job.Failures, r)
		}
	}

	if pageErr == nil {
		pageErr = o.checkFailureRate(job)
	}
	return o.finish(job, logger, pageErr)
}

func (o *Orchestrator) setLocation(ctx context.Context, job *models.CrawlJob, pager Pager, key ratelimit.Key, logger *slog.Logger) error {
	rotations := 0
	for {
		if err := o.limiter.Acquire(ctx, key); err != nil {
			return err
		}
		err := pager.SetLocation(ctx, job.Location)
		if err == nil {
			o.limiter.RecordSuccess(key)
			return nil
		}
		o.limiter.RecordFailure(key)

		if errors.Is(err, platform.ErrCaptchaDetected) && rotations < o.opts.MaxCaptchaRotations {
			rotations++
			logger.Warn("challenge during location setup, rotating identity", "rotation", rotations)
			if rerr := pager.Rotate(); rerr != nil {
				return fmt.Errorf("identity rotation failed: %w", rerr)
			}
			continue
		}
		return fmt.Errorf("location setup failed: %w", err)
	}
}

// page runs the fetch side of the pipeline. It owns PagesFetched and
// Fetched; everything downstream of the queue is tallied by process.
func (o *Orchestrator) page(ctx context.Context, job *models.CrawlJob, pager Pager, key ratelimit.Key, queue chan<- models.RawItem, logger *slog.Logger) error {
	var cursor *platform.Cursor
	retries := 0
	rotations := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job.MaxPages > 0 && job.Counters.PagesFetched >= job.MaxPages {
			logger.Info("page cap reached", "pages", job.Counters.PagesFetched)
			return nil
		}

		if err := o.limiter.Acquire(ctx, key); err != nil {
			// An open breaker means the target is rejecting us outright;
			// continuing would only dig the hole deeper.
			return err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, o.opts.PageTimeout)
		items, next, err := pager.ListPage(fetchCtx, cursor)
		cancel()

		if err != nil {
			o.limiter.RecordFailure(key)

			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, platform.ErrGeoUnserviceable):
				return err
			case errors.Is(err, platform.ErrCaptchaDetected):
				rotations++
				if rotations > o.opts.MaxCaptchaRotations {
					return fmt.Errorf("challenge persisted through %d rotations: %w", o.opts.MaxCaptchaRotations, err)
				}
				logger.Warn("challenge during paging, rotating identity", "rotation", rotations)
				if rerr := pager.Rotate(); rerr != nil {
					return fmt.Errorf("identity rotation failed: %w", rerr)
				}
				// The fresh context carries no state; the location must be
				// applied again before the next page renders.
				if lerr := o.setLocation(ctx, job, pager, key, logger); lerr != nil {
					return fmt.Errorf("location re-bind after rotation: %w", lerr)
				}
				continue
			default:
				retries++
				job.RecordFailure(err.Error())
				if retries > o.opts.MaxPageRetries {
					return fmt.Errorf("page fetch failed %d times: %w", retries, err)
				}
				logger.Warn("page fetch failed, retrying", "attempt", retries, "error", err)
				continue
			}
		}

		o.limiter.RecordSuccess(key)
		retries = 0

		job.Counters.PagesFetched++
		job.Counters.Fetched += len(items)
		logger.Info("page fetched", "page", job.Counters.PagesFetched, "items", len(items))
		o.publish(job)

		for _, item := range items {
			select {
			case queue <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if next == nil {
			logger.Info("category exhausted", "pages", job.Counters.PagesFetched)
			return nil
		}
		cursor = next
	}
}

// finalFlushTimeout caps the last sync of a cancelled job. The buffered tail
// still reaches the sink before teardown.
const finalFlushTimeout = 30 * time.Second

// process is the consume side: parse, normalize, and sync in bounded flushes.
func (o *Orchestrator) process(ctx context.Context, job *models.CrawlJob, pager Pager, queue <-chan models.RawItem, done chan<- drainStats) {
	var stats drainStats
	category := categoryFromURL(job.CategoryURL)
	buffer := make([]*models.Product, 0, o.opts.FlushEvery)

	flush := func(ctx context.Context) {
		if len(buffer) == 0 {
			return
		}
		result := o.sink.Sync(ctx, buffer)
		stats.synced += result.Inserted + result.Updated
		for _, f := range result.Failed {
			stats.failed++
			if len(stats.reasons) < models.MaxFailureSample {
				stats.reasons = append(stats.reasons, fmt.Sprintf("%s: %s", f.ProductURL, f.Reason))
			}
		}
		buffer = buffer[:0]
	}

	for raw := range queue {
		partial, err := pager.ParseItem(raw)
		if err != nil {
			stats.failed++
			if len(stats.reasons) < models.MaxFailureSample {
				stats.reasons = append(stats.reasons, err.Error())
			}
			continue
		}

		rec := o.normalizer.Normalize(partial, category, pager.ETA(), time.Now().UTC())
		if rec.Name == "" || rec.ProductURL == "" {
			stats.failed++
			continue
		}
		stats.normalized++

		buffer = append(buffer, rec)
		if len(buffer) >= o.opts.FlushEvery {
			flush(ctx)
		}
	}

	// Cancellation drains best effort: a cancelled parent would fail the
	// sync before it starts, so the last batch gets a detached context.
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
	}
	flush(flushCtx)

	done <- stats
}

func (o *Orchestrator) checkFailureRate(job *models.CrawlJob) error {
	if job.Counters.Fetched == 0 {
		return nil
	}
	pct := job.Counters.Failed * 100 / job.Counters.Fetched
	if pct > o.opts.FailureRatePercent {
		return fmt.Errorf("%d%% of fetched items failed (threshold %d%%)", pct, o.opts.FailureRatePercent)
	}
	return nil
}

// finish settles the job into its terminal state. Cancellation and an open
// breaker abort; every other error fails.
func (o *Orchestrator) finish(job *models.CrawlJob, logger *slog.Logger, err error) error {
	now := time.Now()
	job.FinishedAt = &now

	switch {
	case err == nil:
		job.State = models.StateCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ratelimit.ErrCircuitOpen), isChallengeExhaustion(err):
		job.State = models.StateAborted
		job.Error = err.Error()
	default:
		job.State = models.StateFailed
		job.Error = err.Error()
	}

	logger.Info("job finished",
		"state", job.State,
		"pages", job.Counters.PagesFetched,
		"fetched", job.Counters.Fetched,
		"normalized", job.Counters.Normalized,
		"synced", job.Counters.Synced,
		"failed", job.Counters.Failed,
		"error", job.Error,
	)
	o.publish(job)
	return err
}

func isChallengeExhaustion(err error) bool {
	return errors.Is(err, platform.ErrCaptchaDetected)
}

func (o *Orchestrator) transition(job *models.CrawlJob, state models.JobState, logger *slog.Logger) {
	logger.Info("state transition", "from", job.State, "to", state)
	job.State = state
	o.publish(job)
}

// categoryFromURL derives a human-readable category label from the listing
// URL's last meaningful path segment.
func categoryFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		// Skip numeric ids like the trailing cid on Blinkit category URLs.
		if s == "" || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
			continue
		}
		return strings.ReplaceAll(s, "-", " ")
	}
	return ""
}
