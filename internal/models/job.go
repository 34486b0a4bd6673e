package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is a crawl job's position in its lifecycle.
type JobState string

const (
	StateInit        JobState = "init"
	StateLocationSet JobState = "location_set"
	StatePaging      JobState = "paging"
	StateDraining    JobState = "draining"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateAborted     JobState = "aborted"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Counters accumulates per-job progress. Mutated only by the orchestrator.
type Counters struct {
	PagesFetched int `json:"pages_fetched"`
	Fetched      int `json:"fetched"`
	Normalized   int `json:"normalized"`
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
}

// MaxFailureSample bounds how many failure reasons a job carries into its
// terminal summary.
const MaxFailureSample = 10

// CrawlJob is one invocation's unit of work. It exists for the duration of a
// single crawl and is discarded at completion; only its output records
// persist.
type CrawlJob struct {
	ID          string     `json:"id"`
	Platform    string     `json:"platform"`
	CategoryURL string     `json:"category_url"`
	Location    string     `json:"location"`
	MaxPages    int        `json:"max_pages"`
	State       JobState   `json:"state"`
	Counters    Counters   `json:"counters"`
	Failures    []string   `json:"failures,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func NewCrawlJob(platform, categoryURL, location string, maxPages int) *CrawlJob {
	return &CrawlJob{
		ID:          uuid.New().String(),
		Platform:    platform,
		CategoryURL: categoryURL,
		Location:    location,
		MaxPages:    maxPages,
		State:       StateInit,
		StartedAt:   time.Now(),
	}
}

// RecordFailure counts a failure and keeps a bounded sample of reasons.
func (j *CrawlJob) RecordFailure(reason string) {
	j.Counters.Failed++
	if len(j.Failures) < MaxFailureSample {
		j.Failures = append(j.Failures, reason)
	}
}
