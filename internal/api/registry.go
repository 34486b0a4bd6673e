package api

import (
	"sort"
	"sync"

	"github.com/shelfwatch/assortment-crawler/internal/models"
)

// Registry keeps the latest snapshot of every job this process has run. It
// implements the orchestrator's Reporter, so handlers never touch a job that
// a crawl goroutine is still mutating.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]models.CrawlJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]models.CrawlJob)}
}

func (r *Registry) Publish(job models.CrawlJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

func (r *Registry) Get(id string) (models.CrawlJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// List returns all known jobs, newest first.
func (r *Registry) List() []models.CrawlJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.CrawlJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
