package crawler

import (
	"context"
	"fmt"

	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/platform"
	"github.com/shelfwatch/assortment-crawler/internal/session"
)

// SessionPager binds a platform adapter to a live browser session for one
// category crawl. It is single-job state; build a fresh one per job.
type SessionPager struct {
	adapter     platform.Adapter
	manager     *session.Manager
	sess        *session.Session
	categoryURL string
	location    string
}

// NewSessionPager builds the production Pager: adapter calls routed through a
// managed browser session. Close releases the session.
func NewSessionPager(manager *session.Manager, adapter platform.Adapter, categoryURL string) *SessionPager {
	return &SessionPager{
		adapter:     adapter,
		manager:     manager,
		categoryURL: categoryURL,
	}
}

func (p *SessionPager) SetLocation(ctx context.Context, location string) error {
	if p.sess == nil {
		sess, err := p.manager.Acquire(p.adapter.Name(), location)
		if err != nil {
			return fmt.Errorf("failed to acquire session: %w", err)
		}
		p.sess = sess
	}
	if err := p.adapter.SetLocation(ctx, p.sess, location); err != nil {
		return err
	}
	p.location = location
	return nil
}

func (p *SessionPager) ListPage(ctx context.Context, cursor *platform.Cursor) ([]models.RawItem, *platform.Cursor, error) {
	if p.sess == nil {
		return nil, nil, fmt.Errorf("session not established, set location first")
	}
	// A session that spent its navigation budget rotates between pages.
	// The fresh context starts on the platform's default location, so the
	// job's location is applied again before the listing is fetched.
	if p.sess.BudgetExhausted() {
		if err := p.sess.Rotate(); err != nil {
			return nil, nil, fmt.Errorf("session rotation failed: %w", err)
		}
		if err := p.adapter.SetLocation(ctx, p.sess, p.location); err != nil {
			return nil, nil, fmt.Errorf("location re-bind after rotation: %w", err)
		}
	}
	return p.adapter.ListPage(ctx, p.sess, p.categoryURL, cursor)
}

func (p *SessionPager) ParseItem(raw models.RawItem) (*models.PartialProduct, error) {
	return p.adapter.ParseItem(raw)
}

func (p *SessionPager) Rotate() error {
	if p.sess == nil {
		return nil
	}
	return p.sess.Rotate()
}

func (p *SessionPager) ETA() string {
	if p.sess == nil {
		return ""
	}
	return p.sess.ETA()
}

func (p *SessionPager) Close() error {
	if p.sess == nil {
		return nil
	}
	return p.sess.Release()
}
