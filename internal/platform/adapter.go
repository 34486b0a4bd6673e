package platform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/session"
)

var (
	// ErrSelectorNotFound is transient: the page rendered but an expected
	// element is missing. The same page may be retried a bounded number of
	// times.
	ErrSelectorNotFound = errors.New("selector not found")
	// ErrCaptchaDetected is session-fatal: the platform challenged the
	// session. It escalates to the rate limiter for backoff and rotation,
	// not to immediate job failure.
	ErrCaptchaDetected = errors.New("captcha detected")
	// ErrRateLimited marks a 429-equivalent response.
	ErrRateLimited = errors.New("rate limited")
	// ErrGeoUnserviceable is job-fatal: the platform does not serve the
	// requested location for this category.
	ErrGeoUnserviceable = errors.New("location not serviceable")
)

// Cursor is the opaque pagination state threaded through ListPage calls.
// Each platform uses its own convention: Blinkit advances scroll rounds,
// Zepto page numbers, Instamart item offsets.
type Cursor struct {
	Page   int
	Offset int
	Round  int
}

// Adapter is the per-platform strategy for setting a delivery location,
// listing one category page and parsing one raw item. Implementations hold
// per-job parse state and must not be shared across concurrent jobs.
type Adapter interface {
	Name() string
	SetLocation(ctx context.Context, sess *session.Session, location string) error
	ListPage(ctx context.Context, sess *session.Session, categoryURL string, cursor *Cursor) ([]models.RawItem, *Cursor, error)
	ParseItem(raw models.RawItem) (*models.PartialProduct, error)
}

// New returns a fresh adapter for one crawl job.
func New(name string) (Adapter, error) {
	switch strings.ToLower(name) {
	case "blinkit":
		return NewBlinkit(), nil
	case "zepto":
		return NewZepto(), nil
	case "instamart":
		return NewInstamart(), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", name)
	}
}

var (
	captchaRe = regexp.MustCompile(`(?i)(captcha|verify you are a human|unusual traffic|are you a robot)`)
	blockedRe = regexp.MustCompile(`(?i)(access denied|too many requests|rate limit(ed)? exceeded)`)
)

// classifyBlock inspects rendered page content for anti-bot responses and
// returns the matching tagged error, or nil when the page looks normal.
func classifyBlock(content string) error {
	if captchaRe.MatchString(content) {
		return ErrCaptchaDetected
	}
	if blockedRe.MatchString(content) {
		return ErrRateLimited
	}
	return nil
}

var etaRe = regexp.MustCompile(`(?i)(\d+\s*min(ute)?s?)`)

// extractETA pulls a "12 mins" style delivery estimate out of header text.
func extractETA(text string) string {
	if m := etaRe.FindString(text); m != "" {
		return strings.ToLower(strings.TrimSpace(m))
	}
	return ""
}
