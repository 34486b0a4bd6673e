package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Options configures the rendering sessions a manager hands out.
type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	// MaxRequests is the per-session navigation budget before the session
	// rotates its browser context (mitigates per-session throttling).
	MaxRequests int
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-IN,en;q=0.9,hi;q=0.8",
		TimezoneID:     "Asia/Kolkata",
		Locale:         "en-IN",
		MaxRequests:    40,
	}
}

// Manager owns the Playwright runtime and one launched browser. Each crawl
// job acquires its own Session (its own browser context); sessions are never
// shared across jobs.
type Manager struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger
}

func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--window-size=1920,1080",
			"--user-agent=" + opts.UserAgent,
		},
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Manager{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  slog.Default().With("component", "session_manager"),
	}, nil
}

// Acquire creates a session bound to one (platform, location) pair. The
// caller owns it exclusively and must Release it on every exit path.
func (m *Manager) Acquire(platform, location string) (*Session, error) {
	s := &Session{
		manager:  m,
		platform: platform,
		location: location,
		logger: m.logger.With(
			"platform", platform,
			"location", location,
		),
	}
	if err := s.openContext(); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) newContext() (playwright.BrowserContext, error) {
	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &m.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &m.opts.Locale,
		TimezoneId:        &m.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  m.opts.ViewportWidth,
			Height: m.opts.ViewportHeight,
		},
		ExtraHttpHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": m.opts.AcceptLanguage,
			"DNT":             "1",
		},
	}
	return m.browser.NewContext(contextOpts)
}

func (m *Manager) Close() error {
	var errs []error

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if m.pw != nil {
		if err := m.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Session is one rendering context bound to a (platform, location) pair,
// exclusively owned by a single crawl job.
type Session struct {
	manager  *Manager
	context  playwright.BrowserContext
	page     playwright.Page
	platform string
	location string
	requests int

	// etaMu guards eta: location re-binds after a rotation write it from
	// the paging goroutine while the processing goroutine stamps records.
	etaMu sync.Mutex
	eta   string

	logger *slog.Logger
}

func (s *Session) Platform() string { return s.platform }
func (s *Session) Location() string { return s.location }

// Page exposes the current page for adapter interaction.
func (s *Session) Page() playwright.Page { return s.page }

// SetETA records the delivery ETA captured while setting the location; the
// orchestrator stamps it onto every record of the job.
func (s *Session) SetETA(eta string) {
	s.etaMu.Lock()
	s.eta = eta
	s.etaMu.Unlock()
}

func (s *Session) ETA() string {
	s.etaMu.Lock()
	defer s.etaMu.Unlock()
	return s.eta
}

func (s *Session) openContext() error {
	context, err := s.manager.newContext()
	if err != nil {
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := context.NewPage()
	if err != nil {
		context.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.manager.opts.Timeout.Milliseconds()))

	s.context = context
	s.page = page
	s.requests = 0
	return nil
}

// Navigate loads a URL, drawing down the session's request budget.
func (s *Session) Navigate(url string) error {
	s.requests++

	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(s.manager.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// WaitStable waits for a readiness selector rather than sleeping a fixed
// interval; when no selector is given it falls back to network idle.
func (s *Session) WaitStable(selector string, timeout time.Duration) error {
	if selector != "" {
		err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
		if err != nil {
			return fmt.Errorf("selector %q never stabilized: %w", selector, err)
		}
		return nil
	}

	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("page never reached network idle: %w", err)
	}
	return nil
}

// BudgetExhausted reports whether the navigation budget is spent and the
// session is due for rotation. The holder rotates between pages, never
// mid-page, so the platform location can be applied to the new context
// before it serves a listing.
func (s *Session) BudgetExhausted() bool {
	return s.manager.opts.MaxRequests > 0 && s.requests >= s.manager.opts.MaxRequests
}

// Rotate swaps in a fresh browser context, discarding accumulated
// fingerprint state. Used after anti-bot signals and budget exhaustion.
// The new context has no cookies or storage: the caller must re-apply the
// platform location before the next listing fetch.
func (s *Session) Rotate() error {
	if s.context != nil {
		if err := s.context.Close(); err != nil {
			s.logger.Warn("failed to close context during rotation", "error", err)
		}
	}
	return s.openContext()
}

// Release tears down the session's browser context. Safe to call once on
// every exit path.
func (s *Session) Release() error {
	if s.context == nil {
		return nil
	}
	err := s.context.Close()
	s.context = nil
	s.page = nil
	if err != nil {
		return fmt.Errorf("failed to close session context: %w", err)
	}
	return nil
}
