package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/shelfwatch/assortment-crawler/internal/api"
	"github.com/shelfwatch/assortment-crawler/internal/config"
	"github.com/shelfwatch/assortment-crawler/internal/crawler"
	"github.com/shelfwatch/assortment-crawler/internal/database"
	"github.com/shelfwatch/assortment-crawler/internal/models"
	"github.com/shelfwatch/assortment-crawler/internal/platform"
	"github.com/shelfwatch/assortment-crawler/internal/ratelimit"
	"github.com/shelfwatch/assortment-crawler/internal/session"
	"github.com/shelfwatch/assortment-crawler/internal/syncer"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		platformName = flag.String("platform", "", "target platform: blinkit, zepto or instamart")
		categoryURL  = flag.String("url", "", "category listing URL to crawl")
		pincode      = flag.String("pincode", "", "delivery location pincode")
		maxPages     = flag.Int("max-pages", 0, "page cap, 0 crawls the whole category")
		output       = flag.String("output", "", "write records to this CSV file instead of Postgres")
		listen       = flag.String("listen", "", "serve the status API on this address, e.g. :8080")
		headless     = flag.Bool("headless", true, "run the browser headless")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if *platformName == "" || *categoryURL == "" || *pincode == "" {
		fmt.Fprintln(os.Stderr, "usage: crawler -platform <name> -url <category-url> -pincode <pincode>")
		flag.PrintDefaults()
		return exitConfig
	}

	adapter, err := platform.New(*platformName)
	if err != nil {
		logger.Error("unknown platform", "platform", *platformName, "error", err)
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Persistence: CSV for local runs, Postgres with the outbox relay
	// otherwise.
	var store syncer.Store
	var repo *database.ProductRepo
	var relay *database.Relay
	if *output != "" {
		csvStore := syncer.NewCSVStore(*output)
		defer func() {
			if err := csvStore.Close(); err != nil {
				logger.Error("failed to write output file", "error", err)
			}
		}()
		store = csvStore
	} else {
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: 10,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return exitFailed
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare schema", "error", err)
			return exitFailed
		}
		repo = database.NewProductRepo(db)
		store = repo

		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, outbox events will queue up", "error", err)
		}
		relay = database.NewRelay(db, redisClient, logger, database.RelayConfig{
			PollInterval: cfg.Redis.RelayInterval,
			BatchSize:    cfg.Redis.RelayBatch,
		})
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	sessOpts := session.DefaultOptions()
	sessOpts.Headless = *headless && cfg.Browser.Headless
	sessOpts.Timeout = cfg.Browser.Timeout
	sessOpts.ViewportWidth = cfg.Browser.ViewportWidth
	sessOpts.ViewportHeight = cfg.Browser.ViewportHeight
	sessOpts.AcceptLanguage = cfg.Browser.AcceptLanguage
	sessOpts.TimezoneID = cfg.Browser.TimezoneID
	sessOpts.Locale = cfg.Browser.Locale
	sessOpts.MaxRequests = cfg.Browser.MaxRequests
	if len(cfg.Browser.UserAgents) > 0 {
		sessOpts.UserAgent = cfg.Browser.UserAgents[0]
	}

	manager, err := session.NewManager(sessOpts)
	if err != nil {
		logger.Error("failed to start browser", "error", err)
		return exitFailed
	}
	defer manager.Close()

	limiter := ratelimit.NewController(ratelimit.Config{
		Burst:            cfg.RateLimit.Burst,
		RefillInterval:   cfg.RateLimit.RefillInterval,
		BackoffBase:      cfg.RateLimit.BackoffBase,
		BackoffCap:       cfg.RateLimit.BackoffCap,
		BreakerThreshold: cfg.RateLimit.BreakerThreshold,
		CoolDown:         cfg.RateLimit.CoolDown,
	})

	sink := syncer.New(store, syncer.Options{
		BatchSize:    cfg.Sync.BatchSize,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		RetryDelay:   cfg.Sync.RetryDelay,
		BatchTimeout: cfg.Sync.BatchTimeout,
	})

	orchestrator := crawler.New(limiter, sink, crawler.Options{
		PageTimeout:         cfg.Crawler.PageTimeout,
		MaxPageRetries:      cfg.Crawler.MaxPageRetries,
		MaxCaptchaRotations: cfg.Crawler.MaxCaptchaRotations,
		QueueSize:           cfg.Crawler.QueueSize,
		FlushEvery:          cfg.Crawler.FlushEvery,
		FailureRatePercent:  cfg.Crawler.FailureRatePercent,
	})

	registry := api.NewRegistry()
	orchestrator.SetReporter(registry)

	if *listen != "" {
		handlers := api.NewHandlers(registry, logger)
		if repo != nil {
			handlers = handlers.WithStore(repo, relay)
		}
		server := &http.Server{
			Addr:         *listen,
			Handler:      handlers.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info("status api listening", "addr", *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	pages := *maxPages
	if pages == 0 {
		pages = cfg.Crawler.MaxPages
	}
	job := models.NewCrawlJob(*platformName, *categoryURL, *pincode, pages)

	pager := crawler.NewSessionPager(manager, adapter, *categoryURL)
	defer pager.Close()

	err = orchestrator.Run(ctx, job, pager)

	if err != nil {
		logger.Error("crawl did not complete", "state", job.State, "error", err)
		return exitFailed
	}
	if job.Counters.Failed > 0 {
		logger.Warn("crawl completed with failed records", "failed", job.Counters.Failed)
		return exitFailed
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
