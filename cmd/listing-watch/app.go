package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/config"
	"github.com/nepremicninko/listing-watch/pkg/crawler"
	"github.com/nepremicninko/listing-watch/pkg/fetch"
	"github.com/nepremicninko/listing-watch/pkg/guard"
	"github.com/nepremicninko/listing-watch/pkg/metrics"
	"github.com/nepremicninko/listing-watch/pkg/models"
	"github.com/nepremicninko/listing-watch/pkg/notify"
	"github.com/nepremicninko/listing-watch/pkg/orchestrate"
	"github.com/nepremicninko/listing-watch/pkg/parse"
	"github.com/nepremicninko/listing-watch/pkg/storage"
	"github.com/nepremicninko/listing-watch/pkg/watch"
)

// app holds the wired components of a running process
type app struct {
	cfg       *config.AppConfig
	log       *logrus.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     storage.Store
	scheduler *watch.Scheduler
	closers   []func()
}

// buildApp wires every component from validated config
func buildApp(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			log.Errorf("Failed to close store: %v", err)
		}
	})

	pageFetcher, closeFetcher := buildPageFetcher(cfg, log)
	if closeFetcher != nil {
		a.closers = append(a.closers, closeFetcher)
	}

	extractor := parse.NewHTMLExtractor(cfg.Extract, cfg.Crawl, log.WithField("component", "extract"))
	pacer := fetch.NewRateLimiter(cfg.Crawl.PageDelay, log.WithField("component", "pacer"))
	walker := crawler.NewWalker(pageFetcher, extractor, store, pacer, crawler.WalkerOptions{
		MaxPages:       cfg.Crawl.MaxPages,
		PageDelay:      cfg.Crawl.PageDelay,
		PageQueryParam: cfg.Crawl.PageQueryParam,
		RecordTimeout:  cfg.Crawl.RecordTimeout,
	}, a.metrics, log.WithField("component", "walker"))

	g := guard.New(store, cfg.Database.AutoFlushEnabled(), a.metrics, log.WithField("component", "guard"))

	notifier := notify.New(cfg.Notify, nil, a.metrics, log.WithField("component", "notify"))
	var alerter notify.Alerter
	if cfg.Notify.AlertOnError {
		alerter = notifier
	}

	orch := orchestrate.NewOrchestrator(walker, g, notifier, orchestrate.Options{
		URLDelay: cfg.Crawl.URLDelay,
		Alerter:  alerter,
		Counter:  store,
		Metrics:  a.metrics,
	}, log.WithField("component", "orchestrator"))

	policy, err := watch.PolicyFromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	urls := cfg.URLs
	cycle := func(ctx context.Context) (*models.CrawlCycleResult, error) {
		return orch.RunCycle(ctx, urls)
	}
	a.scheduler = watch.NewScheduler(cycle, policy, watch.NewStateManager(cfg.StateDir), alerter, a.metrics,
		log.WithField("component", "scheduler"))
	return a, nil
}

// Close releases components in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openStore opens the configured listing store
func openStore(ctx context.Context, db config.DatabaseConfig, log *logrus.Logger) (storage.Store, error) {
	storeLog := log.WithField("component", "store")
	switch db.Driver {
	case config.DriverPostgres:
		log.Info("Using postgres listing store")
		s, err := storage.NewPostgresStore(ctx, db.DSN, storeLog)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		log.Infof("Using badger listing store at %s", db.Path)
		s, err := storage.NewBadgerStore(db.Path, storeLog)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// buildPageFetcher returns the configured fetcher and an optional cleanup func
func buildPageFetcher(cfg *config.AppConfig, log *logrus.Logger) (fetch.PageFetcher, func()) {
	fetchLog := log.WithField("component", "fetch")
	if cfg.Crawl.Fetcher == config.FetcherBrowser {
		b := fetch.NewBrowserFetcher(fetch.BrowserOptions{
			ChromePath:   cfg.Crawl.ChromePath,
			UserAgent:    cfg.Crawl.UserAgent,
			CookieReject: cfg.Crawl.CookieRejectSelector,
			Timeout:      cfg.Crawl.FetchTimeout,
		}, fetchLog)
		return b, b.Close
	}

	client := fetch.NewClient(cfg.HTTPClientSettings, fetchLog)
	fetcher := fetch.NewFetcher(client, fetch.RetryPolicyFromConfig(cfg), fetchLog)
	var robots *fetch.RobotsChecker
	if cfg.Crawl.RespectRobots {
		robots = fetch.NewRobotsChecker(fetcher, cfg.Crawl.UserAgent, fetchLog)
	}
	return fetch.NewHTTPFetcher(fetcher, robots, cfg.Crawl.UserAgent, cfg.Crawl.FetchTimeout, fetchLog), nil
}

// setupLogger creates a logger from config; levelOverride wins over the config level when set.
// The returned func closes the log file, if any.
func setupLogger(cfg config.LogConfig, levelOverride string) (*logrus.Logger, func(), error) {
	log := logrus.New()
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
	log.SetLevel(logrus.InfoLevel)

	levelStr := cfg.Level
	if levelOverride != "" {
		levelStr = levelOverride
	}
	if levelStr != "" {
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", levelStr, err)
		} else {
			log.SetLevel(level)
		}
	}

	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		closeFn = func() { _ = f.Close() }
	}
	return log, closeFn, nil
}

// startMetricsServer serves /metrics and /debug/pprof on addr. Returns nil when addr is empty.
func startMetricsServer(addr string, reg *prometheus.Registry, log *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in metrics server: %v", r)
			}
		}()
		log.Infof("Serving metrics at http://%s/metrics and pprof at http://%s/debug/pprof/", addr, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server failed on %s: %v", addr, err)
		}
	}()
	return srv
}

// logAppConfig logs the effective configuration
func logAppConfig(cfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: %d urls, StateDir:%s, Database:%s, Fetcher:%s",
		len(cfg.URLs), cfg.StateDir, cfg.Database.Driver, cfg.Crawl.Fetcher)
	log.Infof("Config Scheduler: Interval:%s, Cooldown:%v, CycleTimeout:%v, MaxAttempts:%d, RetryDelay:%v, Timezone:%s",
		watch.FormatInterval(cfg.Scheduler.Interval()), cfg.Scheduler.Cooldown, cfg.CycleTimeout(),
		cfg.Scheduler.MaxAttempts, cfg.Scheduler.RetryDelay, cfg.Scheduler.Timezone)
	log.Infof("Config Crawl: MaxPages:%d, PageDelay:%v, URLDelay:%v, FetchTimeout:%v, Robots:%t",
		cfg.Crawl.MaxPages, cfg.Crawl.PageDelay, cfg.Crawl.URLDelay, cfg.Crawl.FetchTimeout, cfg.Crawl.RespectRobots)
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		cfg.MaxRetries, cfg.InitialRetryDelay, cfg.MaxRetryDelay)
	log.Infof("Config Notify: Discord:%t, AlertOnError:%t, ChunkSize:%d, AutoFlush:%t",
		cfg.Notify.DiscordWebhookURL != "", cfg.Notify.AlertOnError, cfg.Notify.ChunkSize, cfg.Database.AutoFlushEnabled())
}
