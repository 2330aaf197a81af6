package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nepremicninko/listing-watch/pkg/config"
	"github.com/nepremicninko/listing-watch/pkg/utils"
	"github.com/nepremicninko/listing-watch/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runDaemon(os.Args[2:], false)
	case "once":
		runDaemon(os.Args[2:], true)
	case "validate":
		runValidate(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "flush":
		runFlush(os.Args[2:])
	case "version":
		fmt.Printf("listing-watch %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `listing-watch - Real-estate listing watcher

Usage:
  listing-watch <command> [options]

Commands:
  run       Crawl on schedule and notify about new listings and price changes
  once      Run a single crawl cycle (with startup retries) and exit
  validate  Validate configuration file
  stats     Show stored listing count, fingerprints and scheduler state
  flush     Delete all stored listings
  version   Show version info

Run 'listing-watch <command> -h' for command-specific help.`)
}

// loadConfig loads the config file and applies environment overrides, without validating
func loadConfig(path string) (*config.AppConfig, error) {
	return config.Load(path)
}

// loadAndValidateConfig loads and validates the config, printing warnings to log
func loadAndValidateConfig(path string, log *logrus.Logger) (*config.AppConfig, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runDaemon handles the run and once subcommands
// loadRunConfig loads the config, applies command-line overrides and validates it.
// cfg is nil only when the file itself could not be loaded.
func loadRunConfig(path, intervalOverride, metricsOverride string) (*config.AppConfig, []string, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if intervalOverride != "" {
		d, err := watch.ParseInterval(intervalOverride)
		if err != nil {
			return cfg, nil, fmt.Errorf("%w: -interval: %w", utils.ErrConfigValidation, err)
		}
		cfg.Scheduler.IntervalMinutes = int(d / time.Minute)
	}
	if metricsOverride != "" {
		cfg.MetricsAddr = metricsOverride
	}
	warnings, err := cfg.Validate()
	return cfg, warnings, err
}

func runDaemon(args []string, once bool) {
	cmdName := "run"
	if once {
		cmdName = "once"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error), overrides config")
	interval := fs.String("interval", "", "Override scheduler interval (e.g. 15m, 1h, 1d)")
	metricsAddr := fs.String("metrics", "", "Serve /metrics and pprof on this address, overrides config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: listing-watch %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Bootstrap logger for config errors; replaced once config is known
	bootLog := logrus.New()
	cfg, warnings, err := loadRunConfig(*configFile, *interval, *metricsAddr)
	if cfg == nil {
		os.Exit(exitCode(err, bootLog))
	}
	log, closeLog, logErr := setupLogger(cfg.Log, *logLevel)
	if logErr != nil {
		bootLog.Fatalf("Logger setup failed: %v", logErr)
	}
	defer closeLog()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		// Empty URL list and other fatal config errors end the process
		code := exitCode(err, log)
		closeLog()
		os.Exit(code)
	}
	logAppConfig(cfg, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if srv := startMetricsServer(cfg.MetricsAddr, a.registry, log); srv != nil {
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	go a.store.RunGC(ctx, 10*time.Minute)

	var runErr error
	if once || !cfg.Scheduler.IsEnabled() {
		if !once {
			log.Info("Scheduler disabled, running a single cycle")
		}
		runErr = a.scheduler.RunWithRetry(ctx)
	} else {
		runErr = a.scheduler.Run(ctx)
	}

	code := exitCode(runErr, log)
	if code != 0 {
		a.Close()
		closeLog()
		os.Exit(code)
	}
	log.Info("listing-watch finished.")
}

// exitCode maps the outcome of a run to a process exit code
func exitCode(err error, log *logrus.Logger) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		log.Warn("Cancelled gracefully.")
		return 0
	case errors.Is(err, utils.ErrConfigValidation):
		log.Errorf("Configuration error: %v", err)
		return 2
	default:
		log.WithField("category", utils.CategorizeError(err)).Errorf("Finished with error: %v", err)
		return 1
	}
}

// signalContext returns a context cancelled by SIGINT/SIGTERM. A second signal forces exit.
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(60 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: listing-watch validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d urls, interval %s, cycle timeout %v, store %s\n",
		len(cfg.URLs), watch.FormatInterval(cfg.Scheduler.Interval()), cfg.CycleTimeout(), cfg.Database.Driver)
	for _, u := range cfg.URLs {
		fmt.Fprintf(stdout, "  %s\n", u)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runStats handles the stats subcommand
func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStats(context.Background(), *configFile, os.Stdout, os.Stderr))
}

// doStats prints what is stored. Returns exit code.
func doStats(ctx context.Context, configPath string, stdout, stderr io.Writer) int {
	log := quietLogger()
	cfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	count, err := store.CountListings(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fp, err := store.GetFingerprint(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Stored listings: %d\n", count)
	fmt.Fprintf(stdout, "URL hash:        %s\n", orNone(fp.URLHash))
	fmt.Fprintf(stdout, "Schema hash:     %s\n", orNone(fp.SchemaHash))

	sm := watch.NewStateManager(cfg.StateDir)
	if err := sm.Load(); err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
		return 0
	}
	st := sm.Snapshot()
	fmt.Fprintf(stdout, "Cycles:          %d (%d ok, %d timeout, %d failed, %d skipped)\n",
		st.Cycles, st.Successes, st.Timeouts, st.Failures, st.Skipped)
	if st.Last != nil {
		fmt.Fprintf(stdout, "Last cycle:      %s, %s in %v, %d events\n",
			st.Last.CompletedAt.Format(time.RFC3339), st.Last.Outcome, st.Last.Duration.Round(time.Second), st.Last.Events)
		if st.Last.Error != "" {
			fmt.Fprintf(stdout, "Last error:      %s\n", st.Last.Error)
		}
	}
	return 0
}

// runFlush handles the flush subcommand
func runFlush(args []string) {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	yes := fs.Bool("yes", false, "Confirm deletion of all stored listings")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doFlush(context.Background(), *configFile, *yes, os.Stdout, os.Stderr))
}

// doFlush deletes every stored listing when confirmed. Returns exit code.
func doFlush(ctx context.Context, configPath string, confirmed bool, stdout, stderr io.Writer) int {
	if !confirmed {
		fmt.Fprintln(stderr, "Refusing to flush without -yes")
		return 1
	}
	log := quietLogger()
	cfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	n, err := store.DeleteAllListings(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted %d listings.\n", n)
	return 0
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
