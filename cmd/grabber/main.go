package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/downloader"
	"github.com/aluiziolira/go-batch-grabber/hashindex"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/pipeline"
	"github.com/aluiziolira/go-batch-grabber/scheduler"
)

type cliOptions struct {
	configPath    string
	input         string
	path          string
	favorites     string
	filename      string
	simultaneous  int
	retries       int
	duplicates    string
	keepDeleted   bool
	overwrite     bool
	endAction     string
	report        string
	format        string
	hashIndex     string
	redisURL      string
	rps           float64
	scan          bool
	metricsAddr   string
	verbose       bool
	allowShutdown bool
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	defaultCfg := config.DefaultConfig()
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", os.Getenv("GRABBER_CONFIG"), "YAML settings file")
	flag.StringVar(&opts.input, "input", "-", "Item list in JSON lines, - for stdin")
	flag.StringVar(&opts.path, "path", defaultCfg.PrimaryRoot, "Primary destination root")
	flag.StringVar(&opts.favorites, "favorites-path", "", "Favorites destination root")
	flag.StringVar(&opts.filename, "filename", defaultCfg.FilenameTemplate, "Filename template")
	flag.IntVar(&opts.simultaneous, "simultaneous", defaultCfg.Simultaneous, "Number of concurrent downloads")
	flag.IntVar(&opts.retries, "retries", defaultCfg.MaxAutomaticRetries, "Automatic retries per entry")
	flag.StringVar(&opts.duplicates, "duplicates", string(defaultCfg.Md5Duplicates), "Duplicate policy: save, copy, move, or ignore")
	flag.BoolVar(&opts.keepDeleted, "keep-deleted", defaultCfg.KeepDeletedMd5, "Remember hashes of deleted files")
	flag.BoolVar(&opts.overwrite, "overwrite", defaultCfg.Overwrite, "Overwrite existing files with different content")
	flag.StringVar(&opts.endAction, "end-action", string(defaultCfg.EndAction), "Action once the batch completes")
	flag.StringVar(&opts.report, "report", defaultCfg.ReportFile, "Batch report file")
	flag.StringVar(&opts.format, "format", defaultCfg.ReportFormat, "Report format: csv, json, or dual")
	flag.StringVar(&opts.hashIndex, "hash-index", defaultCfg.HashIndex, "Hash index backend: memory, file, or redis")
	flag.StringVar(&opts.redisURL, "redis-url", "", "Redis URL for the redis hash index")
	flag.Float64Var(&opts.rps, "rps", 0, "Request rate limit, 0 disables pacing")
	flag.BoolVar(&opts.scan, "scan", false, "Hash existing files of each root before downloading")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flag.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	flag.BoolVar(&opts.allowShutdown, "allow-shutdown", false, "Let the shutdown end action power off the machine")
	flag.Parse()

	cfg, err := buildConfig(opts, flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	entries, err := loadEntries(opts.input)
	if err != nil {
		slog.Error("reading item list", slog.Any("error", err))
		os.Exit(1)
	}
	if len(entries) == 0 {
		slog.Warn("item list is empty, nothing to do")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, cancelling in-flight downloads")
	}()

	fs := afero.NewOsFs()

	backend, err := newIndexBackend(ctx, cfg, fs, logger)
	if err != nil {
		slog.Error("opening hash index", slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.close()

	journal, err := hashindex.OpenJournal(fs, cfg.DeletedLog)
	if err != nil {
		slog.Error("opening deleted-hash journal", slog.Any("error", err))
		os.Exit(1)
	}

	client := &http.Client{Timeout: cfg.Timeout}
	dl := downloader.New(cfg, fs, client, logger,
		downloader.WithIndexOpener(backend.open),
		downloader.WithJournal(journal),
	)
	defer func() {
		if err := dl.Close(); err != nil {
			slog.Error("close hash indexes", slog.Any("error", err))
		}
	}()

	writer, err := pipeline.NewWriter(fs, cfg.ReportFormat, cfg.ReportFile)
	if err != nil {
		slog.Error("creating report writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close report writer", slog.Any("error", err))
		}
	}()

	// The report outlives a cancelled batch so cancelled entries get a row.
	report := pipeline.NewPipeline(context.WithoutCancel(ctx), writer, cfg)
	report.SetLogger(logger)
	report.Start(1)
	if cfg.Verbose {
		report.LogStats(10 * time.Second)
	}

	metrics := scheduler.NewMetrics()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	observer := newBatchObserver(report, logger)
	sched := scheduler.New(cfg, dl, logger,
		scheduler.WithObserver(observer),
		scheduler.WithMetrics(metrics),
	)

	slog.Info("starting batch",
		slog.Int("entries", len(entries)),
		slog.String("path", cfg.PrimaryRoot),
		slog.Int("simultaneous", cfg.Simultaneous),
		slog.String("duplicates", string(cfg.Md5Duplicates)),
	)

	if err := sched.Add(entries...); err != nil {
		slog.Error("queueing entries", slog.Any("error", err))
		os.Exit(1)
	}
	sched.Close()
	if err := sched.Start(ctx); err != nil {
		slog.Error("starting batch", slog.Any("error", err))
		os.Exit(1)
	}

	summary, err := sched.Wait(context.Background())
	if err != nil {
		slog.Error("waiting for batch", slog.Any("error", err))
		os.Exit(1)
	}

	if err := report.Close(); err != nil {
		slog.Error("report shutdown failed", slog.Any("error", err))
	} else if err := writer.Validate(); err != nil {
		slog.Error("report validation failed", slog.Any("error", err))
	}
	logger.Debug("report closed", slog.Any("report", report.Stats()))

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	reported, dropped := observer.counts()
	printSummary(os.Stdout, summary, cfg.ReportFile, reported, dropped)

	if action, ok := sched.EndAction(); ok {
		if err := runEndAction(action, cfg, opts.allowShutdown); err != nil {
			slog.Error("end action failed", slog.String("action", string(action)), slog.Any("error", err))
		}
	}
}

// buildConfig layers settings: defaults, YAML file, environment, then the
// flags set explicitly on the command line.
func buildConfig(opts cliOptions, flags *flag.FlagSet) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	var err error
	flags.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "path":
			cfg.PrimaryRoot = opts.path
		case "favorites-path":
			cfg.FavoritesRoot = opts.favorites
		case "filename":
			cfg.FilenameTemplate = opts.filename
		case "simultaneous":
			cfg.Simultaneous = opts.simultaneous
		case "retries":
			cfg.MaxAutomaticRetries = opts.retries
		case "duplicates":
			cfg.Md5Duplicates, err = config.ParseDuplicatePolicy(opts.duplicates)
		case "keep-deleted":
			cfg.KeepDeletedMd5 = opts.keepDeleted
		case "overwrite":
			cfg.Overwrite = opts.overwrite
		case "end-action":
			cfg.EndAction, err = config.ParseEndAction(opts.endAction)
		case "report":
			cfg.ReportFile = opts.report
		case "format":
			cfg.ReportFormat = strings.ToLower(opts.format)
		case "hash-index":
			cfg.HashIndex = strings.ToLower(opts.hashIndex)
		case "redis-url":
			cfg.RedisURL = opts.redisURL
		case "rps":
			cfg.RequestsPerSecond = opts.rps
		case "scan":
			cfg.ScanRootsOnStart = opts.scan
		case "metrics-addr":
			cfg.MetricsAddr = opts.metricsAddr
		case "v":
			cfg.Verbose = opts.verbose
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("GRABBER_PATH"); ok {
		cfg.PrimaryRoot = value
	}
	if value, ok := config.EnvString("GRABBER_FAVORITES_PATH"); ok {
		cfg.FavoritesRoot = value
	}
	if value, ok, err := config.EnvInt("GRABBER_SIMULTANEOUS"); err != nil {
		return fmt.Errorf("invalid GRABBER_SIMULTANEOUS: %w", err)
	} else if ok {
		cfg.Simultaneous = value
	}
	if value, ok, err := config.EnvInt("GRABBER_RETRIES"); err != nil {
		return fmt.Errorf("invalid GRABBER_RETRIES: %w", err)
	} else if ok {
		cfg.MaxAutomaticRetries = value
	}
	if value, ok := config.EnvString("GRABBER_DUPLICATES"); ok {
		policy, err := config.ParseDuplicatePolicy(value)
		if err != nil {
			return fmt.Errorf("invalid GRABBER_DUPLICATES: %w", err)
		}
		cfg.Md5Duplicates = policy
	}
	if value, ok, err := config.EnvBool("GRABBER_KEEP_DELETED"); err != nil {
		return fmt.Errorf("invalid GRABBER_KEEP_DELETED: %w", err)
	} else if ok {
		cfg.KeepDeletedMd5 = value
	}
	if value, ok := config.EnvString("GRABBER_HASH_INDEX"); ok {
		cfg.HashIndex = strings.ToLower(value)
	}
	if value, ok := config.EnvString("GRABBER_REDIS_URL"); ok {
		cfg.RedisURL = value
	}
	if value, ok := config.EnvString("GRABBER_REPORT"); ok {
		cfg.ReportFile = value
	}
	if value, ok := config.EnvString("GRABBER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := config.EnvString("GRABBER_USER_AGENT"); ok {
		cfg.UserAgent = value
	}
	return nil
}

func loadEntries(input string) ([]models.QueueEntry, error) {
	if input == "" || input == "-" {
		return readEntries(os.Stdin)
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open item list: %w", err)
	}
	defer f.Close()
	return readEntries(f)
}

func printSummary(w io.Writer, sum models.BatchSummary, reportFile string, reported, dropped int) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Batch complete")

	duration := sum.EndTime.Sub(sum.StartTime)
	if sum.StartTime.IsZero() {
		duration = 0
	}
	fmt.Fprintf(w, "  Total entries: %d\n", sum.Total)
	fmt.Fprintf(w, "  Succeeded:     %d (%d duplicates handled)\n", sum.Succeeded, sum.DuplicateHandled)
	fmt.Fprintf(w, "  Failed:        %d\n", sum.Failed)
	fmt.Fprintf(w, "  Skipped:       %d\n", sum.Skipped)
	fmt.Fprintf(w, "  Cancelled:     %d\n", sum.Cancelled)
	fmt.Fprintf(w, "  Retries:       %d\n", sum.Retries)
	fmt.Fprintf(w, "  Bytes:         %d\n", sum.Bytes)
	if len(sum.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", sum.ErrorsByType)
	}
	for _, u := range sum.FailedURLs {
		fmt.Fprintf(w, "  Failed URL:    %s\n", u)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	if seconds := duration.Seconds(); seconds > 0 {
		fmt.Fprintf(w, "  Throughput:    %.2f KiB/s\n", float64(sum.Bytes)/1024/seconds)
	}
	fmt.Fprintf(w, "  Report:        %s (%d rows", reportFile, reported)
	if dropped > 0 {
		fmt.Fprintf(w, ", %d dropped", dropped)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "  End action:    %s\n", sum.EndAction)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
