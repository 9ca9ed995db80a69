package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravenq/raven/internal/browser/rodbrowser"
	"github.com/ravenq/raven/internal/config"
	"github.com/ravenq/raven/internal/crawler"
	"github.com/ravenq/raven/internal/httpclient/nethttp"
	"github.com/ravenq/raven/internal/linkextract/htmlextract"
	"github.com/ravenq/raven/internal/metrics"
	"github.com/ravenq/raven/internal/proxy"
	"github.com/ravenq/raven/internal/queue"
	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/session"
	"github.com/ravenq/raven/internal/storage"
	"github.com/ravenq/raven/internal/storage/memstore"
	"github.com/ravenq/raven/internal/storage/mongokv"
	"github.com/ravenq/raven/internal/storage/redisstore"

	"github.com/redis/go-redis/v9"
)

var (
	cfgFile      string
	verbose      bool
	purgeOnStart bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ravencrawl",
		Short: "ravencrawl — scheduling core for resumable, resource-adaptive web crawls",
		Long: `ravencrawl drives a durable request queue, a resource-adaptive autoscaled
pool, and a session/proxy-rotation reservoir through the per-request
navigate -> extract -> classify -> retry/fail lifecycle.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&purgeOnStart, "purge", false, "clear default storages before starting")
	rootCmd.PersistentFlags().Bool("no-purge", false, "do not clear default storages before starting (default)")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url]...",
		Short: "Start a crawl from one or more seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("purge") {
		cfg.Storage.PurgeOnStart = purgeOnStart
	}
	if noPurge, _ := cmd.Flags().GetBool("no-purge"); noPurge {
		cfg.Storage.PurgeOnStart = false
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageClient, kvStore, err := buildStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}

	q, err := queue.New(ctx, storageClient, queue.Options{
		Name:            cfg.Queue.Name,
		DefaultLockSecs: cfg.Queue.RequestLockSecs,
		HeadPeekLimit:   cfg.Queue.HeadFetchLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()

	sessOpts := session.DefaultOptions(cfg.Session.Name)
	sessOpts.MaxPoolSize = cfg.Session.MaxPoolSize
	sessOpts.SessionMaxUsageCount = cfg.Session.MaxUsageCount
	sessOpts.SessionMaxErrorScore = cfg.Session.MaxErrorScore
	if len(cfg.Session.BlockedStatusCodes) > 0 {
		sessOpts.BlockedStatusCodes = cfg.Session.BlockedStatusCodes
	}
	sessPool := session.New(sessOpts, kvStore, logger)

	tiers := cfg.Proxy.Tiers
	if len(tiers) == 0 {
		tiers = [][]string{{""}} // single direct-connection tier
	}
	proxyPool, err := proxy.New(proxy.Options{
		Tiers:               tiers,
		EscalationThreshold: cfg.Proxy.EscalationThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("create proxy pool: %w", err)
	}

	linkExtractor := htmlextract.New()

	crawlerOpts := crawler.DefaultOptions()
	crawlerOpts.MaxRequestRetries = cfg.Crawler.MaxRequestRetries
	crawlerOpts.MaxRequestsPerCrawl = cfg.Crawler.MaxRequestsPerCrawl
	crawlerOpts.RequestHandlerTimeout = cfg.Crawler.RequestHandlerTimeout
	crawlerOpts.AbortGraceWindow = cfg.Crawler.AbortGraceWindow
	crawlerOpts.ConsecutiveTimeoutThreshold = cfg.Crawler.ConsecutiveTimeoutThreshold
	crawlerOpts.AcceptedContentTypes = cfg.Crawler.AcceptedContentTypes
	crawlerOpts.StorageErrorThreshold = cfg.Crawler.StorageErrorThreshold
	crawlerOpts.PersistStateInterval = cfg.Crawler.PersistStateInterval
	crawlerOpts.Pool.MinConcurrency = cfg.Pool.MinConcurrency
	crawlerOpts.Pool.MaxConcurrency = cfg.Pool.MaxConcurrency
	crawlerOpts.Pool.MaxTasksPerMinute = cfg.Pool.MaxTasksPerMinute
	crawlerOpts.Pool.ScaleUpInterval = cfg.Pool.ScaleUpInterval
	crawlerOpts.Pool.ScaleDownInterval = cfg.Pool.ScaleDownInterval
	crawlerOpts.Pool.ScaleStepRatio = cfg.Pool.ScaleStepRatio
	crawlerOpts.Pool.PollInterval = cfg.Pool.PollInterval

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(logger)
		shutdown, err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
		if err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	deps := crawler.Deps{
		Queue:         q,
		Sessions:      sessPool,
		Proxies:       proxyPool,
		LinkExtractor: linkExtractor,
		Handler:       pageHandler(logger, m),
		FailedHandler: failedHandler(logger, m),
	}

	if cfg.Fetch.Type == "browser" {
		ctrl, err := rodbrowser.New(rodbrowser.Options{
			Headless: cfg.Fetch.BrowserHeadless,
			Stealth:  cfg.Fetch.BrowserStealth,
		}, logger)
		if err != nil {
			return fmt.Errorf("create browser controller: %w", err)
		}
		defer ctrl.Shutdown()
		deps.Browser = ctrl
	} else {
		deps.HTTPClient = nethttp.New(nethttp.Options{
			MaxIdleConns:    cfg.Fetch.MaxIdleConns,
			IdleConnTimeout: cfg.Fetch.IdleConnTimeout,
			TLSInsecure:     cfg.Fetch.TLSInsecure,
			MaxBodySize:     cfg.Fetch.MaxBodySize,
			FollowRedirects: cfg.Fetch.FollowRedirects,
			MaxRedirects:    cfg.Fetch.MaxRedirects,
		})
	}

	c, err := crawler.New(crawlerOpts, deps, logger)
	if err != nil {
		return fmt.Errorf("create crawler: %w", err)
	}

	for _, rawURL := range args {
		r, err := request.New(rawURL, "", nil)
		if err != nil {
			logger.Warn("seed skipped", "url", rawURL, "reason", err)
			continue
		}
		if _, err := q.AddRequest(ctx, r, true); err != nil {
			logger.Warn("seed enqueue failed", "url", rawURL, "reason", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, aborting crawl", "signal", sig)
		c.Abort(ctx)
	}()

	start := time.Now()
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("crawl run: %w", err)
	}
	elapsed := time.Since(start)

	logger.Info("crawl complete", "elapsed", elapsed, "handled", c.HandledCount())
	fmt.Printf("Crawl complete in %s — %d requests handled\n", elapsed.Round(time.Millisecond), c.HandledCount())
	return nil
}

// pageHandler is the default RequestHandlerFunc: discover and enqueue
// every link found on the page. Applications embedding this runtime would
// normally supply their own; this one exists so `ravencrawl crawl` is
// runnable end to end out of the box.
func pageHandler(logger *slog.Logger, m *metrics.Metrics) crawler.RequestHandlerFunc {
	return func(ctx context.Context, hc *crawler.HandlerContext) error {
		if m != nil {
			m.ResponseStatusClass(hc.StatusCode)
		}
		n, err := hc.EnqueueLinks(ctx)
		if err != nil {
			logger.Debug("link extraction skipped", "url", hc.Request.URL, "reason", err)
			return nil
		}
		logger.Info("page handled", "url", hc.Request.URL, "status", hc.StatusCode, "links_enqueued", n)
		if m != nil {
			m.HandledTotal.Inc()
		}
		return nil
	}
}

func failedHandler(logger *slog.Logger, m *metrics.Metrics) crawler.FailedRequestHandlerFunc {
	return func(ctx context.Context, req *request.Request, err error) {
		logger.Warn("request failed permanently", "url", req.URL, "error", err)
		if m != nil {
			m.RequestsFailed.Inc()
		}
	}
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Client, storage.KeyValueStore, error) {
	switch cfg.Storage.Type {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr, DB: cfg.Storage.RedisDB})
		return redisstore.New(rdb, "ravencrawl"), redisstore.NewKVStore(rdb, "ravencrawl"), nil
	case "mongo":
		store, err := mongokv.New(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, "sessions")
		if err != nil {
			return nil, nil, err
		}
		// mongokv backs the session snapshot store; request-queue storage
		// still needs an in-process storage.Client, memstore fits both.
		dir := storagePersistDir(cfg)
		if cfg.Storage.PurgeOnStart && dir != "" {
			os.RemoveAll(dir)
		}
		return memstore.New(memstore.WithDir(dir)), store, nil
	default:
		dir := storagePersistDir(cfg)
		if cfg.Storage.PurgeOnStart && dir != "" {
			os.RemoveAll(dir)
		}
		return memstore.New(memstore.WithDir(dir)), memstore.NewKVStore(dir), nil
	}
}

// storagePersistDir returns the on-disk snapshot directory for memstore,
// or "" when persistence is off (pure in-memory, nothing to purge).
func storagePersistDir(cfg *config.Config) string {
	if !cfg.Storage.Persist {
		return ""
	}
	return cfg.Storage.Dir
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ravencrawl %s\n", config.Version)
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
