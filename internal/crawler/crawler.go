// Package crawler implements the crawler runtime: it glues
// the request queue, session pool, proxy tiers, autoscaled pool, and event
// bus together, owns the per-request lifecycle state machine (Leased →
// PreNavHooks → Navigated → Handler → PostHooks → Handled|Errored), and
// invokes an external RequestHandlerFunc for every successfully navigated
// request. Adapted from engine.Engine's lifecycle state machine, Stats,
// and Start/Stop/Pause/Resume controls, generalized from an engine-owned
// fetcher/parser/pipeline to narrower external collaborator interfaces
// (httpclient.Client/browser.Controller, linkextract.Extractor,
// requestlist.Source).
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ravenq/raven/internal/browser"
	"github.com/ravenq/raven/internal/eventbus"
	"github.com/ravenq/raven/internal/httpclient"
	"github.com/ravenq/raven/internal/linkextract"
	"github.com/ravenq/raven/internal/pool"
	"github.com/ravenq/raven/internal/proxy"
	"github.com/ravenq/raven/internal/queue"
	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/requestlist"
	"github.com/ravenq/raven/internal/session"
)

// RequestHandlerFunc processes one successfully navigated request. A
// returned error is classified as a handler-thrown failure: retried
// up to MaxRequestRetries, then handed to FailedRequestHandlerFunc.
type RequestHandlerFunc func(ctx context.Context, hc *HandlerContext) error

// FailedRequestHandlerFunc is invoked once a request exhausts its retry
// budget or fails a non-retryable classification. It never blocks the
// crawler on its own error; failures here are only logged.
type FailedRequestHandlerFunc func(ctx context.Context, req *request.Request, err error)

// Options configures crawler behavior beyond its collaborators.
type Options struct {
	MaxRequestRetries     int
	MaxRequestsPerCrawl   int // 0 means unbounded
	RequestHandlerTimeout time.Duration
	AbortGraceWindow      time.Duration

	// ConsecutiveTimeoutThreshold is how many consecutive navigation
	// timeouts against one session mark it bad.
	ConsecutiveTimeoutThreshold int

	// AcceptedContentTypes, if non-empty, fails (without retry) any
	// response whose Content-Type doesn't match one of these prefixes.
	AcceptedContentTypes []string

	// StorageErrorThreshold aborts the crawl after this many consecutive
	// queue/storage failures.
	StorageErrorThreshold int

	PersistStateInterval time.Duration
	SystemInfoInterval   time.Duration

	Pool pool.Options
}

// DefaultOptions are the package's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxRequestRetries:           3,
		RequestHandlerTimeout:       60 * time.Second,
		AbortGraceWindow:            30 * time.Second,
		ConsecutiveTimeoutThreshold: 3,
		StorageErrorThreshold:       5,
		PersistStateInterval:        60 * time.Second,
		SystemInfoInterval:          1 * time.Second,
		Pool:                        pool.DefaultOptions(),
	}
}

// Deps bundles every collaborator the crawler is built from. Queue,
// Sessions, Proxies, and Handler are required; at least one of HTTPClient
// or Browser must be set (Browser is used when both are); everything else
// is optional.
type Deps struct {
	Queue   *queue.Queue
	Sessions *session.Pool
	Proxies  *proxy.Pool
	Bus      *eventbus.Bus
	Sampler  pool.LoadSampler

	HTTPClient    httpclient.Client
	Browser       browser.Controller
	LinkExtractor linkextract.Extractor
	RequestSource requestlist.Source

	Handler       RequestHandlerFunc
	FailedHandler FailedRequestHandlerFunc
}

// Crawler is the runtime that drives requests from the queue through
// navigation, handler invocation, and outcome classification.
type Crawler struct {
	opts   Options
	logger *slog.Logger

	queue         *queue.Queue
	sessions      *session.Pool
	proxies       *proxy.Pool
	bus           *eventbus.Bus
	httpClient    httpclient.Client
	browser       browser.Controller
	linkExtractor linkextract.Extractor
	requestSource requestlist.Source
	handler       RequestHandlerFunc
	failedHandler FailedRequestHandlerFunc

	pool *pool.Pool

	handledCount     atomic.Int64
	storageErrStreak atomic.Int64

	abortOnce sync.Once
	abortedCh chan struct{}
}

// New validates deps, fills Options defaults, and wires the internal
// autoscaled pool. It does not start the crawl; call Run for that.
func New(opts Options, deps Deps, logger *slog.Logger) (*Crawler, error) {
	if deps.Queue == nil || deps.Sessions == nil || deps.Proxies == nil || deps.Handler == nil {
		return nil, fmt.Errorf("crawler: Queue, Sessions, Proxies, and Handler are required")
	}
	if deps.HTTPClient == nil && deps.Browser == nil {
		return nil, fmt.Errorf("crawler: one of HTTPClient or Browser is required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New(logger)
	}
	if opts.RequestHandlerTimeout <= 0 {
		opts.RequestHandlerTimeout = 60 * time.Second
	}
	if opts.AbortGraceWindow <= 0 {
		opts.AbortGraceWindow = 30 * time.Second
	}
	if opts.ConsecutiveTimeoutThreshold <= 0 {
		opts.ConsecutiveTimeoutThreshold = 3
	}
	if opts.StorageErrorThreshold <= 0 {
		opts.StorageErrorThreshold = 5
	}
	if opts.PersistStateInterval <= 0 {
		opts.PersistStateInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	c := &Crawler{
		opts:          opts,
		logger:        logger.With("component", "crawler"),
		queue:         deps.Queue,
		sessions:      deps.Sessions,
		proxies:       deps.Proxies,
		bus:           deps.Bus,
		httpClient:    deps.HTTPClient,
		browser:       deps.Browser,
		linkExtractor: deps.LinkExtractor,
		requestSource: deps.RequestSource,
		handler:       deps.Handler,
		failedHandler: deps.FailedHandler,
		abortedCh:     make(chan struct{}),
	}

	p, err := pool.New(opts.Pool, pool.Deps{
		IsTaskReady: c.isTaskReady,
		IsFinished:  c.isFinished,
		RunTask:     c.processOneRequest,
		OnError:     c.onTaskError,
		Sampler:     deps.Sampler,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("crawler: build pool: %w", err)
	}
	c.pool = p

	c.bus.Subscribe(eventbus.PersistState, func(ctx context.Context, _ any) error {
		return c.sessions.PersistState(ctx)
	})

	return c, nil
}

// CurrentConcurrency reports the pool's live concurrency bound.
func (c *Crawler) CurrentConcurrency() int64 { return c.pool.CurrentConcurrency() }

// HandledCount reports how many requests have completed their handler
// successfully so far.
func (c *Crawler) HandledCount() int64 { return c.handledCount.Load() }

// Pause stops new handler invocations from starting; in-flight ones run
// to completion.
func (c *Crawler) Pause() { c.pool.Pause() }

// Resume releases a Pause.
func (c *Crawler) Resume() { c.pool.Resume() }

// Abort requests an immediate stop. Run returns once in-flight handlers
// settle or AbortGraceWindow elapses, whichever comes first.
func (c *Crawler) Abort(ctx context.Context) {
	c.abortOnce.Do(func() {
		c.bus.Emit(ctx, eventbus.Aborting, nil)
		close(c.abortedCh)
	})
	c.pool.Abort()
}

// Run drains the bootstrap request-list source (if any), then drives the
// crawl until the queue is finished, MaxRequestsPerCrawl is reached, ctx
// is cancelled, or Abort is called.
func (c *Crawler) Run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		return fmt.Errorf("crawler: bootstrap: %w", err)
	}

	stopPersist := eventbus.StartPeriodicEmitter(ctx, c.bus, eventbus.PersistState, c.opts.PersistStateInterval, func() any {
		return struct{}{}
	})
	defer stopPersist()

	runDone := make(chan error, 1)
	go func() { runDone <- c.pool.Run(ctx) }()

	var err error
	select {
	case err = <-runDone:
	case <-c.abortedCh:
		select {
		case err = <-runDone:
		case <-time.After(c.opts.AbortGraceWindow):
			c.logger.Warn("abort grace window elapsed, returning without waiting for in-flight leases")
		}
	}

	c.bus.Emit(ctx, eventbus.Exit, nil)
	c.bus.WaitForAllListenersToComplete()
	return err
}

// bootstrap drains requestSource (if configured) and enqueues every URL
// at the forefront, preserving source order: since each forefront
// insertion is itself LIFO relative to other forefront insertions, the
// source is replayed back-to-front so the first URL it yielded ends up at
// the very head of the queue.
func (c *Crawler) bootstrap(ctx context.Context) error {
	if c.requestSource == nil {
		return nil
	}

	var urls []string
	for {
		u, ok, err := c.requestSource.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		urls = append(urls, u)
	}

	for i := len(urls) - 1; i >= 0; i-- {
		r, err := request.New(urls[i], "", nil)
		if err != nil {
			c.logger.Warn("bootstrap: invalid seed url", "url", urls[i], "error", err)
			continue
		}
		if _, err := c.queue.AddRequest(ctx, r, true); err != nil {
			c.logger.Warn("bootstrap: add request failed", "url", urls[i], "error", err)
		}
	}
	return nil
}

func (c *Crawler) isTaskReady(ctx context.Context) bool {
	if c.opts.MaxRequestsPerCrawl > 0 && c.handledCount.Load() >= int64(c.opts.MaxRequestsPerCrawl) {
		return false
	}
	return c.queue.HasMoreRequests(ctx)
}

func (c *Crawler) isFinished(ctx context.Context) (bool, error) {
	if c.opts.MaxRequestsPerCrawl > 0 && c.handledCount.Load() >= int64(c.opts.MaxRequestsPerCrawl) {
		return true, nil
	}
	return c.queue.IsFinished(ctx)
}

// onTaskError is the pool's ErrorHandler. A thrown task never
// tears down the pool by itself; but repeated storage failures are
// fatal, so a run of StorageErrorThreshold consecutive task errors (the
// only way processOneRequest itself returns an error, queue/storage
// failures) aborts the crawl.
func (c *Crawler) onTaskError(err error) {
	c.logger.Error("task error", "error", err)
	if n := c.storageErrStreak.Add(1); int(n) >= c.opts.StorageErrorThreshold {
		c.logger.Error("storage error threshold exceeded, aborting crawl", "threshold", c.opts.StorageErrorThreshold)
		c.pool.Abort()
	}
}
