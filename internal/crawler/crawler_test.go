package crawler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ravenq/raven/internal/eventbus"
	"github.com/ravenq/raven/internal/httpclient"
	"github.com/ravenq/raven/internal/proxy"
	"github.com/ravenq/raven/internal/queue"
	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/session"
	"github.com/ravenq/raven/internal/storage/memstore"
)

// fakeClient is a scripted httpclient.Client: a URL in errorURLs fails that
// many times and then succeeds; every other URL succeeds with status 200.
type fakeClient struct {
	mu        sync.Mutex
	errorURLs map[string]int // url -> remaining error count before succeeding
}

func newFakeClient() *fakeClient {
	return &fakeClient{errorURLs: make(map[string]int)}
}

func (f *fakeClient) failNTimes(url string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorURLs[url] = n
}

func (f *fakeClient) Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	f.mu.Lock()
	remaining := f.errorURLs[req.URL]
	if remaining > 0 {
		f.errorURLs[req.URL] = remaining - 1
	}
	f.mu.Unlock()

	if remaining > 0 {
		return nil, fmt.Errorf("fakeClient: simulated network error")
	}
	return &httpclient.Response{StatusCode: 200, Headers: http.Header{}, Body: []byte("<html></html>"), FinalURL: req.URL}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *httpclient.Request) (*httpclient.StreamResponse, error) {
	return nil, fmt.Errorf("fakeClient: Stream not implemented")
}

func newTestCrawler(t *testing.T, opts Options, client *fakeClient, handler RequestHandlerFunc, failed FailedRequestHandlerFunc) (*Crawler, *queue.Queue) {
	t.Helper()
	ctx := context.Background()

	storageClient := memstore.New()
	q, err := queue.New(ctx, storageClient, queue.DefaultOptions("test"), nil)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	sessPool := session.New(session.DefaultOptions("test"), memstore.NewKVStore(""), nil)
	proxyPool, err := proxy.New(proxy.Options{Tiers: [][]string{{"http://proxy-a:8080"}}}, nil)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}

	opts.Pool.PollInterval = 5 * time.Millisecond
	opts.Pool.MinConcurrency = 1
	opts.Pool.MaxConcurrency = 4

	c, err := New(opts, Deps{
		Queue:      q,
		Sessions:   sessPool,
		Proxies:    proxyPool,
		Bus:        eventbus.New(nil),
		HTTPClient: client,
		Handler:    handler,
		FailedHandler: failed,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, q
}

func TestHandlerSucceedsMarksRequestDone(t *testing.T) {
	opts := DefaultOptions()
	client := newFakeClient()

	var handled atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		handled.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/a", "", nil)
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected handler called once, got %d", handled.Load())
	}
	if c.HandledCount() != 1 {
		t.Fatalf("expected HandledCount 1, got %d", c.HandledCount())
	}
}

func TestMaxRequestRetriesZeroFailsImmediately(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRequestRetries = 0
	client := newFakeClient()
	client.failNTimes("https://example.com/a", 10) // always fails

	var failedCalls atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		t.Fatal("handler should never run for a request that never navigates successfully")
		return nil
	}, func(ctx context.Context, req *request.Request, err error) {
		failedCalls.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/a", "", nil)
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if failedCalls.Load() != 1 {
		t.Fatalf("expected exactly one failed-request callback, got %d", failedCalls.Load())
	}
}

func TestNoRetryFailsOnFirstRetryableError(t *testing.T) {
	opts := DefaultOptions()
	client := newFakeClient()
	client.failNTimes("https://example.com/a", 10)

	var failedCalls atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		return nil
	}, func(ctx context.Context, req *request.Request, err error) {
		failedCalls.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/a", "", nil)
	req.NoRetry = true
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if failedCalls.Load() != 1 {
		t.Fatalf("expected exactly one failed-request callback, got %d", failedCalls.Load())
	}
}

func TestRequestSucceedsAfterTransientRetries(t *testing.T) {
	opts := DefaultOptions()
	client := newFakeClient()
	client.failNTimes("https://example.com/a", 2) // fails twice, succeeds on 3rd attempt

	var handled atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		handled.Add(1)
		return nil
	}, func(ctx context.Context, req *request.Request, err error) {
		t.Fatalf("request should eventually succeed, not fail: %v", err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/a", "", nil)
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected handler to run exactly once after retries succeeded, got %d", handled.Load())
	}
}

func TestMaxRequestsPerCrawlBoundsHandledCount(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRequestsPerCrawl = 2
	client := newFakeClient()

	var handled atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		handled.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		req, _ := request.New(fmt.Sprintf("https://example.com/%d", i), "", nil)
		if _, err := q.AddRequest(ctx, req, false); err != nil {
			t.Fatalf("AddRequest: %v", err)
		}
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled.Load() != 2 {
		t.Fatalf("expected handler to run exactly 2 times, got %d", handled.Load())
	}
	if c.HandledCount() != 2 {
		t.Fatalf("expected HandledCount 2, got %d", c.HandledCount())
	}
}

func TestHandlerErrorRetriesThenFails(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRequestRetries = 1
	client := newFakeClient()

	var attempts atomic.Int32
	var failedCalls atomic.Int32
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		attempts.Add(1)
		return fmt.Errorf("handler always fails")
	}, func(ctx context.Context, req *request.Request, err error) {
		failedCalls.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/a", "", nil)
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts.Load() != 2 { // first attempt + 1 retry
		t.Fatalf("expected handler invoked twice (initial + 1 retry), got %d", attempts.Load())
	}
	if failedCalls.Load() != 1 {
		t.Fatalf("expected exactly one failed-request callback, got %d", failedCalls.Load())
	}
}

func TestEnqueueLinksAddsDiscoveredRequests(t *testing.T) {
	opts := DefaultOptions()
	client := newFakeClient()

	var sawChild atomic.Bool
	c, q := newTestCrawler(t, opts, client, func(ctx context.Context, hc *HandlerContext) error {
		if hc.Request.URL == "https://example.com/child" {
			sawChild.Store(true)
			return nil
		}
		return hc.AddRequest(ctx, "https://example.com/child", false)
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := request.New("https://example.com/parent", "", nil)
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawChild.Load() {
		t.Fatal("expected discovered child request to be processed")
	}
}
