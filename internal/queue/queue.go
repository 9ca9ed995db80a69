// Package queue implements the durable, deduplicated, ordered request
// queue: FIFO with forefront/back insertion, per-item leasing, and
// forward-progress detection, layered over a narrow storage.Client
// collaborator that does the actual persistence and lease bookkeeping
// (adapted from an in-memory priority Frontier, generalized from a
// min-heap to a FIFO + forefront model).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/storage"
)

// Options configures a Queue.
type Options struct {
	// Name identifies the queue with the storage backend.
	Name string

	// DefaultLockSecs is the lease duration granted by FetchNextRequest.
	DefaultLockSecs int

	// ForwardProgressWindow bounds how long IsFinished waits after the
	// last lease/handle/reclaim/add before declaring the queue finished,
	// even though no ready or in-progress requests remain.
	ForwardProgressWindow time.Duration

	// HeadPeekLimit bounds how many ready requests ListHead probes for
	// IsFinished checks (IsEmpty always probes one).
	HeadPeekLimit int
}

// DefaultOptions are the package's documented defaults.
func DefaultOptions(name string) Options {
	return Options{
		Name:                  name,
		DefaultLockSecs:       180,
		ForwardProgressWindow: 60 * time.Second,
		HeadPeekLimit:         2,
	}
}

// Queue is the crawler-facing request queue.
type Queue struct {
	client  storage.Client
	handle  storage.QueueHandle
	opts    Options
	logger  *slog.Logger

	mu             sync.Mutex
	lastActivityAt time.Time
}

// New looks up or creates the named queue against client and returns a
// ready-to-use Queue.
func New(ctx context.Context, client storage.Client, opts Options, logger *slog.Logger) (*Queue, error) {
	if opts.DefaultLockSecs <= 0 {
		opts.DefaultLockSecs = 180
	}
	if opts.ForwardProgressWindow <= 0 {
		opts.ForwardProgressWindow = 60 * time.Second
	}
	if opts.HeadPeekLimit <= 0 {
		opts.HeadPeekLimit = 2
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	handle, err := client.GetOrCreateQueue(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("queue: get or create %q: %w", opts.Name, err)
	}

	return &Queue{
		client:         client,
		handle:         handle,
		opts:           opts,
		logger:         logger.With("component", "queue", "queue", opts.Name),
		lastActivityAt: time.Now(),
	}, nil
}

func (q *Queue) touch() {
	q.mu.Lock()
	q.lastActivityAt = time.Now()
	q.mu.Unlock()
}

// AddRequest adds r iff no entry shares its UniqueKey.
func (q *Queue) AddRequest(ctx context.Context, r *request.Request, forefront bool) (storage.AddResult, error) {
	res, err := q.client.AddRequest(ctx, q.handle.ID, r, storage.AddOptions{Forefront: forefront})
	if err != nil {
		return storage.AddResult{}, fmt.Errorf("queue: add request: %w", err)
	}
	if !res.WasAlreadyPresent {
		q.touch()
	}
	return res, nil
}

// AddRequestsBatch adds many requests; a storage failure for one item
// never rejects the batch.
func (q *Queue) AddRequestsBatch(ctx context.Context, reqs []*request.Request) (storage.BatchResult, error) {
	res, err := q.client.BatchAddRequests(ctx, q.handle.ID, reqs)
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("queue: batch add: %w", err)
	}
	if len(res.Processed) > 0 {
		q.touch()
	}
	return res, nil
}

// FetchNextRequest acquires a lease on one ready request, or returns
// (nil, nil) if none is currently available.
func (q *Queue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	listing, err := q.client.ListAndLockHead(ctx, q.handle.ID, 1, q.opts.DefaultLockSecs)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch next: %w", err)
	}
	if len(listing.Items) == 0 {
		return nil, nil
	}
	q.touch()
	return listing.Items[0], nil
}

// MarkRequestHandled ends the lease and transitions the request to Done.
// Idempotent: calling it again on an already-Done request is a no-op.
func (q *Queue) MarkRequestHandled(ctx context.Context, r *request.Request) error {
	current, err := q.client.GetRequest(ctx, q.handle.ID, r.ID)
	if err != nil {
		return fmt.Errorf("queue: mark handled: %w", err)
	}
	if current.State == request.Done {
		return nil
	}
	current.State = request.Done
	current.HandledAt = time.Now()
	current.LoadedURL = r.LoadedURL
	if err := q.client.UpdateRequest(ctx, q.handle.ID, current); err != nil {
		return fmt.Errorf("queue: mark handled: %w", err)
	}
	q.touch()
	return nil
}

// ReclaimRequest stores r's current fields (such as RetryCount and
// ErrorMessages), ends the lease and returns the request to Unprocessed.
// The request keeps its existing place in the queue order; forefront does
// not move it to the head or the tail.
func (q *Queue) ReclaimRequest(ctx context.Context, r *request.Request, forefront bool) error {
	if err := q.client.UpdateRequest(ctx, q.handle.ID, r.Clone()); err != nil {
		return fmt.Errorf("queue: reclaim: %w", err)
	}
	if err := q.client.DeleteRequestLock(ctx, q.handle.ID, r.ID); err != nil {
		return fmt.Errorf("queue: reclaim: %w", err)
	}
	q.touch()
	return nil
}

// ProlongRequestLock extends an active lease.
func (q *Queue) ProlongRequestLock(ctx context.Context, id string, lockSecs int) error {
	if lockSecs <= 0 {
		lockSecs = q.opts.DefaultLockSecs
	}
	if err := q.client.ProlongRequestLock(ctx, q.handle.ID, id, lockSecs); err != nil {
		return fmt.Errorf("queue: prolong lock: %w", err)
	}
	return nil
}

// IsEmpty reports whether no visible ready head exists. Locked requests
// count as absent.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	listing, err := q.client.ListHead(ctx, q.handle.ID, 1)
	if err != nil {
		return false, fmt.Errorf("queue: is empty: %w", err)
	}
	return len(listing.Items) == 0, nil
}

// HasMoreRequests is the IsTaskReadyFunc the autoscaled pool polls.
func (q *Queue) HasMoreRequests(ctx context.Context) bool {
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		q.logger.Error("has more requests check failed", "error", err)
		return false
	}
	return !empty
}

// IsFinished reports whether no ready and no in-progress requests remain,
// and no queue activity (add, lease, handle or reclaim) has happened within
// the forward-progress window — the
// window guards against declaring victory while another worker still
// holds a lease that simply hasn't shown up in this peek yet.
func (q *Queue) IsFinished(ctx context.Context) (bool, error) {
	listing, err := q.client.ListHead(ctx, q.handle.ID, q.opts.HeadPeekLimit)
	if err != nil {
		return false, fmt.Errorf("queue: is finished: %w", err)
	}
	if len(listing.Items) > 0 || listing.HasLockedRequests {
		return false, nil
	}

	q.mu.Lock()
	since := time.Since(q.lastActivityAt)
	q.mu.Unlock()

	return since >= q.opts.ForwardProgressWindow, nil
}

// Close releases the underlying storage client.
func (q *Queue) Close() error {
	return q.client.Close()
}
