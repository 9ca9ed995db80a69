// Package memstore is a single-process storage.Client implementation with
// optional file snapshotting, adapted from the JSONStorage/FileStorage
// layout: one directory per queue, one file per request named by request
// id. No metadata file is written: counters and the queue order are kept
// in memory only.
package memstore

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/storage"
)

// Client is an in-memory storage.Client. When a dir is set (WithDir), adds,
// updates, leases and reclaims rewrite the request's file under it; lock
// prolongations and lease-expiry sweeps do not, and this package never
// reads the files back.
type Client struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	dir    string
	logger *slog.Logger
}

type memQueue struct {
	id   string
	name string

	byID       map[string]*list.Element // id -> element in order
	order      *list.List               // *request.Request, FIFO with forefront support
	uniqueKeys map[string]string        // uniqueKey -> id
	seq        int64
}

// Option configures a Client.
type Option func(*Client)

// WithDir enables file snapshotting under the given base directory.
func WithDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithLogger attaches a logger; a Warn-level stderr text logger is used
// otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		queues: make(map[string]*memQueue),
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) GetOrCreateQueue(ctx context.Context, name string) (storage.QueueHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range c.queues {
		if q.name == name {
			return storage.QueueHandle{ID: q.id}, nil
		}
	}

	q := &memQueue{
		id:         uuid.NewString(),
		name:       name,
		byID:       make(map[string]*list.Element),
		order:      list.New(),
		uniqueKeys: make(map[string]string),
	}
	c.queues[q.id] = q

	if c.dir != "" {
		if err := os.MkdirAll(filepath.Join(c.dir, q.id), 0o755); err != nil {
			return storage.QueueHandle{}, fmt.Errorf("memstore: create queue dir: %w", err)
		}
	}

	return storage.QueueHandle{ID: q.id}, nil
}

func (c *Client) queue(id string) (*memQueue, error) {
	q, ok := c.queues[id]
	if !ok {
		return nil, fmt.Errorf("memstore: %w: queue %s", request.ErrNotFound, id)
	}
	return q, nil
}

func (c *Client) AddRequest(ctx context.Context, queueID string, r *request.Request, opts storage.AddOptions) (storage.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return storage.AddResult{}, err
	}
	return c.addLocked(q, r, opts)
}

func (c *Client) addLocked(q *memQueue, r *request.Request, opts storage.AddOptions) (storage.AddResult, error) {
	if existingID, ok := q.uniqueKeys[r.UniqueKey]; ok {
		el := q.byID[existingID]
		existing := el.Value.(*request.Request)
		return storage.AddResult{
			ID:                existingID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.State == request.Done,
		}, nil
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.State = request.Unprocessed
	q.seq++

	var el *list.Element
	if opts.Forefront {
		el = q.order.PushFront(r)
	} else {
		el = q.order.PushBack(r)
	}
	q.byID[r.ID] = el
	q.uniqueKeys[r.UniqueKey] = r.ID

	c.persistLocked(q, r)

	return storage.AddResult{ID: r.ID}, nil
}

func (c *Client) BatchAddRequests(ctx context.Context, queueID string, reqs []*request.Request) (storage.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return storage.BatchResult{}, err
	}

	var result storage.BatchResult
	for _, r := range reqs {
		res, err := c.addLocked(q, r, storage.AddOptions{})
		if err != nil {
			result.Unprocessed = append(result.Unprocessed, r)
			continue
		}
		result.Processed = append(result.Processed, res)
	}
	return result, nil
}

func (c *Client) GetRequest(ctx context.Context, queueID, id string) (*request.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return nil, err
	}
	el, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("memstore: %w: request %s", request.ErrNotFound, id)
	}
	return el.Value.(*request.Request).Clone(), nil
}

func (c *Client) UpdateRequest(ctx context.Context, queueID string, r *request.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return err
	}
	el, ok := q.byID[r.ID]
	if !ok {
		return fmt.Errorf("memstore: %w: request %s", request.ErrNotFound, r.ID)
	}
	el.Value = r
	c.persistLocked(q, r)
	return nil
}

// ListHead peeks at up to limit ready (Unprocessed, unlocked) requests
// without acquiring a lease. Locked requests count as absent from the
// visible head but set HasLockedRequests so callers can distinguish "empty"
// from "all leased".
func (c *Client) ListHead(ctx context.Context, queueID string, limit int) (storage.HeadListing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return storage.HeadListing{}, err
	}

	c.sweepExpiredLocksLocked(q)

	var listing storage.HeadListing
	for el := q.order.Front(); el != nil && len(listing.Items) < limit; el = el.Next() {
		r := el.Value.(*request.Request)
		if r.State != request.Unprocessed {
			continue
		}
		if !r.LockExpiresAt.IsZero() && time.Now().Before(r.LockExpiresAt) {
			listing.HasLockedRequests = true
			continue
		}
		listing.Items = append(listing.Items, r.Clone())
	}
	return listing, nil
}

// ListAndLockHead is the atomic lease-acquiring read: it finds the
// lowest-sequence ready request(s), stamps LockExpiresAt, and flips the
// state to InProgress before returning copies.
func (c *Client) ListAndLockHead(ctx context.Context, queueID string, limit int, lockSecs int) (storage.LockedListing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return storage.LockedListing{}, err
	}

	c.sweepExpiredLocksLocked(q)

	listing := storage.LockedListing{LockSecs: lockSecs, QueueModifiedAt: time.Now()}
	for el := q.order.Front(); el != nil && len(listing.Items) < limit; el = el.Next() {
		r := el.Value.(*request.Request)
		if r.State != request.Unprocessed {
			continue
		}
		if !r.LockExpiresAt.IsZero() && time.Now().Before(r.LockExpiresAt) {
			continue
		}
		r.State = request.InProgress
		r.LockExpiresAt = time.Now().Add(time.Duration(lockSecs) * time.Second)
		c.persistLocked(q, r)
		listing.Items = append(listing.Items, r.Clone())
	}
	return listing, nil
}

func (c *Client) ProlongRequestLock(ctx context.Context, queueID, id string, lockSecs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return err
	}
	el, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("memstore: %w: request %s", request.ErrNotFound, id)
	}
	r := el.Value.(*request.Request)
	if r.State != request.InProgress {
		return fmt.Errorf("memstore: request %s is not leased", id)
	}
	r.LockExpiresAt = time.Now().Add(time.Duration(lockSecs) * time.Second)
	return nil
}

// DeleteRequestLock reclaims a request: clears its lease and returns it to
// Unprocessed at its current position in the queue order.
func (c *Client) DeleteRequestLock(ctx context.Context, queueID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.queue(queueID)
	if err != nil {
		return err
	}
	el, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("memstore: %w: request %s", request.ErrNotFound, id)
	}
	r := el.Value.(*request.Request)
	r.LockExpiresAt = time.Time{}
	r.State = request.Unprocessed
	c.persistLocked(q, r)
	return nil
}

func (c *Client) Close() error { return nil }

func (c *Client) sweepExpiredLocksLocked(q *memQueue) {
	now := time.Now()
	for el := q.order.Front(); el != nil; el = el.Next() {
		r := el.Value.(*request.Request)
		if r.State == request.InProgress && !r.LockExpiresAt.IsZero() && now.After(r.LockExpiresAt) {
			r.State = request.Unprocessed
			r.LockExpiresAt = time.Time{}
			// Rejected/expired work retries fast: move to head.
			q.order.MoveToFront(el)
		}
	}
}

func (c *Client) persistLocked(q *memQueue, r *request.Request) {
	if c.dir == "" {
		return
	}
	path := filepath.Join(c.dir, q.id, r.ID+".json")
	f, err := os.Create(path)
	if err != nil {
		c.logger.Warn("memstore: persist request failed", "error", err, "id", r.ID)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(r); err != nil {
		c.logger.Warn("memstore: encode request failed", "error", err, "id", r.ID)
	}
}
