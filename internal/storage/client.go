// Package storage defines the narrow interface the request queue and
// session pool use to persist entities, plus the conforming implementations:
// memstore (single process, optional file snapshotting) and redisstore
// (remote, lease-aware). A separate narrow KeyValueStore interface backs
// session-pool snapshotting; memstore and mongokv both implement it.
package storage

import (
	"context"
	"time"

	"github.com/ravenq/raven/internal/request"
)

// QueueHandle identifies a created or looked-up queue.
type QueueHandle struct {
	ID string
}

// AddOptions controls single-request insertion.
type AddOptions struct {
	Forefront bool
}

// AddResult reports the outcome of adding one request.
type AddResult struct {
	ID                string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// BatchResult reports the outcome of a batched add: each input request
// either succeeded (Processed, same order as matching input when matched by
// UniqueKey) or failed for a per-item reason (Unprocessed). A backend error
// on one item never fails the whole batch.
type BatchResult struct {
	Processed   []AddResult
	Unprocessed []*request.Request
}

// HeadListing is a non-locking peek at the ready head.
type HeadListing struct {
	Items             []*request.Request
	HasLockedRequests bool
}

// LockedListing is the result of a lease-acquiring head read.
type LockedListing struct {
	Items           []*request.Request
	LockSecs        int
	QueueModifiedAt time.Time
}

// Client is the minimal surface the request queue needs from a storage
// backend. Implementations must be safe for concurrent use.
type Client interface {
	GetOrCreateQueue(ctx context.Context, name string) (QueueHandle, error)
	AddRequest(ctx context.Context, queueID string, r *request.Request, opts AddOptions) (AddResult, error)
	BatchAddRequests(ctx context.Context, queueID string, reqs []*request.Request) (BatchResult, error)
	GetRequest(ctx context.Context, queueID, id string) (*request.Request, error)
	UpdateRequest(ctx context.Context, queueID string, r *request.Request) error
	ListHead(ctx context.Context, queueID string, limit int) (HeadListing, error)
	ListAndLockHead(ctx context.Context, queueID string, limit int, lockSecs int) (LockedListing, error)
	ProlongRequestLock(ctx context.Context, queueID, id string, lockSecs int) error
	DeleteRequestLock(ctx context.Context, queueID, id string) error
	Close() error
}

// KeyValueStore is the narrow collaborator the session pool uses for
// PersistState/RestoreState snapshots. Keys are opaque strings (the pool
// uses "sessionpool:<name>").
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get/GetRequest when the key/id is absent.
var ErrNotFound = request.ErrNotFound
