// Package eventbus implements the named event dispatcher:
// persistState/systemInfo/migrating/aborting/exit notifications, fanned
// out to concurrent listeners per event while preserving issuance order
// across events of the same name. Adapted from CheckpointManager's
// interval-driven persistence idea, generalized into a standalone pub/sub
// primitive; the crawler subscribes to it (its PersistState listener
// snapshots the session pool).
package eventbus

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Name identifies an event kind.
type Name string

const (
	PersistState Name = "persistState"
	SystemInfo   Name = "systemInfo"
	Migrating    Name = "migrating"
	Aborting     Name = "aborting"
	Exit         Name = "exit"
)

// Listener handles one emission. A returned error is logged, never
// propagated to sibling listeners or the emitter.
type Listener func(ctx context.Context, payload any) error

// emission is one queued (name, payload) pair awaiting dispatch.
type emission struct {
	ctx     context.Context
	payload any
}

// Bus is a named event dispatcher. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[Name][]Listener
	queues    map[Name]chan emission

	wg sync.WaitGroup // dispatch goroutines, one per name with >=1 emission ever queued

	inFlight sync.WaitGroup // listener invocations currently running, across all names
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Bus{
		logger:    logger.With("component", "eventbus"),
		listeners: make(map[Name][]Listener),
		queues:    make(map[Name]chan emission),
	}
}

// Subscribe registers listener for name. Registration is copy-on-write: a
// fresh listener slice is swapped in under lock so in-flight dispatch
// never observes a partially-updated slice.
func (b *Bus) Subscribe(name Name, listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.listeners[name]
	next := make([]Listener, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = listener
	b.listeners[name] = next
}

// Emit enqueues payload for name. Dispatch happens asynchronously, in
// issuance order relative to other Emit calls for the same name; a
// dedicated per-name goroutine is started lazily on first use.
func (b *Bus) Emit(ctx context.Context, name Name, payload any) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan emission, 64)
		b.queues[name] = q
		b.wg.Add(1)
		go b.dispatchLoop(name, q)
	}
	b.mu.Unlock()

	q <- emission{ctx: ctx, payload: payload}
}

func (b *Bus) dispatchLoop(name Name, q chan emission) {
	defer b.wg.Done()
	for e := range q {
		b.dispatchOne(name, e)
	}
}

// dispatchOne runs every listener registered for name concurrently and
// waits for all of them before the per-name goroutine picks up the next
// queued emission — this is what "preserve issuance order" means here:
// emission N+1's listeners never start before emission N's have finished.
func (b *Bus) dispatchOne(name Name, e emission) {
	b.mu.RLock()
	listeners := b.listeners[name]
	b.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	var group sync.WaitGroup
	for _, l := range listeners {
		l := l
		group.Add(1)
		b.inFlight.Add(1)
		go func() {
			defer group.Done()
			defer b.inFlight.Done()
			if err := l(e.ctx, e.payload); err != nil {
				b.logger.Error("listener failed", "event", name, "error", err)
			}
		}()
	}
	group.Wait()
}

// WaitForAllListenersToComplete blocks until every currently in-flight
// listener invocation has returned. It does not stop new emissions from
// being queued concurrently with the wait; callers doing teardown should
// stop emitting before calling this.
func (b *Bus) WaitForAllListenersToComplete() {
	b.inFlight.Wait()
}

// Close closes every per-name queue created so far, lets each dispatch
// goroutine drain what is already queued, and waits for them to exit.
// Call after the last Emit: Close sets no closed state, and an Emit for
// an already-seen name after Close panics on the closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	queues := make([]chan emission, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	b.wg.Wait()
}
