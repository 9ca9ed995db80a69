package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/ravenq/raven/internal/storage"
)

// Options configures a Pool.
type Options struct {
	// MaxPoolSize bounds how many sessions are held concurrently.
	MaxPoolSize int

	// SessionMaxUsageCount makes a session unusable once it has recorded
	// this many successful uses (MarkGood calls).
	// Zero means unbounded.
	SessionMaxUsageCount int

	// SessionMaxErrorScore retires a session once its accumulated error
	// score reaches this value. Zero means unbounded.
	SessionMaxErrorScore float64

	// SessionTTL bounds how long a freshly created session stays usable.
	SessionTTL time.Duration

	// BlockedStatusCodes overrides DefaultBlockedStatusCodes for
	// NotifyStatusCode.
	BlockedStatusCodes []int

	// PersistStateKey is the KeyValueStore key PersistState/RestoreState
	// read and write.
	PersistStateKey string
}

// DefaultOptions are the package's documented defaults.
func DefaultOptions(name string) Options {
	return Options{
		MaxPoolSize:           1000,
		SessionMaxUsageCount:  50,
		SessionMaxErrorScore:  3,
		SessionTTL:            1 * time.Hour,
		PersistStateKey:       "sessionpool:" + name,
	}
}

// Pool is the bounded reservoir of Sessions the crawler draws from.
// Adapted from the per-domain SessionManager map, generalized to a
// fixed-capacity pool of named identities with uniform random rotation and
// eviction-on-full behavior.
type Pool struct {
	opts   Options
	kv     storage.KeyValueStore
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // insertion order, for deterministic eviction scans
	seq      int64
}

// New constructs a Pool. kv may be nil if PersistState/RestoreState are
// never called.
func New(opts Options, kv storage.KeyValueStore, logger *slog.Logger) *Pool {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 1000
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Pool{
		opts:     opts,
		kv:       kv,
		logger:   logger.With("component", "sessionpool"),
		sessions: make(map[string]*Session),
	}
}

func (p *Pool) nextID() string {
	p.seq++
	return fmt.Sprintf("session_%d", p.seq)
}

// GetSession returns a usable session: a freshly created one while the
// pool has spare capacity, otherwise a uniform-random pick among currently
// usable sessions, otherwise the most degraded session evicted and
// replaced by a fresh one. Never returns a Retired or Expired session.
func (p *Pool) GetSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sessions) < p.opts.MaxPoolSize {
		return p.createLocked()
	}

	usable := p.usableLocked()
	if len(usable) > 0 {
		return usable[rand.IntN(len(usable))]
	}

	p.evictMostDegradedLocked()
	return p.createLocked()
}

func (p *Pool) createLocked() *Session {
	id := p.nextID()
	s := newSession(id, p.opts.SessionMaxUsageCount, p.opts.SessionMaxErrorScore, p.opts.SessionTTL)
	p.sessions[id] = s
	p.order = append(p.order, id)
	return s
}

func (p *Pool) usableLocked() []*Session {
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable() {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) evictMostDegradedLocked() {
	var worstID string
	var worst float64 = -1
	for _, id := range p.order {
		s, ok := p.sessions[id]
		if !ok {
			continue
		}
		d := s.degradation()
		if d >= worst {
			worst = d
			worstID = id
		}
	}
	if worstID != "" {
		delete(p.sessions, worstID)
		p.removeFromOrderLocked(worstID)
	}
}

func (p *Pool) removeFromOrderLocked(id string) {
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Size reports how many sessions the pool currently holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// UsableCount reports how many held sessions currently pass IsUsable.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.usableLocked())
}

// persistedState is the on-wire form written by PersistState.
type persistedState struct {
	Sessions []snapshot `json:"sessions"`
}

// PersistState serializes every held session to the configured
// KeyValueStore key, so a subsequent process can RestoreState instead of
// starting cold.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.kv == nil {
		return fmt.Errorf("sessionpool: persist state: no KeyValueStore configured")
	}

	p.mu.Lock()
	state := persistedState{Sessions: make([]snapshot, 0, len(p.sessions))}
	for _, id := range p.order {
		s, ok := p.sessions[id]
		if !ok {
			continue
		}
		state.Sessions = append(state.Sessions, s.exportSnapshot())
	}
	p.mu.Unlock()

	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sessionpool: marshal state: %w", err)
	}
	if err := p.kv.Put(ctx, p.opts.PersistStateKey, b); err != nil {
		return fmt.Errorf("sessionpool: put state: %w", err)
	}
	return nil
}

// RestoreState loads a previously persisted pool state. Sessions that have
// already expired by wall-clock time are skipped. A missing key is not an
// error: the pool simply starts empty.
func (p *Pool) RestoreState(ctx context.Context) error {
	if p.kv == nil {
		return fmt.Errorf("sessionpool: restore state: no KeyValueStore configured")
	}

	b, err := p.kv.Get(ctx, p.opts.PersistStateKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("sessionpool: get state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(b, &state); err != nil {
		return fmt.Errorf("sessionpool: unmarshal state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, snap := range state.Sessions {
		if time.Now().After(snap.ExpiresAt) {
			continue
		}
		s := restoreFromSnapshot(snap, p.opts.SessionMaxUsageCount, p.opts.SessionMaxErrorScore)
		if _, exists := p.sessions[s.ID]; exists {
			continue
		}
		p.sessions[s.ID] = s
		p.order = append(p.order, s.ID)
	}
	return nil
}

// NotifyStatusCode retires s if code is a blocked status, using the pool's
// configured BlockedStatusCodes (or DefaultBlockedStatusCodes).
func (p *Pool) NotifyStatusCode(s *Session, code int) bool {
	return s.RetireOnBlockedStatusCode(code, p.opts.BlockedStatusCodes)
}
