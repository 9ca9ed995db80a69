// Package proxy implements the tiered proxy URL provider:
// a stable sessionID → URL mapping, escalating a session to the next tier
// after repeated blocked classifications. Adapted from ProxyManager's
// round-robin rotation and health-tracked entries, generalized from a
// single flat pool to an ordered list of tiers with per-session
// stickiness.
package proxy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// ProxyInfo describes the proxy currently assigned to a session.
type ProxyInfo struct {
	SessionID string
	URL       string
	Tier      int
}

// Options configures a Pool.
type Options struct {
	// Tiers is an ordered list of URL groups; tier 0 is tried first.
	Tiers [][]string

	// EscalationThreshold is how many consecutive blocked classifications
	// against the same (sessionID, tier) pair trigger promotion to the
	// next tier. Default 2.
	EscalationThreshold int
}

// DefaultEscalationThreshold is the package's documented default.
const DefaultEscalationThreshold = 2

// Pool hands out a stable proxy URL per session, escalating tiers on
// repeated blocks. Safe for concurrent use.
type Pool struct {
	tiers     [][]string
	threshold int
	logger    *slog.Logger

	tierCounters []atomic.Int64

	mu          sync.Mutex
	assignments map[string]ProxyInfo
	streaks     map[string]int // consecutive blocked count, keyed by sessionID
}

// New builds a Pool from opts. Returns an error if no tiers are configured.
func New(opts Options, logger *slog.Logger) (*Pool, error) {
	if len(opts.Tiers) == 0 {
		return nil, fmt.Errorf("proxy: at least one tier is required")
	}
	for i, tier := range opts.Tiers {
		if len(tier) == 0 {
			return nil, fmt.Errorf("proxy: tier %d has no URLs", i)
		}
	}
	if opts.EscalationThreshold <= 0 {
		opts.EscalationThreshold = DefaultEscalationThreshold
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Pool{
		tiers:        opts.Tiers,
		threshold:    opts.EscalationThreshold,
		logger:       logger.With("component", "proxy"),
		tierCounters: make([]atomic.Int64, len(opts.Tiers)),
		assignments:  make(map[string]ProxyInfo),
		streaks:      make(map[string]int),
	}, nil
}

// NewURL returns the proxy URL assigned to sessionID. The mapping is
// stable: repeated calls with the same sessionID and unchanged tier state
// return the same URL.
func (p *Pool) NewURL(sessionID string) (string, error) {
	info, err := p.NewProxyInfo(sessionID)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// NewProxyInfo is NewURL plus the tier the session currently sits in.
func (p *Pool) NewProxyInfo(sessionID string) (ProxyInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if info, ok := p.assignments[sessionID]; ok {
		return info, nil
	}
	return p.assignLocked(sessionID, 0), nil
}

func (p *Pool) assignLocked(sessionID string, tier int) ProxyInfo {
	if tier >= len(p.tiers) {
		tier = len(p.tiers) - 1
	}
	urls := p.tiers[tier]
	idx := p.tierCounters[tier].Add(1) - 1
	url := urls[int(idx)%len(urls)]

	info := ProxyInfo{SessionID: sessionID, URL: url, Tier: tier}
	p.assignments[sessionID] = info
	return info
}

// NotifyBlocked records a blocked classification for sessionID. Once
// EscalationThreshold consecutive blocked notifications land against the
// same tier, the session is promoted to the next tier (clamped at the
// last) and its streak resets; NewURL then reflects the new tier.
func (p *Pool) NotifyBlocked(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.streaks[sessionID]++
	if p.streaks[sessionID] < p.threshold {
		return
	}
	p.streaks[sessionID] = 0

	current, ok := p.assignments[sessionID]
	nextTier := 0
	if ok {
		nextTier = current.Tier + 1
	}
	if nextTier >= len(p.tiers) {
		p.logger.Warn("session already at top proxy tier, cannot escalate further", "session_id", sessionID)
		nextTier = len(p.tiers) - 1
	}
	p.assignLocked(sessionID, nextTier)
}

// NotifySuccess resets a session's consecutive-blocked streak, so isolated
// blocks spread across otherwise-successful requests never accumulate
// toward escalation.
func (p *Pool) NotifySuccess(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaks[sessionID] = 0
}

// TierCount returns how many tiers the pool was configured with.
func (p *Pool) TierCount() int {
	return len(p.tiers)
}
