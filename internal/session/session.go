// Package session implements the bounded identity reservoir:
// pseudo-identities pairing a cookie jar with usage/error counters, rotated
// uniformly among usable sessions and retired on blocked responses.
// Adapted from the per-domain SessionManager's cookiejar map, generalized
// to per-identity sessions with a dedicated retirement state machine.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle.
type State int32

const (
	Fresh State = iota
	Active
	Retired
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Active:
		return "active"
	case Retired:
		return "retired"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// DefaultBlockedStatusCodes are the HTTP statuses that, by default, retire
// the session that received them.
var DefaultBlockedStatusCodes = []int{401, 403, 429}

// Session is a pseudo-identity: a cookie jar plus usage/error counters.
// Owned exclusively by the Pool; the crawler borrows a reference for one
// request-handler invocation and must not retain it past that call.
type Session struct {
	ID        string
	CookieJar *cookiejar.Jar
	UserData  map[string]any

	MaxUsageCount int
	MaxErrorScore float64
	ExpiresAt     time.Time

	usageCount          atomic.Int64
	errorScore          atomic.Int64 // fixed-point, ×1000
	state               atomic.Int32
	consecutiveTimeouts atomic.Int64

	domainsMu sync.Mutex
	domains   map[string]struct{} // tracked for snapshot export; cookiejar has no enumeration API
}

func newSession(id string, maxUsage int, maxErrorScore float64, ttl time.Duration) *Session {
	jar, _ := cookiejar.New(nil)
	s := &Session{
		ID:            id,
		CookieJar:     jar,
		UserData:      make(map[string]any),
		MaxUsageCount: maxUsage,
		MaxErrorScore: maxErrorScore,
		ExpiresAt:     time.Now().Add(ttl),
		domains:       make(map[string]struct{}),
	}
	s.state.Store(int32(Fresh))
	return s
}

// UsageCount returns how many successful uses (MarkGood calls) this session
// has recorded.
func (s *Session) UsageCount() int64 { return s.usageCount.Load() }

// ErrorScore returns the accumulated error score.
func (s *Session) ErrorScore() float64 { return float64(s.errorScore.Load()) / 1000 }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// MarkGood records a successful use: first use transitions Fresh → Active,
// and any navigation-timeout streak is cleared.
func (s *Session) MarkGood() {
	s.usageCount.Add(1)
	s.consecutiveTimeouts.Store(0)
	s.state.CompareAndSwap(int32(Fresh), int32(Active))
}

// NotifyTimeout records a navigation timeout against this session. Once
// threshold consecutive timeouts accumulate, the session is penalized via
// MarkBad and the streak resets; reports whether that happened.
func (s *Session) NotifyTimeout(threshold int) bool {
	if threshold <= 0 {
		threshold = 1
	}
	if s.consecutiveTimeouts.Add(1) >= int64(threshold) {
		s.consecutiveTimeouts.Store(0)
		s.MarkBad()
		return true
	}
	return false
}

// MarkBad penalizes the session by one full error point.
func (s *Session) MarkBad() {
	s.errorScore.Add(1000)
	s.state.CompareAndSwap(int32(Fresh), int32(Active))
}

// MarkBadFraction penalizes the session by a fractional error point, e.g.
// for a repeated-but-not-yet-alarming navigation timeout.
func (s *Session) MarkBadFraction(frac float64) {
	s.errorScore.Add(int64(frac * 1000))
	s.state.CompareAndSwap(int32(Fresh), int32(Active))
}

// Retire expires the session immediately; the next GetSession will not
// return it.
func (s *Session) Retire() {
	s.state.Store(int32(Retired))
}

// RetireOnBlockedStatusCode retires the session and returns true if code is
// in blocked (or DefaultBlockedStatusCodes if blocked is nil).
func (s *Session) RetireOnBlockedStatusCode(code int, blocked []int) bool {
	if blocked == nil {
		blocked = DefaultBlockedStatusCodes
	}
	for _, b := range blocked {
		if b == code {
			s.Retire()
			return true
		}
	}
	return false
}

// IsUsable reports whether the session may still be handed out.
func (s *Session) IsUsable() bool {
	state := s.State()
	if state == Retired || state == Expired {
		return false
	}
	if time.Now().After(s.ExpiresAt) {
		s.state.CompareAndSwap(int32(state), int32(Expired))
		return false
	}
	if s.MaxUsageCount > 0 && s.usageCount.Load() >= int64(s.MaxUsageCount) {
		return false
	}
	if s.MaxErrorScore > 0 && s.ErrorScore() >= s.MaxErrorScore {
		return false
	}
	return true
}

// degradation is a comparable score used to pick an eviction candidate when
// the pool is full and no session is usable: higher is worse.
func (s *Session) degradation() float64 {
	usageFrac := 0.0
	if s.MaxUsageCount > 0 {
		usageFrac = float64(s.usageCount.Load()) / float64(s.MaxUsageCount)
	}
	errFrac := 0.0
	if s.MaxErrorScore > 0 {
		errFrac = s.ErrorScore() / s.MaxErrorScore
	}
	if usageFrac > errFrac {
		return usageFrac
	}
	return errFrac
}

// SetCookies stores cookies scoped to domain and remembers the domain so
// it can be enumerated again by exportSnapshot (net/http/cookiejar.Jar has no
// built-in enumeration API).
func (s *Session) SetCookies(domain string, cookies []*http.Cookie) {
	u := &url.URL{Scheme: "https", Host: domain}
	s.CookieJar.SetCookies(u, cookies)
	s.domainsMu.Lock()
	s.domains[domain] = struct{}{}
	s.domainsMu.Unlock()
}

// Cookies returns the cookies scoped to domain.
func (s *Session) Cookies(domain string) []*http.Cookie {
	u := &url.URL{Scheme: "https", Host: domain}
	return s.CookieJar.Cookies(u)
}

func (s *Session) knownDomains() []string {
	s.domainsMu.Lock()
	defer s.domainsMu.Unlock()
	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	return out
}

// exportSnapshot captures everything needed to recreate this session later,
// including per-domain cookies gathered via the domains tracking set.
func (s *Session) exportSnapshot() snapshot {
	var cookies []cookieRecord
	for _, domain := range s.knownDomains() {
		for _, c := range s.Cookies(domain) {
			cookies = append(cookies, cookieRecord{
				Domain: domain,
				Path:   c.Path,
				Raw:    c.String(),
			})
		}
	}
	return snapshot{
		ID:         s.ID,
		Cookies:    cookies,
		UsageCount: s.usageCount.Load(),
		ErrorScore: s.errorScore.Load(),
		State:      int32(s.State()),
		ExpiresAt:  s.ExpiresAt,
		UserData:   s.UserData,
	}
}

// restoreFromSnapshot rebuilds a Session from a previously exported
// snapshot, replaying cookies into a fresh jar.
func restoreFromSnapshot(snap snapshot, maxUsage int, maxErrorScore float64) *Session {
	s := newSession(snap.ID, maxUsage, maxErrorScore, time.Until(snap.ExpiresAt))
	s.ExpiresAt = snap.ExpiresAt
	s.usageCount.Store(snap.UsageCount)
	s.errorScore.Store(snap.ErrorScore)
	s.state.Store(snap.State)
	if snap.UserData != nil {
		s.UserData = snap.UserData
	}

	byDomain := make(map[string][]*http.Cookie)
	for _, rec := range snap.Cookies {
		req := &http.Request{Header: http.Header{"Cookie": {rec.Raw}}}
		parsed := req.Cookies()
		byDomain[rec.Domain] = append(byDomain[rec.Domain], parsed...)
	}
	for domain, cookies := range byDomain {
		s.SetCookies(domain, cookies)
	}
	return s
}

// snapshot is the serializable form persisted by Pool.PersistState.
type snapshot struct {
	ID         string         `json:"id"`
	Cookies    []cookieRecord `json:"cookies"`
	UsageCount int64          `json:"usage_count"`
	ErrorScore int64          `json:"error_score"`
	State      int32          `json:"state"`
	ExpiresAt  time.Time      `json:"expires_at"`
	UserData   map[string]any `json:"user_data"`
}

type cookieRecord struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Raw    string `json:"raw"`
}
