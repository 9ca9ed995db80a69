// Package request defines the unit of work the queue tracks end to end: an
// immutable URL plus method/payload, a derived unique key for deduplication,
// and the mutable bookkeeping (retry count, error messages, lifecycle state)
// the queue and crawler attach to it.
package request

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// MaxUserDataBytes is a size limit for a request's serialized UserData map.
// Nothing in this module checks UserData against it: New and the queue
// accept UserData of any size.
const MaxUserDataBytes = 64 * 1024

// MaxErrorMessages bounds how many error messages a request retains.
const MaxErrorMessages = 10

// MaxErrorMessageLen truncates any single stored error message.
const MaxErrorMessageLen = 1000

// State is the lifecycle state of a request inside the queue.
type State int32

const (
	Unprocessed State = iota
	InProgress
	Done
	Reclaimed
	Failed
)

func (s State) String() string {
	switch s {
	case Unprocessed:
		return "unprocessed"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	case Reclaimed:
		return "reclaimed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is a unit of crawl work addressed by URL plus method/payload.
//
// A Request is owned exclusively by the queue that holds it; callers receive
// copies from Clone and must not mutate a Request obtained from a lease after
// the lease ends.
type Request struct {
	ID        string
	URL       string
	Method    string
	Headers   http.Header
	Payload   []byte
	UniqueKey string

	KeepURLFragment bool

	UserData map[string]any

	RetryCount    int
	NoRetry       bool
	ErrorMessages []string

	State     State
	HandledAt time.Time
	LoadedURL string

	Depth      int
	ParentURL  string
	CreatedAt  time.Time
	LockExpiresAt time.Time
}

// New builds a Request from a raw URL, deriving its UniqueKey from the
// (method, canonicalized URL, payload) triple. GET is assumed if method is
// empty.
func New(rawURL, method string, payload []byte) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("request: invalid URL %q: %w", rawURL, err)
	}
	r := &Request{
		URL:       rawURL,
		Method:    strings.ToUpper(method),
		Headers:   make(http.Header),
		Payload:   payload,
		UserData:  make(map[string]any),
		CreatedAt: time.Now(),
	}
	r.UniqueKey = r.computeUniqueKey()
	return r, nil
}

// computeUniqueKey derives the dedup identity: a hash of
// "method|canonical-url|payload", fragment stripped unless KeepURLFragment.
func (r *Request) computeUniqueKey() string {
	canonical := CanonicalizeURL(r.URL, r.KeepURLFragment)
	raw := r.Method + "|" + canonical + "|" + string(r.Payload)
	sum := sha256.Sum256([]byte(raw))
	enc := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(enc) > 15 {
		enc = enc[:15]
	}
	return enc
}

// CanonicalizeURL normalizes a URL for deduplication: lowercases scheme and
// host, strips the fragment (unless keepFragment), sorts query parameters,
// drops default ports, and trims a trailing slash (root excluded).
func CanonicalizeURL(rawURL string, keepFragment bool) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if !keepFragment {
		u.Fragment = ""
	}

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sorted []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(sorted, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// Domain returns the hostname of the request URL, or "" if unparseable.
func (r *Request) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// AddErrorMessage appends a bounded, truncated error message.
func (r *Request) AddErrorMessage(msg string) {
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	r.ErrorMessages = append(r.ErrorMessages, msg)
	if len(r.ErrorMessages) > MaxErrorMessages {
		r.ErrorMessages = r.ErrorMessages[len(r.ErrorMessages)-MaxErrorMessages:]
	}
}

// Clone returns a deep copy safe to hand to a caller outside the queue's lock.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Headers = r.Headers.Clone()
	clone.Payload = append([]byte(nil), r.Payload...)
	clone.UserData = make(map[string]any, len(r.UserData))
	for k, v := range r.UserData {
		clone.UserData[k] = v
	}
	clone.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	return &clone
}
