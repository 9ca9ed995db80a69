package crawler

import (
	"context"
	"errors"

	"github.com/ravenq/raven/internal/request"
)

// errClass is the crawler's internal classification of a handler/fetch
// failure, driving the crawler's retry policy.
type errClass int

const (
	classNetworkTransient errClass = iota
	classBlocked
	classTimeout
	classContentType
	class4xxOther
	classHandler
)

func (c errClass) retryable() bool {
	switch c {
	case classNetworkTransient, classBlocked, classTimeout, classHandler:
		return true
	default:
		return false
	}
}

// classify maps a fetch or handler error onto the crawler's error taxonomy: a typed
// *request.FetchError carries enough information (Blocked, Retryable,
// StatusCode) to place it precisely; a *request.ContentTypeError is always
// terminal; a context deadline is a navigation timeout; anything else is
// treated as a handler-thrown error.
func classify(err error) errClass {
	var ct *request.ContentTypeError
	if errors.As(err, &ct) {
		return classContentType
	}

	var fe *request.FetchError
	if errors.As(err, &fe) {
		switch {
		case fe.Blocked:
			return classBlocked
		case fe.Retryable:
			return classNetworkTransient
		default:
			return class4xxOther
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	return classHandler
}
