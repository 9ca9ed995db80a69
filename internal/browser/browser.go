// Package browser declares the narrow browser-automation capability the
// crawler depends on. See browser/rodbrowser for the reference
// implementation.
package browser

import (
	"context"
	"time"
)

// Cookie is a transport-agnostic cookie, independent of any one browser
// automation library's type.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
}

// Viewport sets the rendered page dimensions.
type Viewport struct {
	Width  int
	Height int
}

// PageOptions configures a new page.
type PageOptions struct {
	// ProxyURL, if set, routes this page's traffic through the given
	// proxy (a go-rod launcher flag on the controlling browser process,
	// or a dedicated incognito context, depending on the implementation).
	ProxyURL string
	UserAgent string
	Viewport  *Viewport
	// Incognito requests a cookie-isolated browsing context, so that
	// cookies set on this page never leak to another session's pages.
	Incognito bool
}

// GotoOptions configures a single navigation.
type GotoOptions struct {
	Timeout      time.Duration
	WaitStable   time.Duration
	WaitSelector string
	// Eval, if non-empty, is JavaScript run after navigation settles.
	Eval string
}

// Result is the outcome of a successful Goto.
type Result struct {
	StatusCode int
	HTML       string
	FinalURL   string
}

// Page is an opaque handle to a browser page. Controllers resolve it to
// their own internal page object by ID rather than handing out a
// back-pointer, so the crawler never holds a reference into browser
// automation internals.
type Page struct {
	ID string
}

// Controller is the capability the crawler needs from a browser
// automation stack: open a page, manage its cookies, navigate it, and
// close it when done.
type Controller interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	SetCookies(page Page, cookies []Cookie) error
	Cookies(page Page) ([]Cookie, error)
	Goto(ctx context.Context, page Page, url string, opts GotoOptions) (*Result, error)
	Close(page Page) error
}
