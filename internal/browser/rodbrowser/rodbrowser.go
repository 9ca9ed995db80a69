// Package rodbrowser adapts go-rod/rod (plus go-rod/stealth for
// fingerprint evasion) into a browser.Controller. Adapted from the
// teacher's BrowserFetcher and StealthConfig, generalized from one
// engine-wide page pool to a controller that mints a fresh page per
// crawler request and, on demand, an isolated incognito context per
// session so cookies never cross session boundaries.
package rodbrowser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/ravenq/raven/internal/browser"
)

// Options configures the Controller's launched browser process.
type Options struct {
	Headless    bool
	UserDataDir string
	ExtraFlags  map[string]string
	Stealth     bool
	LaunchProxyURL string
}

// DefaultOptions launches a headless, stealth-enabled browser.
func DefaultOptions() Options {
	return Options{
		Headless: true,
		Stealth:  true,
		ExtraFlags: map[string]string{
			"disable-gpu":             "",
			"disable-dev-shm-usage":   "",
			"no-sandbox":              "",
			"disable-setuid-sandbox":  "",
			"disable-blink-features":  "AutomationControlled",
		},
	}
}

type pageEntry struct {
	page         *rod.Page
	incognitoCtx *rod.Browser // non-nil when this page lives in its own isolated context
}

// Controller is a browser.Controller backed by a single launched Chromium
// process, handing out pages (optionally in incognito sub-contexts) keyed
// by a pool-assigned PageID rather than back-pointers into rod internals.
type Controller struct {
	opts    Options
	logger  *slog.Logger
	browser *rod.Browser

	mu    sync.Mutex
	pages map[string]*pageEntry
	seq   atomic.Int64
}

// New launches a browser and returns a ready Controller.
func New(opts Options, logger *slog.Logger) (*Controller, error) {
	l := launcher.New().Headless(opts.Headless)
	for flag, val := range opts.ExtraFlags {
		if val == "" {
			l = l.Set(launcher.Flag(flag))
		} else {
			l = l.Set(launcher.Flag(flag), val)
		}
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	if opts.LaunchProxyURL != "" {
		l = l.Proxy(opts.LaunchProxyURL)
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("rodbrowser: launch: %w", err)
	}

	b := rod.New().ControlURL(launchURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("rodbrowser: connect: %w", err)
	}

	return &Controller{
		opts:    opts,
		logger:  logger.With("component", "rodbrowser"),
		browser: b,
		pages:   make(map[string]*pageEntry),
	}, nil
}

// NewPage implements browser.Controller. opts.ProxyURL is not applied per
// page: every page uses the proxy the browser was launched with
// (Options.LaunchProxyURL), if any.
func (c *Controller) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	target := c.browser
	var incognitoCtx *rod.Browser
	if opts.Incognito {
		ic, err := c.browser.Incognito()
		if err != nil {
			return browser.Page{}, fmt.Errorf("rodbrowser: incognito context: %w", err)
		}
		target = ic
		incognitoCtx = ic
	}

	var page *rod.Page
	var err error
	if c.opts.Stealth {
		page, err = stealth.Page(target)
	} else {
		page, err = target.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return browser.Page{}, fmt.Errorf("rodbrowser: new page: %w", err)
	}
	page = page.Context(ctx)

	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			c.logger.Warn("set user agent failed", "error", err)
		}
	}
	if opts.Viewport != nil {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		}); err != nil {
			c.logger.Warn("set viewport failed", "error", err)
		}
	}

	id := fmt.Sprintf("page-%d", c.seq.Add(1))
	c.mu.Lock()
	c.pages[id] = &pageEntry{page: page, incognitoCtx: incognitoCtx}
	c.mu.Unlock()

	return browser.Page{ID: id}, nil
}

func (c *Controller) lookup(p browser.Page) (*pageEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pages[p.ID]
	if !ok {
		return nil, fmt.Errorf("rodbrowser: unknown page %q", p.ID)
	}
	return entry, nil
}

// SetCookies implements browser.Controller.
func (c *Controller) SetCookies(p browser.Page, cookies []browser.Cookie) error {
	entry, err := c.lookup(p)
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			Expires:  proto.TimeSinceEpoch(ck.Expires.Unix()),
		})
	}
	if len(params) == 0 {
		return nil
	}
	if err := entry.page.SetCookies(params); err != nil {
		return fmt.Errorf("rodbrowser: set cookies: %w", err)
	}
	return nil
}

// Cookies implements browser.Controller.
func (c *Controller) Cookies(p browser.Page) ([]browser.Cookie, error) {
	entry, err := c.lookup(p)
	if err != nil {
		return nil, err
	}
	raw, err := entry.page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("rodbrowser: cookies: %w", err)
	}
	out := make([]browser.Cookie, 0, len(raw))
	for _, rc := range raw {
		out = append(out, browser.Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			HTTPOnly: rc.HTTPOnly,
			Secure:   rc.Secure,
			Expires:  time.Unix(int64(rc.Expires), 0),
		})
	}
	return out, nil
}

// Goto implements browser.Controller.
func (c *Controller) Goto(ctx context.Context, p browser.Page, url string, opts browser.GotoOptions) (*browser.Result, error) {
	entry, err := c.lookup(p)
	if err != nil {
		return nil, err
	}
	page := entry.page.Context(ctx)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := page.Timeout(timeout).Navigate(url); err != nil {
		return nil, fmt.Errorf("rodbrowser: navigate: %w", err)
	}

	waitStable := opts.WaitStable
	if waitStable <= 0 {
		waitStable = 300 * time.Millisecond
	}
	if err := page.Timeout(timeout).WaitStable(waitStable); err != nil {
		c.logger.Warn("page stability timeout, continuing", "url", url, "error", err)
	}

	if opts.Eval != "" {
		if _, err := page.Eval(opts.Eval); err != nil {
			c.logger.Warn("js eval error", "url", url, "error", err)
		}
	}

	if opts.WaitSelector != "" {
		if err := page.Timeout(10 * time.Second).MustElement(opts.WaitSelector).WaitVisible(); err != nil {
			c.logger.Warn("wait selector timeout", "selector", opts.WaitSelector, "error", err)
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("rodbrowser: html: %w", err)
	}

	finalURL := url
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	return &browser.Result{
		StatusCode: 200, // rod does not surface the navigation status code directly
		HTML:       html,
		FinalURL:   finalURL,
	}, nil
}

// Close implements browser.Controller.
func (c *Controller) Close(p browser.Page) error {
	c.mu.Lock()
	entry, ok := c.pages[p.ID]
	if ok {
		delete(c.pages, p.ID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := entry.page.Close(); err != nil {
		c.logger.Warn("page close failed", "error", err)
	}
	if entry.incognitoCtx != nil {
		return entry.incognitoCtx.Close()
	}
	return nil
}

// Shutdown closes the underlying browser process.
func (c *Controller) Shutdown() error {
	return c.browser.Close()
}
