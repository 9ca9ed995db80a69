package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ravenq/raven/internal/browser"
	"github.com/ravenq/raven/internal/httpclient"
	"github.com/ravenq/raven/internal/proxy"
	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/session"
)

// fetchResult is the navigated outcome, independent of whether it came
// from the HTTP client or the browser controller.
type fetchResult struct {
	StatusCode  int
	Body        []byte
	FinalURL    string
	ContentType string
}

// fetch navigates req using whichever collaborator is configured (the
// browser controller takes precedence when both are wired, since a
// browser-rendered page is a strict superset of a plain HTTP fetch), and
// wraps the outcome into the crawler's error taxonomy.
func (c *Crawler) fetch(ctx context.Context, req *request.Request, sess *session.Session, pinfo proxy.ProxyInfo) (*fetchResult, error) {
	var result *fetchResult
	var err error
	if c.browser != nil {
		result, err = c.fetchBrowser(ctx, req, sess, pinfo)
	} else {
		result, err = c.fetchHTTP(ctx, req, sess, pinfo)
	}
	if err != nil {
		return nil, err
	}

	if blocked := c.sessions.NotifyStatusCode(sess, result.StatusCode); blocked {
		return result, &request.FetchError{
			URL:        req.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("blocked status code %d", result.StatusCode),
			Blocked:    true,
			Retryable:  true,
		}
	}
	if result.StatusCode >= 500 {
		return result, &request.FetchError{
			URL:        req.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("server error status %d", result.StatusCode),
			Retryable:  true,
		}
	}
	if result.StatusCode >= 400 {
		return result, &request.FetchError{
			URL:        req.URL,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("client error status %d", result.StatusCode),
			Retryable:  false,
		}
	}

	if len(c.opts.AcceptedContentTypes) > 0 && result.ContentType != "" && !c.contentTypeAccepted(result.ContentType) {
		return result, &request.ContentTypeError{URL: req.URL, ContentType: result.ContentType}
	}

	return result, nil
}

func (c *Crawler) contentTypeAccepted(ct string) bool {
	for _, accepted := range c.opts.AcceptedContentTypes {
		if strings.HasPrefix(ct, accepted) {
			return true
		}
	}
	return false
}

func (c *Crawler) fetchHTTP(ctx context.Context, req *request.Request, sess *session.Session, pinfo proxy.ProxyInfo) (*fetchResult, error) {
	resp, err := c.httpClient.Do(ctx, &httpclient.Request{
		Method:    req.Method,
		URL:       req.URL,
		Headers:   req.Headers,
		Body:      req.Payload,
		ProxyURL:  pinfo.URL,
		CookieJar: sess.CookieJar,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &request.FetchError{URL: req.URL, Err: err, Retryable: true}
	}
	return &fetchResult{
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		FinalURL:    resp.FinalURL,
		ContentType: resp.Headers.Get("Content-Type"),
	}, nil
}

func (c *Crawler) fetchBrowser(ctx context.Context, req *request.Request, sess *session.Session, pinfo proxy.ProxyInfo) (*fetchResult, error) {
	page, err := c.browser.NewPage(ctx, browser.PageOptions{
		ProxyURL:  pinfo.URL,
		Incognito: true,
	})
	if err != nil {
		return nil, &request.FetchError{URL: req.URL, Err: err, Retryable: true}
	}
	defer c.browser.Close(page)

	if domain := req.Domain(); domain != "" {
		if cookies := sess.Cookies(domain); len(cookies) > 0 {
			bcookies := make([]browser.Cookie, 0, len(cookies))
			for _, ck := range cookies {
				bcookies = append(bcookies, browser.Cookie{Name: ck.Name, Value: ck.Value, Domain: domain, Path: ck.Path})
			}
			_ = c.browser.SetCookies(page, bcookies)
		}
	}

	navResult, err := c.browser.Goto(ctx, page, req.URL, browser.GotoOptions{Timeout: c.opts.RequestHandlerTimeout})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &request.FetchError{URL: req.URL, Err: err, Retryable: true}
	}

	if domain := req.Domain(); domain != "" {
		if newCookies, err := c.browser.Cookies(page); err == nil {
			sess.SetCookies(domain, toHTTPCookies(newCookies))
		}
	}

	return &fetchResult{
		StatusCode: navResult.StatusCode,
		Body:       []byte(navResult.HTML),
		FinalURL:   navResult.FinalURL,
		// rod does not surface response headers for the top-level
		// navigation, so content-type filtering is effectively a no-op
		// on the browser path.
		ContentType: "",
	}, nil
}

func toHTTPCookies(cookies []browser.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     ck.Path,
			HttpOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		})
	}
	return out
}
