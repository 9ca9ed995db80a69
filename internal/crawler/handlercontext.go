package crawler

import (
	"context"
	"fmt"

	"github.com/ravenq/raven/internal/httpclient"
	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/session"
)

// HandlerContext is the read/mutate capability a RequestHandlerFunc
// receives, bound to the active lease: the request being processed, its
// fetched content, and the session that served it. Handlers must not
// retain a HandlerContext past the call.
type HandlerContext struct {
	Request    *request.Request
	StatusCode int
	Body       []byte
	FinalURL   string
	Session    *session.Session

	crawler *Crawler
}

// AddRequest enqueues a newly discovered URL one level deeper than the
// request currently being handled.
func (hc *HandlerContext) AddRequest(ctx context.Context, rawURL string, forefront bool) error {
	r, err := request.New(rawURL, "", nil)
	if err != nil {
		return err
	}
	r.Depth = hc.Request.Depth + 1
	r.ParentURL = hc.Request.URL
	_, err = hc.crawler.queue.AddRequest(ctx, r, forefront)
	return err
}

// EnqueueLinks runs the configured link extractor over the fetched body
// and enqueues every discovered URL. Invalid or already-present URLs are
// skipped rather than failing the whole call; it returns how many were
// newly enqueued.
func (hc *HandlerContext) EnqueueLinks(ctx context.Context) (int, error) {
	if hc.crawler.linkExtractor == nil {
		return 0, fmt.Errorf("crawler: enqueue links: no link extractor configured")
	}
	links, err := hc.crawler.linkExtractor.Extract(&httpclient.Response{
		StatusCode: hc.StatusCode,
		Body:       hc.Body,
		FinalURL:   hc.FinalURL,
	})
	if err != nil {
		return 0, fmt.Errorf("crawler: extract links: %w", err)
	}

	n := 0
	for _, link := range links {
		r, err := request.New(link, "", nil)
		if err != nil {
			continue
		}
		r.Depth = hc.Request.Depth + 1
		r.ParentURL = hc.Request.URL
		res, err := hc.crawler.queue.AddRequest(ctx, r, false)
		if err != nil || res.WasAlreadyPresent {
			continue
		}
		n++
	}
	return n, nil
}
