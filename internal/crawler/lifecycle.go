package crawler

import (
	"context"
	"fmt"

	"github.com/ravenq/raven/internal/request"
	"github.com/ravenq/raven/internal/session"
)

// processOneRequest is the autoscaled pool's RunTaskFunc: one full pass of
// the lifecycle state machine, Leased → PreNavHooks → Navigated →
// Handler → PostHooks → (Handled | Errored). A returned error means a
// queue/storage operation itself failed (fatal-track); every other
// outcome — navigation failure, handler failure — is resolved internally
// via reclaim or mark-handled and never escapes this function.
func (c *Crawler) processOneRequest(ctx context.Context) error {
	req, err := c.queue.FetchNextRequest(ctx)
	if err != nil {
		return fmt.Errorf("fetch next request: %w", err)
	}
	if req == nil {
		// Lost the race with IsTaskReadyFunc; nothing to do this tick.
		return nil
	}
	c.storageErrStreak.Store(0)

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestHandlerTimeout)
	defer cancel()

	sess := c.sessions.GetSession()
	pinfo, err := c.proxies.NewProxyInfo(sess.ID)
	if err != nil {
		c.handleOutcome(ctx, req, sess, fmt.Errorf("%w: %v", request.ErrProxyExhausted, err))
		return nil
	}

	result, ferr := c.fetch(reqCtx, req, sess, pinfo)
	if ferr != nil {
		c.handleOutcome(ctx, req, sess, ferr)
		return nil
	}
	req.LoadedURL = result.FinalURL
	sess.MarkGood()
	c.proxies.NotifySuccess(sess.ID)

	hc := &HandlerContext{
		Request:    req,
		StatusCode: result.StatusCode,
		Body:       result.Body,
		FinalURL:   result.FinalURL,
		Session:    sess,
		crawler:    c,
	}
	if herr := c.handler(reqCtx, hc); herr != nil {
		c.handleOutcome(ctx, req, sess, herr)
		return nil
	}

	if err := c.queue.MarkRequestHandled(ctx, req); err != nil {
		return fmt.Errorf("mark request handled: %w", err)
	}
	c.handledCount.Add(1)
	return nil
}

// handleOutcome applies the retry/fail policy to a fetch or handler
// failure: session/proxy feedback per classification, then either a
// reclaim (retry) or a mark-handled plus FailedRequestHandlerFunc (fail).
func (c *Crawler) handleOutcome(ctx context.Context, req *request.Request, sess *session.Session, err error) {
	class := classify(err)
	req.AddErrorMessage(err.Error())

	switch class {
	case classNetworkTransient:
		sess.MarkBad()
	case classBlocked:
		sess.Retire()
		c.proxies.NotifyBlocked(sess.ID)
	case classTimeout:
		sess.NotifyTimeout(c.opts.ConsecutiveTimeoutThreshold)
	case classContentType, class4xxOther, classHandler:
		// No session or proxy penalty: these reflect the target or the
		// handler, not the identity that fetched it.
	}

	if class.retryable() && !req.NoRetry && req.RetryCount < c.opts.MaxRequestRetries {
		req.RetryCount++
		if rerr := c.queue.ReclaimRequest(ctx, req, false); rerr != nil {
			c.logger.Error("reclaim failed", "error", rerr, "url", req.URL)
		}
		return
	}

	c.failRequest(ctx, req, err)
}

// failRequest ends the lease permanently (Done, never Reclaimed, so a
// handler that always errors can't loop forever) and reports the failure.
func (c *Crawler) failRequest(ctx context.Context, req *request.Request, err error) {
	if c.failedHandler != nil {
		c.failedHandler(ctx, req, err)
	}
	if derr := c.queue.MarkRequestHandled(ctx, req); derr != nil {
		c.logger.Error("mark handled (failed) error", "error", derr, "url", req.URL)
	}
}

