// Package nethttp adapts net/http into an httpclient.Client: per-request
// proxy and cookie jar, transparent gzip/deflate/brotli decompression.
// Adapted from HTTPFetcher, generalized from one engine-wide
// client+jar+proxy to a transport that accepts a different proxy URL and
// cookie jar on every call (the session pool and proxy pool pick those
// per request).
package nethttp

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ravenq/raven/internal/httpclient"
)

// Options configures the Client.
type Options struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	TLSInsecure         bool
	MaxBodySize         int64 // 0 means unbounded
	FollowRedirects     bool
	MaxRedirects        int
	DialTimeout         time.Duration
}

// DefaultOptions are reasonable production defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxBodySize:         16 << 20,
		FollowRedirects:     true,
		MaxRedirects:        10,
		DialTimeout:         30 * time.Second,
	}
}

// Client is an httpclient.Client backed by net/http, building a fresh
// *http.Client per call scoped to the request's proxy URL and cookie jar.
// Calls without a proxy URL share the underlying Transport and its
// connection pool; a call with a proxy URL uses a clone of the Transport,
// which has a connection pool of its own.
type Client struct {
	opts      Options
	transport *http.Transport
}

// New builds a Client from opts.
func New(opts Options) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
		TLSHandshakeTimeout: opts.TLSHandshakeTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.TLSInsecure},
		DisableCompression:  true, // decompression handled explicitly below, including brotli
	}
	return &Client{opts: opts, transport: transport}
}

func (c *Client) buildHTTPClient(req *httpclient.Request) (*http.Client, error) {
	transport := c.transport
	if req.ProxyURL != "" {
		proxyURL, err := url.Parse(req.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("nethttp: invalid proxy url: %w", err)
		}
		cloned := c.transport.Clone()
		cloned.Proxy = http.ProxyURL(proxyURL)
		transport = cloned
	}

	redirectPolicy := func(r *http.Request, via []*http.Request) error {
		if !c.opts.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= c.opts.MaxRedirects {
			return fmt.Errorf("nethttp: max redirects (%d) reached", c.opts.MaxRedirects)
		}
		return nil
	}

	return &http.Client{
		Transport:     transport,
		Jar:           req.CookieJar,
		CheckRedirect: redirectPolicy,
	}, nil
}

// Do performs req and returns a fully-buffered response.
func (c *Client) Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	httpClient, err := c.buildHTTPClient(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyDoErr(err)
	}
	defer httpResp.Body.Close()

	var reader io.Reader = httpResp.Body
	if c.opts.MaxBodySize > 0 {
		reader = io.LimitReader(reader, c.opts.MaxBodySize)
	}
	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, fmt.Errorf("nethttp: decompress: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("nethttp: read body: %w", err)
	}

	return &httpclient.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		FinalURL:   httpResp.Request.URL.String(),
	}, nil
}

// Stream performs req and returns the response with its body unread, for
// callers that want to pipe it elsewhere without buffering in memory.
func (c *Client) Stream(ctx context.Context, req *httpclient.Request) (*httpclient.StreamResponse, error) {
	httpClient, err := c.buildHTTPClient(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyDoErr(err)
	}

	body, err := decompressReader(httpResp, httpResp.Body)
	if err != nil {
		httpResp.Body.Close()
		return nil, fmt.Errorf("nethttp: decompress: %w", err)
	}
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = struct {
			io.Reader
			io.Closer
		}{body, httpResp.Body}
	}

	return &httpclient.StreamResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       rc,
		FinalURL:   httpResp.Request.URL.String(),
	}, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *httpclient.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = strings.NewReader(string(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("nethttp: build request: %w", err)
	}

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	return httpReq, nil
}

func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func classifyDoErr(err error) error {
	if isRetryableError(err) {
		return fmt.Errorf("nethttp: %w (retryable)", err)
	}
	return fmt.Errorf("nethttp: %w", err)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}
