package nethttp

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ravenq/raven/internal/httpclient"
)

func TestDoDecompressesGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("hello world"))
		gz.Close()
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	resp, err := c.Do(context.Background(), &httpclient.Request{Method: "GET", URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "hello world" {
		t.Fatalf("expected decompressed body, got %q", string(resp.Body))
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDoSendsCustomHeadersAndUserAgent(t *testing.T) {
	var gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	_, err := c.Do(context.Background(), &httpclient.Request{
		Method:    "GET",
		URL:       srv.URL,
		UserAgent: "raven-test/1.0",
		Headers:   http.Header{"X-Custom": {"abc"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotUA != "raven-test/1.0" {
		t.Fatalf("expected custom UA, got %q", gotUA)
	}
	if gotCustom != "abc" {
		t.Fatalf("expected custom header, got %q", gotCustom)
	}
}

func TestDoUsesProvidedCookieJar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "xyz"})
	}))
	defer srv.Close()

	jar, _ := cookiejar.New(nil)
	c := New(DefaultOptions())
	_, err := c.Do(context.Background(), &httpclient.Request{Method: "GET", URL: srv.URL, CookieJar: jar})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	u, _ := url.Parse(srv.URL)
	cookies := jar.Cookies(u)
	if len(cookies) != 1 || cookies[0].Value != "xyz" {
		t.Fatalf("expected jar to capture set-cookie, got %+v", cookies)
	}
}
