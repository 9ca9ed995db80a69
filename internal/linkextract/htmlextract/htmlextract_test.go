package htmlextract

import (
	"testing"

	"github.com/ravenq/raven/internal/httpclient"
)

func TestExtractResolvesRelativeLinksAndDedupes(t *testing.T) {
	body := `
	<html><body>
		<a href="/a">A</a>
		<a href="/a">A again</a>
		<a href="b">B relative</a>
		<a href="https://other.example/c">C absolute</a>
		<a href="#frag">fragment only</a>
		<a href="javascript:void(0)">js link</a>
		<a href="mailto:x@example.com">mail</a>
	</body></html>`

	resp := &httpclient.Response{Body: []byte(body), FinalURL: "https://example.com/base/"}
	e := New()
	links, err := e.Extract(resp)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	want := map[string]bool{
		"https://example.com/a":          true,
		"https://example.com/base/b":     true,
		"https://other.example/c":        true,
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d distinct links, got %d: %v", len(want), len(links), links)
	}
	for _, l := range links {
		if !want[l] {
			t.Errorf("unexpected link %q", l)
		}
	}
}

func TestExtractStripsFragment(t *testing.T) {
	body := `<a href="/page#section">link</a>`
	resp := &httpclient.Response{Body: []byte(body), FinalURL: "https://example.com/"}

	links, err := New().Extract(resp)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(links) != 1 || links[0] != "https://example.com/page" {
		t.Fatalf("expected fragment stripped, got %v", links)
	}
}
