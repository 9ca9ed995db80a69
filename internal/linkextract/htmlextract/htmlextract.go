// Package htmlextract adapts PuerkitoBio/goquery (anchor-link discovery)
// and antchfx/htmlquery (optional XPath selectors) into a
// linkextract.Extractor. Adapted from parser.CSSParser's extractLinks and
// parser.XPathParser, generalized from a full item-extraction parser to
// link discovery alone.
package htmlextract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/ravenq/raven/internal/httpclient"
)

// Extractor finds outbound links via goquery, plus any configured XPath
// expressions evaluated against the same document via htmlquery.
type Extractor struct {
	// XPathSelectors are extra expressions evaluated for href-bearing
	// nodes, beyond the default "a[href]" scan.
	XPathSelectors []string
}

// New builds an Extractor. xpathSelectors may be nil.
func New(xpathSelectors ...string) *Extractor {
	return &Extractor{XPathSelectors: xpathSelectors}
}

// Extract implements linkextract.Extractor.
func (e *Extractor) Extract(resp *httpclient.Response) ([]string, error) {
	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("htmlextract: invalid base url %q: %w", resp.FinalURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("htmlextract: parse document: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	add := func(href string) {
		if resolved, ok := resolve(base, href); ok {
			if _, dup := seen[resolved]; !dup {
				seen[resolved] = struct{}{}
				links = append(links, resolved)
			}
		}
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		add(href)
	})

	if len(e.XPathSelectors) > 0 {
		xdoc, err := htmlquery.Parse(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, fmt.Errorf("htmlextract: parse xpath document: %w", err)
		}
		for _, expr := range e.XPathSelectors {
			nodes, err := htmlquery.QueryAll(xdoc, expr)
			if err != nil {
				return nil, fmt.Errorf("htmlextract: xpath %q: %w", expr, err)
			}
			for _, n := range nodes {
				add(htmlquery.SelectAttr(n, "href"))
			}
		}
	}

	return links, nil
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" ||
		strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "data:") {
		return "", false
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}
