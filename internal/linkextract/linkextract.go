// Package linkextract declares the narrow link-discovery capability the
// crawler depends on. See linkextract/htmlextract for the reference
// adapter.
package linkextract

import "github.com/ravenq/raven/internal/httpclient"

// Extractor discovers outbound links in a fetched response.
type Extractor interface {
	Extract(resp *httpclient.Response) ([]string, error)
}
