// Package httpsource implements the source contract for HTTP and HTTPS locators.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chiral-network/drip/internal/source"
)

// HTTPSource fetches a resource over HTTP using Range requests.
type HTTPSource struct {
	url    string
	client *http.Client
}

var _ source.Source = (*HTTPSource)(nil)

// New returns a new HTTPSource for the given URL.
func New(rawurl string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &source.Error{Kind: source.KindProtocol, URL: rawurl, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &source.Error{Kind: source.KindProtocol, URL: rawurl, Err: fmt.Errorf("unsupported scheme: %q", u.Scheme)}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{url: rawurl, client: client}, nil
}

// URL returns the locator being fetched.
func (s *HTTPSource) URL() string { return s.url }

// Probe issues a HEAD request for size and freshness information.
// Sources that reject HEAD are probed with a one-byte ranged GET instead.
func (s *HTTPSource) Probe(ctx context.Context) (*source.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return nil, &source.Error{Kind: source.KindProtocol, URL: s.url, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &source.Error{Kind: source.KindUnreachable, URL: s.url, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return &source.Info{
			Size:         resp.ContentLength,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			AcceptRanges: acceptsRanges(resp),
		}, nil
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return s.probeWithGet(ctx)
	default:
		return nil, &source.Error{Kind: source.KindUnexpectedStatus, URL: s.url, Status: resp.StatusCode}
	}
}

func (s *HTTPSource) probeWithGet(ctx context.Context) (*source.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &source.Error{Kind: source.KindProtocol, URL: s.url, Err: err}
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &source.Error{Kind: source.KindUnreachable, URL: s.url, Err: err}
	}
	defer resp.Body.Close()
	info := &source.Info{
		Size:         resp.ContentLength,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, total, err2 := parseContentRange(resp.Header.Get("Content-Range"))
		if err2 != nil {
			return nil, &source.Error{Kind: source.KindProtocol, URL: s.url, Err: err2}
		}
		info.Size = total
		info.AcceptRanges = true
		return info, nil
	case http.StatusOK:
		// Range header was ignored; full body size is the total size.
		info.AcceptRanges = false
		return info, nil
	default:
		return nil, &source.Error{Kind: source.KindUnexpectedStatus, URL: s.url, Status: resp.StatusCode}
	}
}

// FetchRange requests the body starting at offset with token as If-Range precondition.
func (s *HTTPSource) FetchRange(ctx context.Context, offset int64, token string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, 0, &source.Error{Kind: source.KindProtocol, URL: s.url, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if token != "" {
			req.Header.Set("If-Range", token)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, &source.Error{Kind: source.KindUnreachable, URL: s.url, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, err2 := parseContentRange(resp.Header.Get("Content-Range"))
		if err2 != nil {
			resp.Body.Close()
			return nil, 0, &source.Error{Kind: source.KindProtocol, URL: s.url, Err: err2}
		}
		return resp.Body, start, nil
	case http.StatusOK:
		// Either the source ignored the Range header or the If-Range
		// precondition failed and the source replied with the full new body.
		// A response validator that no longer matches the token tells the
		// two apart.
		if offset > 0 && token != "" && changedValidators(resp, token) {
			resp.Body.Close()
			return nil, 0, &source.Error{Kind: source.KindChanged, URL: s.url, Status: resp.StatusCode}
		}
		return resp.Body, 0, nil
	case http.StatusPreconditionFailed:
		resp.Body.Close()
		return nil, 0, &source.Error{Kind: source.KindChanged, URL: s.url, Status: resp.StatusCode}
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, 0, &source.Error{Kind: source.KindRangeUnsupported, URL: s.url, Status: resp.StatusCode}
	default:
		resp.Body.Close()
		return nil, 0, &source.Error{Kind: source.KindUnexpectedStatus, URL: s.url, Status: resp.StatusCode}
	}
}

// changedValidators reports whether the response carries a validator and
// none of them matches the If-Range token that was sent. The token may be
// either an entity tag or a Last-Modified date.
func changedValidators(resp *http.Response, token string) bool {
	etag := resp.Header.Get("ETag")
	lastmod := resp.Header.Get("Last-Modified")
	if etag == "" && lastmod == "" {
		return false
	}
	return token != etag && token != lastmod
}

func acceptsRanges(resp *http.Response) bool {
	return strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
}

// parseContentRange parses a "bytes start-end/total" header value.
func parseContentRange(value string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range: %q", value)
	}
	rng, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range: %q", value)
	}
	startStr, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range: %q", value)
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range: %q", value)
	}
	if totalStr == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range: %q", value)
	}
	return start, total, nil
}
