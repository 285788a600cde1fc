// Package httpfile implements the provider contract for direct http(s)
// file URLs. One URL enumerates to exactly one resource; there is no
// crawling or HTML parsing here.
package httpfile

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/quarryhq/quarry/pkg/provider"
)

const providerID = "http"

// DefaultUserAgent identifies the client to remote servers.
const DefaultUserAgent = "quarry/1.0"

// Config configures the HTTP provider.
type Config struct {
	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string

	// Timeout bounds each individual request. Zero means no client
	// timeout; transfers are still cancellable through the context.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing requests across all jobs using
	// this provider. Zero or negative disables throttling.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Zero defaults to 1 when throttling
	// is enabled.
	Burst int
}

// Provider fetches single files over http and https.
type Provider struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

var _ provider.Provider = (*Provider)(nil)

// New creates an HTTP provider. A nil-safe zero Config is valid and means
// no throttling and no request timeout.
func New(cfg Config) *Provider {
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Provider{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: ua,
		limiter:   limiter,
	}
}

func (p *Provider) ID() string { return providerID }

// Matches accepts http and https URLs.
func (p *Provider) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Enumerate probes the URL with a HEAD request and returns the single
// resource it names. Servers that reject HEAD still enumerate; size and
// content type stay unknown until fetch time.
func (p *Provider) Enumerate(ctx context.Context, src provider.Source) ([]provider.ResourceDescriptor, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, err)
	}

	rd := provider.ResourceDescriptor{
		Key:   src.URL,
		Size:  -1,
		Index: 1,
	}
	base := path.Base(u.Path)
	if base != "." && base != "/" {
		rd.Title = strings.TrimSuffix(base, path.Ext(base))
		rd.Ext = strings.TrimPrefix(path.Ext(base), ".")
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src.URL, nil)
	if err != nil {
		return nil, p.wrapError("Enumerate", src.URL, err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.wrapError("Enumerate", src.URL, err)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		rd.Size = resp.ContentLength
		rd.ContentType = resp.Header.Get("Content-Type")
		if rd.Ext == "" {
			rd.Ext = extFromContentType(rd.ContentType)
		}
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// HEAD not supported; GET at fetch time will tell the rest.
	default:
		if err := statusError(resp.StatusCode); err != nil {
			return nil, p.wrapError("Enumerate", src.URL, err)
		}
	}

	return []provider.ResourceDescriptor{rd}, nil
}

// Fetch opens the response body stream for one resource.
func (p *Provider) Fetch(ctx context.Context, rd provider.ResourceDescriptor) (io.ReadCloser, int64, error) {
	if err := p.wait(ctx); err != nil {
		return nil, -1, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rd.Key, nil)
	if err != nil {
		return nil, -1, p.wrapError("Fetch", rd.Key, err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, -1, ctx.Err()
		}
		return nil, -1, p.wrapError("Fetch", rd.Key, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		serr := statusError(resp.StatusCode)
		if serr == nil {
			serr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, -1, p.wrapError("Fetch", rd.Key, serr)
	}
	return resp.Body, resp.ContentLength, nil
}

// Close releases client resources.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.Error{Op: op, Provider: providerID, Key: key, Err: err}
}

// statusError maps HTTP status codes to provider sentinels. nil means the
// status carries no sentinel and the caller decides.
func statusError(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return provider.ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.ErrAccessDenied
	case code == http.StatusTooManyRequests:
		return provider.ErrThrottled
	case code >= 500:
		return provider.ErrUnavailable
	case code >= 400:
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}

// extFromContentType derives a filename extension from a MIME type, best
// effort.
func extFromContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(mt)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.TrimPrefix(exts[0], ".")
}
