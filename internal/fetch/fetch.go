// Package fetch issues authenticated requests against the vendor API under a
// bounded admission gate. It never retries: every failure surfaces as a
// *FetchError and the caller decides what to do with it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency = 16
	defaultTimeout     = 60 * time.Second
	userAgent          = "epubfetch/1.0"
)

// ErrSessionInvalid reports that the vendor rejected the session (401/403)
// or that the session check failed. It is never retried.
var ErrSessionInvalid = errors.New("session invalid or expired")

// Response is a fully read response body plus the bits of metadata the
// pipeline cares about.
type Response struct {
	URL         string // final URL after redirects
	StatusCode  int
	ContentType string // media type without parameters
	Charset     string
	Body        []byte
}

// Fetcher is the contract every pipeline component depends on.
type Fetcher interface {
	Get(ctx context.Context, url, kind string) (*Response, error)
}

// FetchError describes a failed request. Cause is the transport error or a
// status error; 401 and 403 wrap ErrSessionInvalid.
type FetchError struct {
	URL        string
	Kind       string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s %s: status %d: %v", e.Kind, e.URL, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Kind, e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Options configures a Client.
type Options struct {
	Concurrency int           // max in-flight requests; <= 0 means DefaultConcurrency
	RateLimit   float64       // requests per second; <= 0 disables pacing
	Timeout     time.Duration // per-request transport timeout
	Jar         http.CookieJar
	Header      http.Header // extra headers sent with every request (e.g. a raw Cookie)
	Transport   http.RoundTripper
	Logger      *slog.Logger
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	http    *http.Client
	gate    *semaphore.Weighted
	limiter *rate.Limiter
	header  http.Header
	log     *slog.Logger
}

// New creates a Client from opts.
func New(opts Options) *Client {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		http: &http.Client{
			Jar:       opts.Jar,
			Timeout:   timeout,
			Transport: opts.Transport,
		},
		gate:   semaphore.NewWeighted(int64(concurrency)),
		header: opts.Header.Clone(),
		log:    log,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Fetch returns the raw body of url.
func (c *Client) Fetch(ctx context.Context, url, kind string) ([]byte, error) {
	resp, err := c.Get(ctx, url, kind)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Get performs a GET request once a slot in the admission gate is free.
// Callers beyond the concurrency cap block until a slot is released or ctx
// is done.
func (c *Client) Get(ctx context.Context, url, kind string) (*Response, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, &FetchError{URL: url, Kind: kind, Cause: err}
	}
	defer c.gate.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{URL: url, Kind: kind, Cause: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Kind: kind, Cause: err}
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Kind: kind, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("unexpected status %q", snippet)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			cause = ErrSessionInvalid
		}
		return nil, &FetchError{URL: url, Kind: kind, StatusCode: resp.StatusCode, Cause: cause}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Kind: kind, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}

	out := &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mediaType, params, perr := mime.ParseMediaType(ct); perr == nil {
			out.ContentType = mediaType
			out.Charset = params["charset"]
		}
	}

	c.log.Debug("fetched", "kind", kind, "url", url, "status", resp.StatusCode,
		"bytes", len(body), "elapsed", time.Since(started))
	return out, nil
}
