// Package fetcher executes parsed requests against JSON APIs.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

const (
	defaultUserAgent = "apicrawl/1.0"
	maxBodyBytes     = 16 << 20
	snippetBytes     = 200
)

// Client is a JSON-over-HTTP fetcher. The zero value is not usable; construct
// with New.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the default User-Agent for requests that carry none.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger attaches a logger for per-request debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client with the given request timeout.
func New(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  defaultUserAgent,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request and decodes the JSON response body. Non-2xx status
// codes return a *crawl.HTTPError carrying a short body snippet; transport
// failures return the transport error unchanged.
func (c *Client) Do(ctx context.Context, req crawl.Request) (crawl.FetchResult, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return crawl.FetchResult{}, fmt.Errorf("build request: %w", err)
	}

	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	for _, ck := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return crawl.FetchResult{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return crawl.FetchResult{}, fmt.Errorf("read response: %w", err)
	}
	elapsed := time.Since(start)

	c.logger.Debug("fetched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", elapsed),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawl.FetchResult{StatusCode: resp.StatusCode, Raw: raw, Duration: elapsed},
			&crawl.HTTPError{StatusCode: resp.StatusCode, Snippet: snippet(raw)}
	}

	var decoded any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &decoded); err != nil {
		return crawl.FetchResult{StatusCode: resp.StatusCode, Raw: raw, Duration: elapsed},
			fmt.Errorf("decode response: %w", err)
	}

	return crawl.FetchResult{
		StatusCode: resp.StatusCode,
		Body:       decoded,
		Raw:        raw,
		Duration:   elapsed,
	}, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > snippetBytes {
		s = s[:snippetBytes]
	}
	return s
}
