// Package gateway is the single HTTP client used for every call to the auth
// and order/payment services.
//
// A Client is bound to one base URL. Each call resolves the current
// credential from a credential.Store and attaches it as a bearer header when
// present. Failures come back as *errs.Error: Unreachable when no response
// arrived, Rejected for a non-2xx status. The gateway never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grepud/internal/credential"
	"grepud/internal/errs"
	"grepud/internal/metrics"
	"grepud/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	HeaderAuthorization  = "Authorization"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeviceID       = "X-Device-ID"

	maxBodyBytes = 1 << 20
)

type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	store      credential.Store
	limiter    *rate.Limiter
	metrics    *metrics.ClientMetrics
	logger     zerolog.Logger
	deviceID   string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithCookieJar lets the client replay cookies set by the server, such as
// the refresh cookie handed out on login.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) {
		c.httpClient.Jar = jar
	}
}

// WithRateLimit throttles outgoing calls. A non-positive limit disables it.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithDeviceID(id string) Option {
	return func(c *Client) {
		c.deviceID = strings.TrimSpace(id)
	}
}

func New(name, baseURL string, store credential.Store, logger zerolog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid %s base url %q: need http(s)://host", name, baseURL)
	}

	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{},
		store:      store,
		logger:     logger.With().Str("service", name).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type RequestOption func(*http.Request)

func WithIdempotencyKey(key string) RequestOption {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set(HeaderIdempotencyKey, key)
		}
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// NewRequest builds an unauthenticated JSON request for path.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any, opts ...RequestOption) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// Authorize returns req with the bearer header set from store when a
// credential is present. An absent credential leaves the header unset, and
// any stale header on req is removed.
func Authorize(ctx context.Context, req *http.Request, store credential.Store) (*http.Request, error) {
	out := req.Clone(ctx)
	out.Header.Del(HeaderAuthorization)
	if store == nil {
		return out, nil
	}

	cred, err := store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if cred.Present && cred.Token != "" {
		out.Header.Set(HeaderAuthorization, "Bearer "+cred.Token)
	}
	return out, nil
}

// Do sends one request and decodes a 2xx JSON body into out when out is
// non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	_, err := c.DoStatus(ctx, method, path, body, out, opts...)
	return err
}

// DoStatus is Do for callers that care which 2xx status came back.
func (c *Client) DoStatus(ctx context.Context, method, path string, body, out any, opts ...RequestOption) (int, error) {
	req, err := c.NewRequest(ctx, method, path, body, opts...)
	if err != nil {
		return 0, err
	}
	req, err = Authorize(ctx, req, c.store)
	if err != nil {
		return 0, err
	}
	return c.Send(req, out)
}

// Send transmits an already built request and returns the response status.
func (c *Client) Send(req *http.Request, out any) (int, error) {
	ctx := req.Context()
	path := strings.TrimPrefix(req.URL.Path, c.pathPrefix())
	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.observe(req.Method, path, "unreachable", start)
			return 0, errs.NewUnreachable(err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(req.Method, path, "unreachable", start)
		c.logger.Warn().Err(err).Str("method", req.Method).Str("path", path).Msg("Request failed, no response")
		return 0, errs.NewUnreachable(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe(req.Method, path, "unreachable", start)
		return 0, errs.NewUnreachable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(req.Method, path, "rejected", start)
		rejected := errs.NewRejected(resp.StatusCode, serverMessage(data))
		c.logger.Warn().
			Str("method", req.Method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("server_message", rejected.Message).
			Msg("Request rejected")
		return resp.StatusCode, rejected
	}

	c.observe(req.Method, path, "ok", start)
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request completed")

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, &errs.Error{
			Kind:    errs.Rejected,
			Status:  resp.StatusCode,
			Message: "unexpected response from server",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) pathPrefix() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

func (c *Client) observe(method, path, outcome string, start time.Time) {
	c.metrics.Observe(c.name, method, path, outcome, time.Since(start))
}

// serverMessage pulls the human readable text out of an error body, or
// returns "" when the body is not the structured error shape.
func serverMessage(body []byte) string {
	var resp models.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(resp.Message)
}
