// Package client provides a rate-limited, retrying HTTP sender. API clients
// compose it and supply their own response classification.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxResponseBody bounds how much of a response body is read into memory.
const maxResponseBody = 32 << 20

// Request describes one logical request. It is treated as immutable; the
// client builds a fresh *http.Request for every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// FormRequest builds a request with a url-encoded form body.
func FormRequest(method, target string, form url.Values) Request {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return Request{
		Method: method,
		URL:    target,
		Header: h,
		Body:   []byte(form.Encode()),
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cookies    []*http.Cookie
}

// Client is the rate-limited retrying sender.
type Client struct {
	name       string
	httpClient *http.Client
	userAgent  string
	dispatcher *ratelimit.Dispatcher
	retry      RetryPolicy
	classify   Classifier
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Name identifies the destination in logs and metrics.
	Name string

	// Timeout bounds a single HTTP send.
	Timeout time.Duration

	// Dispatch selects the limiters applied to requests.
	Dispatch ratelimit.DispatchConfig

	// Retry overrides the default retry policy (mainly for tests).
	Retry RetryPolicy

	// Classifier overrides DefaultClassifier.
	Classifier Classifier

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		Timeout:    30 * time.Second,
		Dispatch:   ratelimit.DispatchConfig{Mode: ratelimit.ModeNone},
		Retry:      DefaultRetryPolicy(),
		Classifier: DefaultClassifier,
	}
}

// New creates a new client. The client owns its connection pool; call Close
// when done.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %v)", cfg.Timeout)
	}

	dispatcher, err := ratelimit.NewDispatcher(cfg.Name, cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}

	logger := log.With().Str("component", "dispatch").Str("client", cfg.Name).Logger()

	transport := http.DefaultTransport.(*http.Transport).Clone()

	c := &Client{
		name: cfg.Name,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: withUserAgent(transport, cfg.UserAgent),
		},
		userAgent:  cfg.UserAgent,
		dispatcher: dispatcher,
		retry:      cfg.Retry.withDefaults(),
		classify:   cfg.Classifier,
		logger:     logger,
	}

	for _, l := range dispatcher.Limiters() {
		logger.Debug().Str("limiter", l.String()).Msg("Limiter configured")
	}
	return c, nil
}

// Name returns the destination name.
func (c *Client) Name() string {
	return c.name
}

// Send performs a request with rate limiting, classification and retries.
// It returns the response on success or the terminal classified error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	limiter := c.dispatcher.Select(method)

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(c.name, method).Observe(time.Since(start).Seconds())
	}()

	var resp *Response
	attempts := 0
	err = c.retry.Do(ctx, c.logger, func(attempt int) error {
		attempts = attempt
		r, sendErr := c.sendOnce(ctx, limiter, method, target, req)
		if sendErr != nil {
			return sendErr
		}
		resp = r
		return nil
	})
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("method", method).
			Str("url", redactURL(target)).
			Str("error_class", string(ClassOf(err))).
			Int("attempts", attempts).
			Dur("elapsed", time.Since(start)).
			Msg("Request failed")
		return nil, err
	}

	return resp, nil
}

// sendOnce performs a single attempt while holding the limiter permit.
func (c *Client) sendOnce(ctx context.Context, limiter *ratelimit.Limiter, method, target string, req Request) (*Response, error) {
	permit, err := limiter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire limiter %s: %w", limiter.Name(), err)
	}
	defer permit.Release()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", redactURL(target)).
		Msg("Executing request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(c.name, method, string(ClassTransport)).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up; retrying cannot help.
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
		}
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		requestsTotal.WithLabelValues(c.name, method, string(ClassTransport)).Inc()
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Cookies:    httpResp.Cookies(),
	}

	if err := c.classify(resp); err != nil {
		class := ClassOf(err)
		if class == "" {
			class = "domain"
		}
		requestsTotal.WithLabelValues(c.name, method, string(class)).Inc()
		c.logger.Warn().
			Str("method", method).
			Str("url", redactURL(target)).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Request error")
		return nil, err
	}

	requestsTotal.WithLabelValues(c.name, method, string(ClassSuccess)).Inc()
	return resp, nil
}

// Close releases idle connections held by the active round tripper.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetTransport replaces the underlying round tripper. The configured
// User-Agent is still applied.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.httpClient.Transport = withUserAgent(rt, c.userAgent)
}

func buildURL(target string, query url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redactURL strips credentials embedded in the URL (e.g. telegram bot tokens in userinfo).
func redactURL(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Redacted()
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func withUserAgent(next http.RoundTripper, userAgent string) http.RoundTripper {
	if userAgent == "" {
		return next
	}
	return &userAgentTransport{next: next, userAgent: userAgent}
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// CloseIdleConnections forwards to the wrapped round tripper.
func (t *userAgentTransport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.next.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// IsContextError reports whether err stems from caller cancellation.
func IsContextError(err error) bool {
	return errors.Is(err, ErrContextCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
