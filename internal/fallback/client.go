// Package fallback is the request/response path used when the voice channel
// is not open: one HTTP POST per chat line, answered with the reply text and
// an optional base64 PCM16 clip.
//
// Requests pass through a [Breaker] so a dead endpoint fails fast instead
// of stalling every chat line for the full HTTP timeout.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/protocol"
)

// DefaultTimeout bounds one request including reading the reply.
const DefaultTimeout = 30 * time.Second

// maxErrorBody is how much of a non-2xx body is kept in a [StatusError].
const maxErrorBody = 512

// ErrEmptyText is returned by Chat for blank input.
var ErrEmptyText = errors.New("fallback: empty text")

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fallback: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("fallback: unexpected status %d: %s", e.Code, e.Body)
}

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker tunes the circuit breaker.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) { c.breaker = NewBreaker(cfg) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client posts chat lines to the fallback endpoint. It is safe for
// concurrent use.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	breaker *Breaker
	metrics *observe.Metrics
}

// New returns a client for the endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(BreakerConfig{})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// URL returns the endpoint.
func (c *Client) URL() string { return c.url }

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Chat posts text and returns the agent's reply. The reply's Audio field is
// left encoded; callers decode it with the same codec as channel audio.
//
// Only transport errors and 5xx answers count against the breaker. A 4xx
// answer shows the endpoint is up: it is returned as a [*StatusError] and
// counts as a success. A cancelled ctx counts as neither.
func (c *Client) Chat(ctx context.Context, text string) (protocol.ChatResponse, error) {
	if protocol.Blank(text) {
		return protocol.ChatResponse{}, ErrEmptyText
	}

	ctx, span := observe.StartSpan(ctx, "fallback.chat")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", c.url))

	start := time.Now()
	var (
		resp      protocol.ChatResponse
		clientErr error
	)
	err := c.breaker.Do(func() error {
		r, err := c.post(ctx, text)
		if err != nil && ctx.Err() != nil {
			return Neutral(err)
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			clientErr = err
			return nil
		}
		resp = r
		return err
	})
	if err == nil {
		err = clientErr
	}

	status := "ok"
	var se *StatusError
	switch {
	case errors.Is(err, ErrUnavailable):
		status = "unavailable"
	case errors.As(err, &se):
		status = strconv.Itoa(se.Code)
	case err != nil:
		status = "error"
	}
	c.metrics.RecordFallbackRequest(ctx, status, time.Since(start).Seconds())

	if err != nil {
		observe.Fail(span, err, status)
		observe.Logger(ctx).Warn("fallback: chat failed", "status", status, "err", err)
		return protocol.ChatResponse{}, err
	}
	span.SetAttributes(attribute.Bool("fallback.has_audio", resp.Audio != ""))
	return resp, nil
}

func (c *Client) post(ctx context.Context, text string) (protocol.ChatResponse, error) {
	body, err := json.Marshal(protocol.ChatRequest{Text: text})
	if err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("fallback: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("fallback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("fallback: http: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return protocol.ChatResponse{}, &StatusError{Code: res.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var out protocol.ChatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("fallback: decode response: %w", err)
	}
	return out, nil
}
