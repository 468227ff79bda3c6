// Package upstream is the HTTP client for the exchange's futures market-data
// API. It is the only component with built-in retry: transient failures
// (transport errors, 5xx, 429) are retried with exponential backoff; other
// 4xx responses and malformed bodies surface immediately.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfeed/klined/internal/metrics"
)

const (
	maxAttempts    = 5
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 6 * time.Second
	requestTimeout = 10 * time.Second
)

// Row is one upstream kline: a positional 12-tuple the client does not
// interpret. Numbers arrive as float64, prices and volumes as strings.
type Row []any

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Transient reports whether the response is worth retrying. 429 is the one
// retryable 4xx; everything else below 500 is a caller bug.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client talks to one base URL with a bounded number of in-flight requests,
// a token-bucket rate limit and a circuit breaker. One http.Client is kept
// for connection reuse.
type Client struct {
	base    string
	http    *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

// Option tweaks client construction.
type Option func(*Client)

// WithMetrics attaches the node's metric registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRateLimit overrides the default request rate (requests per second).
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New builds a client for the given base URL with at most concurrency
// requests in flight.
func New(base string, concurrency int, opts ...Option) *Client {
	if concurrency <= 0 {
		concurrency = 8
	}
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		sem:     make(chan struct{}, concurrency),
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Klines fetches up to limit bars for symbol/interval. start and end are
// optional millisecond bounds forwarded as startTime/endTime.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int, start, end *int64) ([]Row, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if start != nil {
		params.Set("startTime", strconv.FormatInt(*start, 10))
	}
	if end != nil {
		params.Set("endTime", strconv.FormatInt(*end, 10))
	}

	body, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}
	return rows, nil
}

// SymbolInfo is the subset of exchangeInfo the node cares about.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	QuoteAsset   string `json:"quoteAsset"`
	DeliveryDate int64  `json:"deliveryDate"`
}

// ExchangeInfo fetches the symbol universe from /fapi/v1/exchangeInfo.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo response: %w", err)
	}
	return payload.Symbols, nil
}

// get performs a retried GET. Each attempt takes its own semaphore slot so
// the slot is free for other callers while this request sleeps in backoff.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		body, err := c.attempt(ctx, endpoint, params)
		if err == nil {
			c.count(endpoint, "ok")
			return body, nil
		}
		c.count(endpoint, "error")

		if !retryable(err) || attempt == maxAttempts {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.UpstreamRetries.Inc()
		}
		log.Warn().Str("component", "upstream").Str("endpoint", endpoint).
			Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("retrying upstream request")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// attempt runs one request under the in-flight semaphore.
func (c *Client) attempt(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()
	return c.doOnce(ctx, endpoint, params)
}

func (c *Client) doOnce(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.breaker.Execute(func() (any, error) {
		u := c.base + endpoint
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", "klined/0.4")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			msg := string(body)
			if len(msg) > 200 {
				msg = msg[:200]
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: msg}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Client) count(endpoint, result string) {
	if c.metrics != nil {
		c.metrics.UpstreamCalls.WithLabelValues(endpoint, result).Inc()
	}
}

// retryable classifies an error as transient. Breaker-open means the
// upstream is already known bad; retrying inside the call would only extend
// the outage window.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	// Transport-level failures (connect refused, reset, client timeout).
	var ue *url.Error
	return errors.As(err, &ue)
}
