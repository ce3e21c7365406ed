package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"orderflow/internal/domain"
)

// ErrCircuitOpen is returned when the exchange's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Caller runs authenticated exchange calls with the shared cross-cutting
// behavior every adapter needs: token-bucket rate limiting, per-call timeout,
// retry with exponential backoff on transient failures (honoring Retry-After
// on 429), and circuit breaking. Classification of non-retriable 4xx payloads
// stays with the adapter, which knows the exchange's error codes.
type Caller struct {
	exchange    string
	client      *http.Client
	limiter     *RateLimiter
	breaker     *CircuitBreaker
	backoff     BackoffSchedule
	maxAttempts int
	timeout     time.Duration
}

// NewCaller builds a caller from an exchange's config section.
func NewCaller(exchange string, cfg ExchangeConfig) *Caller {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	return &Caller{
		exchange:    exchange,
		client:      &http.Client{Timeout: cfg.CallTimeout()},
		limiter:     NewRateLimiter(burst, cfg.RatePerSec),
		breaker:     NewCircuitBreaker(DefaultBreakerConfig(exchange)),
		backoff:     BackoffSchedule{Base: 500 * time.Millisecond, Max: 15 * time.Second},
		maxAttempts: attempts,
		timeout:     cfg.CallTimeout(),
	}
}

type httpResult struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// Do executes a request, rebuilding it each attempt so bodies are fresh.
// It returns the final status and body for every non-retried response,
// including 4xx; the adapter classifies those. Network errors, timeouts,
// 5xx, and 429 are retried up to the attempt limit and surface as a
// TransientError once exhausted.
func (c *Caller) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			if retryAfter > delay {
				delay = retryAfter
			}
			if err := c.sleep(ctx, delay); err != nil {
				return 0, nil, err
			}
		}
		retryAfter = 0

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		if !c.breaker.Allow() {
			return 0, nil, &domain.TransientError{Exchange: c.exchange, Attempts: attempt + 1, Err: ErrCircuitOpen}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err := c.doOnce(callCtx, build)
		cancel()

		if err != nil {
			// Network-level failure or timeout.
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			c.breaker.RecordFailure()
			lastErr = err
			continue
		}

		switch {
		case res.status >= 500:
			c.breaker.RecordFailure()
			lastErr = &httpStatusError{status: res.status, body: res.body}
			continue

		case res.status == http.StatusTooManyRequests:
			// The limiter is the fix here, not isolation; leave the
			// breaker alone and honor the server's hint.
			lastErr = &httpStatusError{status: res.status, body: res.body}
			retryAfter = res.retryAfter
			continue

		default:
			c.breaker.RecordSuccess()
			return res.status, res.body, nil
		}
	}

	return 0, nil, &domain.TransientError{Exchange: c.exchange, Status: statusOf(lastErr), Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Caller) doOnce(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*httpResult, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &httpResult{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}, nil
}

func (c *Caller) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// httpStatusError is internal bookkeeping for the retry loop; callers only
// ever see it wrapped inside a TransientError.
type httpStatusError struct {
	status int
	body   []byte
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, truncate(e.body, 200))
}

func statusOf(err error) int {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
