// Package health polls agent server health endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("health check timed out")

// TimeoutError means the endpoint never reported healthy before the timeout.
type TimeoutError struct {
	URL     string
	Elapsed time.Duration
	Last    error // last probe failure, if any
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("health check %s timed out after %s", e.URL, e.Elapsed.Round(time.Millisecond))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Checker issues GET <base><path> probes.
type Checker struct {
	client *http.Client
	path   string
	logger *log.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithClient sets the HTTP client used for probes.
func WithClient(c *http.Client) Option {
	return func(h *Checker) { h.client = c }
}

// WithLogger enables per-probe debug logging.
func WithLogger(l *log.Logger) Option {
	return func(h *Checker) { h.logger = l }
}

// New returns a Checker probing path (e.g. "/global/health").
func New(path string, opts ...Option) *Checker {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	c := &Checker{
		client: &http.Client{Timeout: 2 * time.Second},
		path:   path,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the health URL for baseURL.
func (c *Checker) URL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + c.path
}

// Probe runs a single health check. Any 2xx is healthy.
func (c *Checker) Probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy probes every interval until a 2xx arrives or timeout elapses.
// Connection errors and non-2xx responses count as not yet healthy.
// Returns ctx.Err() promptly if the caller cancels.
func (c *Checker) WaitHealthy(ctx context.Context, baseURL string, interval, timeout time.Duration) error {
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, timeout-time.Since(start))
		last = c.Probe(probeCtx, baseURL)
		cancel()
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Printf("HealthChecker: %s not ready: %v", c.URL(baseURL), last)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{URL: c.URL(baseURL), Elapsed: time.Since(start), Last: last}
		case <-ticker.C:
		}
	}
}
