// Package proxy forwards session calls to a repository's agent server.
//
// Calls are never retried: a forwarded call may have side effects (sending a
// chat message), so retry policy belongs to the caller.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jaakkos/agentgate/internal/supervisor"
)

// maxErrorBody bounds how much of a failed downstream response is kept.
const maxErrorBody = 64 << 10

// ErrDownstreamUnavailable matches any *UnavailableError via errors.Is.
var ErrDownstreamUnavailable = errors.New("downstream unavailable")

var errProcessExited = errors.New("agent process exited")

// UnavailableError means a registered process could not be reached.
// The process has been evicted; the next call starts a fresh one.
type UnavailableError struct {
	RepoID int64
	Port   int
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("agent for repo %d on port %d unavailable: %v", e.RepoID, e.Port, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrDownstreamUnavailable }

// StatusError is a non-2xx response from the agent server.
type StatusError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned %d: %s", e.StatusCode, e.Message())
}

// Message extracts a human readable message from the downstream body.
func (e *StatusError) Message() string {
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Body, &payload) == nil {
		switch v := payload.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if m, ok := v["message"].(string); ok && m != "" {
				return m
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if msg := strings.TrimSpace(string(e.Body)); msg != "" {
		return msg
	}
	return http.StatusText(e.StatusCode)
}

// Supervisor is what the proxy needs from supervisor.Supervisor.
type Supervisor interface {
	GetOrStart(ctx context.Context, repoID int64) (*supervisor.Process, error)
	Lookup(repoID int64) (*supervisor.Process, bool)
	Evict(repoID int64, p *supervisor.Process, reason string)
}

// Response is a successful downstream response. Body streams and must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	RequestID  string
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithClient sets the HTTP client used for downstream calls.
func WithClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// Proxy forwards calls to agent processes.
type Proxy struct {
	sup    Supervisor
	client *http.Client
	logger *log.Logger
	now    func() time.Time
}

// New returns a Proxy. The default client has no overall timeout so
// streamed responses are not cut off.
func New(sup Supervisor, logger *log.Logger, opts ...Option) *Proxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	p := &Proxy{
		sup:    sup,
		client: &http.Client{Transport: transport},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// forwardHeaders are the request headers passed through for content negotiation.
var forwardHeaders = []string{"Content-Type", "Accept", "Accept-Language", "Last-Event-ID"}

// ForwardOp forwards a known operation. query is appended to the route path.
func (p *Proxy) ForwardOp(ctx context.Context, repoID int64, op Op, sessionID string, query url.Values, body io.Reader, header http.Header) (*Response, error) {
	method, path, err := op.Route(sessionID)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return p.Forward(ctx, repoID, sessionID, method, path, body, header)
}

// Forward resolves the repository's process and issues method path on it.
// 2xx responses are returned with a streaming body. Non-2xx responses become
// *StatusError. Connection failures evict the process and return
// *UnavailableError, unless ctx was cancelled by the caller. A registered
// process that has died is reported the same way instead of being replaced,
// since the call targets sessions that lived in it.
func (p *Proxy) Forward(ctx context.Context, repoID int64, sessionID, method, path string, body io.Reader, header http.Header) (*Response, error) {
	if proc, ok := p.sup.Lookup(repoID); ok && !proc.Alive() {
		cause := proc.ExitErr()
		if cause == nil {
			cause = errProcessExited
		}
		p.logger.Printf("Proxy: %s %s -> repo %d (port %d): process %d has exited: %v", method, path, repoID, proc.Port(), proc.PID(), cause)
		p.sup.Evict(repoID, proc, "process exited")
		return nil, &UnavailableError{RepoID: repoID, Port: proc.Port(), Err: cause}
	}

	proc, err := p.sup.GetOrStart(ctx, repoID)
	if err != nil {
		return nil, err
	}

	requestID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	req, err := http.NewRequestWithContext(ctx, method, proc.BaseURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("X-Request-Id", requestID)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Printf("Proxy: %s %s -> repo %d (port %d) failed: %v [%s]", method, path, repoID, proc.Port(), err, requestID)
		p.sup.Evict(repoID, proc, fmt.Sprintf("unreachable: %v", err))
		return nil, &UnavailableError{RepoID: repoID, Port: proc.Port(), Err: err}
	}
	p.logger.Printf("Proxy: %s %s -> repo %d session %q (port %d) %d in %s [%s]",
		method, path, repoID, sessionID, proc.Port(), resp.StatusCode, p.now().Sub(start).Round(time.Millisecond), requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        data,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &touchingBody{ReadCloser: resp.Body, proc: proc},
		RequestID:  requestID,
	}, nil
}

// touchingBody keeps a streaming process from looking idle while it is read.
type touchingBody struct {
	io.ReadCloser
	proc *supervisor.Process
}

func (b *touchingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.proc.Touch()
	}
	return n, err
}
