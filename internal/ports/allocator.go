// Package ports hands out unique local TCP ports to agent processes.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrNoPortAvailable is returned when no free port is found within maxAttempts candidates.
var ErrNoPortAvailable = errors.New("no port available")

// Allocator tracks ports handed out by this process. With a range it scans
// from a rotating cursor; without one it asks the OS for an ephemeral port.
type Allocator struct {
	mu          sync.Mutex
	min, max    int
	maxAttempts int
	next        int
	inUse       map[int]struct{}
	probe       func(port int) bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the bind probe used to check that a candidate port is free.
func WithProbe(fn func(port int) bool) Option {
	return func(a *Allocator) { a.probe = fn }
}

// New returns an allocator over [min, max]. min == max == 0 selects OS-assigned ports.
func New(min, max, maxAttempts int, opts ...Option) (*Allocator, error) {
	if min > max {
		return nil, fmt.Errorf("invalid port range: min (%d) > max (%d)", min, max)
	}
	if max > 0 && (min < 1 || max > 65535) {
		return nil, fmt.Errorf("port range must be between 1 and 65535")
	}
	if maxAttempts <= 0 {
		maxAttempts = 64
	}
	a := &Allocator{
		min:         min,
		max:         max,
		maxAttempts: maxAttempts,
		next:        min,
		inUse:       make(map[int]struct{}),
		probe:       isPortAvailable,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Acquire returns a port not currently handed out and free to bind.
// The mutex is held across probing so concurrent callers never race on a candidate.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.maxAttempts; i++ {
		port, ok := a.candidate()
		if !ok {
			continue
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		if a.max > 0 && !a.probe(port) {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, nil
	}
	if a.max > 0 {
		return 0, fmt.Errorf("%w in range %d-%d after %d attempts", ErrNoPortAvailable, a.min, a.max, a.maxAttempts)
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrNoPortAvailable, a.maxAttempts)
}

// candidate returns the next port to try. Caller holds mu.
func (a *Allocator) candidate() (int, bool) {
	if a.max == 0 {
		return ephemeralPort()
	}
	port := a.next
	a.next++
	if a.next > a.max {
		a.next = a.min
	}
	return port, true
}

// Release returns port to the pool. Releasing an untracked port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse returns the ports currently handed out, sorted.
func (a *Allocator) InUse() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.inUse))
	for p := range a.inUse {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// isPortAvailable checks if a TCP port is available for listening.
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func ephemeralPort() (int, bool) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, false
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, true
}
