package ports

import (
	"math/rand"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(int) bool { return true }

func TestAcquire_RangeExhaustion(t *testing.T) {
	a, err := New(30000, 30009, 64, WithProbe(alwaysFree))
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		p, err := a.Acquire()
		require.NoError(t, err)
		assert.False(t, seen[p], "port %d handed out twice", p)
		assert.GreaterOrEqual(t, p, 30000)
		assert.LessOrEqual(t, p, 30009)
		seen[p] = true
	}

	_, err = a.Acquire()
	require.ErrorIs(t, err, ErrNoPortAvailable)

	a.Release(30004)
	p, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30004, p)
}

func TestAcquire_SkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{30000: true, 30001: true}
	a, err := New(30000, 30002, 8, WithProbe(func(p int) bool { return !busy[p] }))
	require.NoError(t, err)

	p, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30002, p)

	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestAcquire_RealBindProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	held := ln.Addr().(*net.TCPAddr).Port

	a, err := New(held, held, 4)
	require.NoError(t, err)
	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestAcquire_Ephemeral(t *testing.T) {
	a, err := New(0, 0, 0)
	require.NoError(t, err)

	p, err := a.Acquire()
	require.NoError(t, err)
	assert.Positive(t, p)
	assert.Equal(t, []int{p}, a.InUse())
}

func TestRelease_Idempotent(t *testing.T) {
	a, err := New(30000, 30001, 4, WithProbe(alwaysFree))
	require.NoError(t, err)

	a.Release(12345)
	p, err := a.Acquire()
	require.NoError(t, err)
	a.Release(p)
	a.Release(p)
	assert.Empty(t, a.InUse())
}

func TestNew_InvalidRange(t *testing.T) {
	_, err := New(2000, 1000, 4)
	assert.Error(t, err)
	_, err = New(0, 70000, 4)
	assert.Error(t, err)
}

// Concurrent acquire/release must never hand the same port to two live holders.
func TestAcquireRelease_ConcurrentUniqueness(t *testing.T) {
	for _, mode := range []struct {
		name string
		min  int
		max  int
		opts []Option
	}{
		{"range", 31000, 31031, []Option{WithProbe(alwaysFree)}},
		{"ephemeral", 0, 0, nil},
	} {
		t.Run(mode.name, func(t *testing.T) {
			a, err := New(mode.min, mode.max, 256, mode.opts...)
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				live = map[int]bool{}
				dup  []int
				wg   sync.WaitGroup
			)
			for g := 0; g < 16; g++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					var held []int
					for i := 0; i < 200; i++ {
						if len(held) > 0 && rng.Intn(2) == 0 {
							p := held[len(held)-1]
							held = held[:len(held)-1]
							mu.Lock()
							delete(live, p)
							mu.Unlock()
							a.Release(p)
							continue
						}
						p, err := a.Acquire()
						if err != nil {
							continue
						}
						mu.Lock()
						if live[p] {
							dup = append(dup, p)
						}
						live[p] = true
						mu.Unlock()
						held = append(held, p)
					}
					for _, p := range held {
						mu.Lock()
						delete(live, p)
						mu.Unlock()
						a.Release(p)
					}
				}(int64(g))
			}
			wg.Wait()

			assert.Empty(t, dup, "ports handed out twice")
			assert.Empty(t, a.InUse())
		})
	}
}

// FuzzAcquireRelease replays a byte-driven sequence of acquires and releases
// and checks that no port is ever held twice and exhaustion only happens when
// the whole range is held.
func FuzzAcquireRelease(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0, 1, 1, 1})
	f.Add([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	f.Fuzz(func(t *testing.T, ops []byte) {
		const lo, hi = 32000, 32007
		a, err := New(lo, hi, 64, WithProbe(alwaysFree))
		require.NoError(t, err)

		held := map[int]bool{}
		var order []int
		for _, op := range ops {
			if op%2 == 1 && len(order) > 0 {
				i := int(op/2) % len(order)
				p := order[i]
				order = append(order[:i], order[i+1:]...)
				delete(held, p)
				a.Release(p)
				continue
			}
			p, err := a.Acquire()
			if err != nil {
				require.ErrorIs(t, err, ErrNoPortAvailable)
				require.Len(t, held, hi-lo+1, "exhausted with free ports left")
				continue
			}
			require.False(t, held[p], "port %d handed out twice", p)
			held[p] = true
			order = append(order, p)
		}
		assert.ElementsMatch(t, order, a.InUse())
	})
}
