// Package watch notices checkout directories disappearing from the repos
// directory so their workspace processes can be stopped.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jaakkos/agentgate/internal/domain"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 30 * time.Second
)

// Checkouts is the repository port the watcher reports to.
// Implemented by internal/app.RepoService.
type Checkouts interface {
	List() ([]domain.Repository, error)
	CheckoutRemoved(dirName string) int64
}

// Watcher watches checkout parent directories with fsnotify and falls back
// to polling the repository list when fsnotify is unavailable. The poll also
// runs alongside fsnotify to catch missed events.
type Watcher struct {
	dirs         []string
	checkouts    Checkouts
	logger       *log.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Option configures the watcher.
type Option func(*Watcher)

// WithPollInterval sets the fallback poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithDebounce sets how long removals are batched before being reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher over dirs (the repos dir and the worktrees dir).
func New(checkouts Checkouts, logger *log.Logger, dirs []string, opts ...Option) *Watcher {
	w := &Watcher{
		dirs:         dirs,
		checkouts:    checkouts,
		logger:       logger,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
		pending:      make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the watcher until ctx is cancelled or Stop is called.
// If fsnotify fails to initialize, it runs poll-only.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("Watcher: fsnotify init failed (%v), using poll-only", err)
	} else {
		defer watcher.Close()
		added := 0
		for _, dir := range w.dirs {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				w.logger.Printf("Watcher: create %s failed: %v", dir, err)
				continue
			}
			if err := watcher.Add(dir); err != nil {
				w.logger.Printf("Watcher: fsnotify add %s failed (%v)", dir, err)
				continue
			}
			added++
		}
		if added > 0 {
			go w.watchLoop(ctx, watcher)
		} else {
			w.logger.Println("Watcher: no directories watched, using poll-only")
		}
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop and waits for it.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// PollOnce reports every ready repository whose checkout is gone.
func (w *Watcher) PollOnce() []int64 {
	repos, err := w.checkouts.List()
	if err != nil {
		w.logger.Printf("Watcher: list repos: %v", err)
		return nil
	}
	var removed []int64
	for _, r := range repos {
		if !r.Ready() {
			continue
		}
		if _, err := os.Stat(r.FullPath); !os.IsNotExist(err) {
			continue
		}
		if id := w.checkouts.CheckoutRemoved(r.LocalPath); id != 0 {
			removed = append(removed, id)
		}
	}
	return removed
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.isWatched(filepath.Dir(event.Name)) {
				continue
			}
			w.queue(filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher: fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) isWatched(dir string) bool {
	for _, d := range w.dirs {
		if filepath.Clean(d) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

func (w *Watcher) queue(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	names := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for name := range names {
		if id := w.checkouts.CheckoutRemoved(name); id != 0 {
			w.logger.Printf("Watcher: checkout %s of repo %d removed", name, id)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.PollOnce()
		}
	}
}
