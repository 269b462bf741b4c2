package watch

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/agentgate/internal/domain"
)

type fakeCheckouts struct {
	mu      sync.Mutex
	repos   []domain.Repository
	removed []string
}

func (f *fakeCheckouts) List() ([]domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Repository(nil), f.repos...), nil
}

func (f *fakeCheckouts) CheckoutRemoved(dirName string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.LocalPath == dirName {
			f.removed = append(f.removed, dirName)
			return r.ID
		}
	}
	return 0
}

func (f *fakeCheckouts) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func setup(t *testing.T) (string, *fakeCheckouts) {
	t.Helper()
	repos := filepath.Join(t.TempDir(), "repos")
	dir := filepath.Join(repos, "widgets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	fc := &fakeCheckouts{repos: []domain.Repository{
		{ID: 7, LocalPath: "widgets", FullPath: dir, CloneStatus: domain.CloneReady},
	}}
	return repos, fc
}

func TestWatcher_DetectsRemovedCheckout(t *testing.T) {
	repos, fc := setup(t)
	logger := log.New(io.Discard, "", 0)
	w := New(fc, logger, []string{repos}, WithDebounce(20*time.Millisecond), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	defer w.Stop()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	if err := os.RemoveAll(filepath.Join(repos, "widgets")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if names := fc.removedNames(); len(names) > 0 {
			if names[0] != "widgets" {
				t.Errorf("removed %v, want widgets", names)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("removal not reported")
}

func TestWatcher_IgnoresUnrelatedChanges(t *testing.T) {
	repos, fc := setup(t)
	logger := log.New(io.Discard, "", 0)
	w := New(fc, logger, []string{repos}, WithDebounce(20*time.Millisecond), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	// Changes inside a checkout and new siblings are not removals.
	if err := os.WriteFile(filepath.Join(repos, "widgets", "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(repos, "other"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if names := fc.removedNames(); len(names) != 0 {
		t.Errorf("unexpected removals: %v", names)
	}
}

func TestWatcher_PollOnce(t *testing.T) {
	repos, fc := setup(t)
	fc.repos = append(fc.repos,
		domain.Repository{ID: 8, LocalPath: "cloning", FullPath: filepath.Join(repos, "cloning"), CloneStatus: domain.CloneCloning},
	)
	w := New(fc, log.New(io.Discard, "", 0), []string{repos})

	if got := w.PollOnce(); len(got) != 0 {
		t.Errorf("nothing removed yet, got %v", got)
	}
	if err := os.RemoveAll(filepath.Join(repos, "widgets")); err != nil {
		t.Fatal(err)
	}
	got := w.PollOnce()
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("PollOnce = %v, want [7]", got)
	}
}

func TestWatcher_StopWithoutContextCancel(t *testing.T) {
	repos, fc := setup(t)
	w := New(fc, log.New(io.Discard, "", 0), []string{repos})
	go w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
