package sqlite

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/agentgate/internal/app"
	"github.com/jaakkos/agentgate/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundtrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	repo := &domain.Repository{
		RepoURL:            "https://github.com/acme/widgets.git",
		LocalPath:          "widgets",
		FullPath:           "/ws/repos/widgets",
		Branch:             "develop",
		DefaultBranch:      "main",
		CloneStatus:        domain.CloneCloning,
		ClonedAt:           now,
		OpenCodeConfigName: "strict",
	}
	id, err := store.CreateRepo(repo)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	if id == 0 || repo.ID != id {
		t.Fatalf("CreateRepo id = %d, repo.ID = %d", id, repo.ID)
	}

	repo.CloneStatus = domain.CloneReady
	pulled := now.Add(time.Minute)
	repo.LastPulled = &pulled
	if err := store.UpdateRepo(repo); err != nil {
		t.Fatalf("UpdateRepo: %v", err)
	}

	loaded, err := store.GetRepo(id)
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if loaded.CloneStatus != domain.CloneReady {
		t.Errorf("CloneStatus = %q, want ready", loaded.CloneStatus)
	}
	if loaded.Branch != "develop" || loaded.DefaultBranch != "main" || loaded.OpenCodeConfigName != "strict" {
		t.Errorf("unexpected fields: %+v", loaded)
	}
	if !loaded.ClonedAt.Equal(now) {
		t.Errorf("ClonedAt = %v, want %v", loaded.ClonedAt, now)
	}
	if loaded.LastPulled == nil || !loaded.LastPulled.Equal(pulled) {
		t.Errorf("LastPulled = %v, want %v", loaded.LastPulled, pulled)
	}

	byPath, err := store.FindRepoByPath("widgets")
	if err != nil || byPath.ID != id {
		t.Errorf("FindRepoByPath = %+v, %v", byPath, err)
	}
}

func TestStoreUniqueLocalPath(t *testing.T) {
	store := newTestStore(t)
	r := &domain.Repository{RepoURL: "u", LocalPath: "same", CloneStatus: domain.CloneReady, ClonedAt: time.Now()}
	if _, err := store.CreateRepo(r); err != nil {
		t.Fatal(err)
	}
	dup := *r
	if _, err := store.CreateRepo(&dup); err == nil {
		t.Error("expected error for duplicate local path")
	}
}

func TestStoreNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRepo(99); !errors.Is(err, app.ErrRepoNotFound) {
		t.Errorf("GetRepo: got %v, want ErrRepoNotFound", err)
	}
	if _, err := store.FindRepoByPath("nope"); !errors.Is(err, app.ErrRepoNotFound) {
		t.Errorf("FindRepoByPath: got %v, want ErrRepoNotFound", err)
	}
	if err := store.UpdateRepo(&domain.Repository{ID: 99, ClonedAt: time.Now()}); !errors.Is(err, app.ErrRepoNotFound) {
		t.Errorf("UpdateRepo: got %v, want ErrRepoNotFound", err)
	}
	if err := store.DeleteRepo(99); !errors.Is(err, app.ErrRepoNotFound) {
		t.Errorf("DeleteRepo: got %v, want ErrRepoNotFound", err)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		r := &domain.Repository{RepoURL: "u", LocalPath: fmt.Sprintf("r%d", i), CloneStatus: domain.CloneReady, ClonedAt: time.Now()}
		if _, err := store.CreateRepo(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.AppendEvent(domain.Event{Kind: domain.EventHealthy, RepoID: 2}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRepo(2); err != nil {
		t.Fatalf("DeleteRepo: %v", err)
	}

	repos, err := store.ListRepos()
	if err != nil {
		t.Fatalf("ListRepos: %v", err)
	}
	if len(repos) != 2 || repos[0].LocalPath != "r0" || repos[1].LocalPath != "r2" {
		t.Errorf("unexpected repos: %+v", repos)
	}
	events, err := store.RecentEvents(2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events of deleted repo should be gone, got %d", len(events))
	}
}

func TestStoreEvents(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	kinds := []domain.EventKind{domain.EventStarting, domain.EventHealthy, domain.EventExited}
	for i, k := range kinds {
		e := domain.Event{Kind: k, RepoID: 1, PID: 100, Port: 9000, Detail: string(k), At: base.Add(time.Duration(i) * time.Second)}
		if err := store.AppendEvent(e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	if err := store.AppendEvent(domain.Event{Kind: domain.EventStarting, RepoID: 2}); err != nil {
		t.Fatal(err)
	}

	events, err := store.RecentEvents(1, 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Kind != domain.EventExited || events[1].Kind != domain.EventHealthy {
		t.Errorf("events not newest first: %+v", events)
	}
	if events[0].Port != 9000 || events[0].PID != 100 {
		t.Errorf("unexpected event fields: %+v", events[0])
	}

	all, err := store.RecentEvents(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("len(all) = %d, want 4", len(all))
	}
}

func TestStoreEventsTrimmed(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < maxEvents+5; i++ {
		if err := store.AppendEvent(domain.Event{Kind: domain.EventHealthy, RepoID: 1, PID: i}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := store.RecentEvents(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != maxEvents {
		t.Errorf("len = %d, want %d", len(events), maxEvents)
	}
	if events[0].PID != maxEvents+4 {
		t.Errorf("newest PID = %d, want %d", events[0].PID, maxEvents+4)
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.sqlite")
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRepo(&domain.Repository{RepoURL: "u", LocalPath: "keep", CloneStatus: domain.CloneReady, ClonedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	repos, err := store.ListRepos()
	if err != nil || len(repos) != 1 {
		t.Errorf("ListRepos after reopen = %v, %v", repos, err)
	}
}

func TestStoreClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "closed.sqlite")

	st, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if st.db != nil {
		t.Error("Close should set db to nil")
	}
	// Second Close is no-op
	if err := st.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}
