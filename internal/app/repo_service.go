package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/supervisor"
	"github.com/jaakkos/agentgate/internal/worktree"
)

var (
	// ErrRepoNotReady is returned when a repository is still cloning or failed to clone.
	ErrRepoNotReady = errors.New("repository not ready")
	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRepoInUse is returned when a repository cannot be removed yet.
	ErrRepoInUse = errors.New("repository in use")
)

// reservedNames cannot be used as checkout directory names.
var reservedNames = map[string]bool{"worktrees": true}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Git is the git port used by RepoService.
// Implemented by internal/worktree.Manager.
type Git interface {
	Clone(ctx context.Context, url, dest, branch string) (worktree.CloneResult, error)
	Pull(ctx context.Context, dir string) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	CreateWorktree(ctx context.Context, repoDir, name, baseBranch string) (worktree.WorktreeInfo, error)
	RemoveWorktree(ctx context.Context, repoDir, path, branch string) error
	ListWorktrees(ctx context.Context, repoDir string) ([]string, error)
}

// ProcessStopper stops the workspace process of a repository.
// Implemented by internal/supervisor.Supervisor.
type ProcessStopper interface {
	Stop(repoID int64) error
}

// RepoService owns the repository lifecycle: clone (cloning -> ready|error),
// pull, delete, and resolving a ready repository to its workspace directory.
type RepoService struct {
	store  RepoStore
	git    Git
	policy Policy
	logger *log.Logger

	mu    sync.Mutex // serializes local path allocation
	procs ProcessStopper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRepoService creates a RepoService. Background clones run until Close.
func NewRepoService(store RepoStore, git Git, policy Policy, logger *log.Logger) *RepoService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RepoService{
		store:  store,
		git:    git,
		policy: policy,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetProcessStopper wires the supervisor in after construction; the
// supervisor itself resolves workspaces through this service.
func (s *RepoService) SetProcessStopper(p ProcessStopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = p
}

func (s *RepoService) stopper() ProcessStopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs
}

// Get returns the repository with id.
func (s *RepoService) Get(id int64) (*domain.Repository, error) {
	return s.store.GetRepo(id)
}

// List returns all repositories.
func (s *RepoService) List() ([]domain.Repository, error) {
	return s.store.ListRepos()
}

// Create validates req, records the repository as cloning and clones it in
// the background. The returned record is in the cloning state.
func (s *RepoService) Create(ctx context.Context, req domain.CreateRepoRequest) (*domain.Repository, error) {
	if err := validateRepoURL(req.RepoURL); err != nil {
		return nil, err
	}
	if req.OpenCodeConfigName != "" && req.OpenCodeConfigName != filepath.Base(req.OpenCodeConfigName) {
		return nil, fmt.Errorf("%w: invalid openCodeConfigName %q", ErrInvalidRequest, req.OpenCodeConfigName)
	}

	var primary *domain.Repository
	if req.UseWorktree {
		if req.Branch == "" {
			return nil, fmt.Errorf("%w: branch is required for a worktree", ErrInvalidRequest)
		}
		p, err := s.findPrimary(req.RepoURL)
		if err != nil {
			return nil, err
		}
		primary = p
	}

	s.mu.Lock()
	name, err := s.allocateLocalPath(req, primary != nil)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	fullPath := filepath.Join(s.policy.ReposDir(), name)
	if primary != nil {
		fullPath = filepath.Join(s.policy.WorktreesDir(), name)
	}
	repo := &domain.Repository{
		RepoURL:            req.RepoURL,
		LocalPath:          name,
		FullPath:           fullPath,
		Branch:             req.Branch,
		CloneStatus:        domain.CloneCloning,
		ClonedAt:           time.Now(),
		OpenCodeConfigName: req.OpenCodeConfigName,
		IsWorktree:         primary != nil,
	}
	if primary != nil {
		repo.DefaultBranch = primary.DefaultBranch
	}
	_, err = s.store.CreateRepo(repo)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("record repository: %w", err)
	}

	s.logger.Printf("RepoService: cloning %s into %s (repo %d)", repo.RepoURL, repo.FullPath, repo.ID)
	snapshot := *repo
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if primary != nil {
			s.createWorktree(repo, primary)
		} else {
			s.clone(repo)
		}
	}()
	return &snapshot, nil
}

func (s *RepoService) clone(repo *domain.Repository) {
	res, err := s.git.Clone(s.ctx, repo.RepoURL, repo.FullPath, repo.Branch)
	if err != nil {
		s.fail(repo, err)
		return
	}
	repo.Branch = res.Branch
	repo.DefaultBranch = res.DefaultBranch
	s.finish(repo)
}

func (s *RepoService) createWorktree(repo, primary *domain.Repository) {
	info, err := s.git.CreateWorktree(s.ctx, primary.FullPath, repo.LocalPath, repo.Branch)
	if err != nil {
		s.fail(repo, err)
		return
	}
	repo.FullPath = info.Path
	repo.Branch = info.Branch
	s.finish(repo)
}

func (s *RepoService) finish(repo *domain.Repository) {
	repo.CloneStatus = domain.CloneReady
	repo.Error = ""
	if err := s.store.UpdateRepo(repo); err != nil {
		s.logger.Printf("RepoService: failed to record repo %d as ready: %v", repo.ID, err)
		return
	}
	s.logger.Printf("RepoService: repo %d ready at %s (branch %s)", repo.ID, repo.FullPath, repo.Branch)
}

func (s *RepoService) fail(repo *domain.Repository, cause error) {
	s.logger.Printf("RepoService: clone of repo %d failed: %v", repo.ID, cause)
	if abs, err := s.policy.ValidateRepoPath(repo.FullPath); err == nil {
		_ = os.RemoveAll(abs)
	}
	repo.CloneStatus = domain.CloneError
	repo.Error = cause.Error()
	if err := s.store.UpdateRepo(repo); err != nil {
		s.logger.Printf("RepoService: failed to record repo %d error: %v", repo.ID, err)
	}
}

// findPrimary returns the ready, non-worktree clone of repoURL.
func (s *RepoService) findPrimary(repoURL string) (*domain.Repository, error) {
	repos, err := s.store.ListRepos()
	if err != nil {
		return nil, err
	}
	for i := range repos {
		r := &repos[i]
		if r.RepoURL == repoURL && !r.IsWorktree {
			if !r.Ready() {
				return nil, fmt.Errorf("%w: primary clone of %s is %s", ErrRepoNotReady, repoURL, r.CloneStatus)
			}
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: no clone of %s to create a worktree from", ErrInvalidRequest, repoURL)
}

// allocateLocalPath picks an unused directory name derived from the URL.
// Caller holds s.mu.
func (s *RepoService) allocateLocalPath(req domain.CreateRepoRequest, worktree bool) (string, error) {
	base := repoBaseName(req.RepoURL)
	if worktree {
		base += "-" + unsafePathChars.ReplaceAllString(req.Branch, "-")
	}
	for i := 1; i < 1000; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		if reservedNames[name] {
			continue
		}
		if _, err := s.store.FindRepoByPath(name); !errors.Is(err, ErrRepoNotFound) {
			if err != nil {
				return "", err
			}
			continue
		}
		dir := filepath.Join(s.policy.ReposDir(), name)
		if worktree {
			dir = filepath.Join(s.policy.WorktreesDir(), name)
		}
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		return name, nil
	}
	return "", fmt.Errorf("no free directory name for %s", base)
}

// Pull fast-forwards a ready repository and records the pull time.
func (s *RepoService) Pull(ctx context.Context, id int64) (*domain.Repository, error) {
	repo, err := s.store.GetRepo(id)
	if err != nil {
		return nil, err
	}
	if !repo.Ready() {
		return nil, fmt.Errorf("%w: repo %d is %s", ErrRepoNotReady, id, repo.CloneStatus)
	}
	if err := s.git.Pull(ctx, repo.FullPath); err != nil {
		return nil, err
	}
	now := time.Now()
	repo.LastPulled = &now
	if branch, err := s.git.CurrentBranch(ctx, repo.FullPath); err == nil {
		repo.Branch = branch
	}
	if err := s.store.UpdateRepo(repo); err != nil {
		return nil, err
	}
	s.logger.Printf("RepoService: pulled repo %d", id)
	return repo, nil
}

// Delete stops the repository's process, removes its checkout and its record.
// A primary clone with live worktrees and a clone in progress are refused.
// The record is marked deleting first so no new process starts meanwhile.
func (s *RepoService) Delete(ctx context.Context, id int64) error {
	repo, err := s.store.GetRepo(id)
	if err != nil {
		return err
	}
	switch repo.CloneStatus {
	case domain.CloneCloning:
		return fmt.Errorf("%w: repo %d is still cloning", ErrRepoInUse, id)
	case domain.CloneDeleting:
		return fmt.Errorf("%w: repo %d is already being deleted", ErrRepoInUse, id)
	}
	if !repo.IsWorktree {
		if err := s.checkNoWorktrees(ctx, repo); err != nil {
			return err
		}
	}

	prev := repo.CloneStatus
	repo.CloneStatus = domain.CloneDeleting
	if err := s.store.UpdateRepo(repo); err != nil {
		return fmt.Errorf("mark repo %d deleting: %w", id, err)
	}

	if p := s.stopper(); p != nil {
		if err := p.Stop(id); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			s.logger.Printf("RepoService: stopping process of repo %d: %v", id, err)
		}
	}

	if err := s.removeCheckout(ctx, repo, prev == domain.CloneReady); err != nil {
		repo.CloneStatus = prev
		if uerr := s.store.UpdateRepo(repo); uerr != nil {
			s.logger.Printf("RepoService: failed to restore repo %d status: %v", id, uerr)
		}
		return err
	}
	if err := s.store.DeleteRepo(id); err != nil {
		return err
	}
	s.logger.Printf("RepoService: deleted repo %d (%s)", id, repo.LocalPath)
	return nil
}

// checkNoWorktrees refuses to delete a primary clone that worktrees hang off,
// whether they are recorded repositories or only registered with git.
func (s *RepoService) checkNoWorktrees(ctx context.Context, repo *domain.Repository) error {
	repos, err := s.store.ListRepos()
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.IsWorktree && r.RepoURL == repo.RepoURL {
			return fmt.Errorf("%w: repo %d has worktree %d", ErrRepoInUse, repo.ID, r.ID)
		}
	}
	if !repo.Ready() {
		return nil
	}
	paths, err := s.git.ListWorktrees(ctx, repo.FullPath)
	if err != nil {
		s.logger.Printf("RepoService: listing worktrees of repo %d: %v", repo.ID, err)
		return nil
	}
	for _, p := range paths {
		if !sameDir(p, repo.FullPath) {
			return fmt.Errorf("%w: repo %d has worktree at %s", ErrRepoInUse, repo.ID, p)
		}
	}
	return nil
}

func sameDir(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func (s *RepoService) removeCheckout(ctx context.Context, repo *domain.Repository, wasReady bool) error {
	abs, err := s.policy.ValidateRepoPath(repo.FullPath)
	if err != nil {
		return fmt.Errorf("refusing to remove checkout: %w", err)
	}
	if repo.IsWorktree && wasReady {
		if primary, err := s.findPrimary(repo.RepoURL); err == nil {
			return s.git.RemoveWorktree(ctx, primary.FullPath, abs, repo.Branch)
		}
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove checkout: %w", err)
	}
	return nil
}

// Workspace resolves a ready repository to the directory and agent config
// its workspace process runs with. It implements supervisor.WorkspaceResolver.
func (s *RepoService) Workspace(ctx context.Context, repoID int64) (supervisor.Workspace, error) {
	repo, err := s.store.GetRepo(repoID)
	if err != nil {
		return supervisor.Workspace{}, err
	}
	if !repo.Ready() {
		return supervisor.Workspace{}, fmt.Errorf("%w: repo %d is %s", ErrRepoNotReady, repoID, repo.CloneStatus)
	}
	dir, err := s.policy.ValidateRepoPath(repo.FullPath)
	if err != nil {
		return supervisor.Workspace{}, err
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return supervisor.Workspace{}, fmt.Errorf("%w: checkout %s is missing", ErrRepoNotReady, dir)
	}
	ws := supervisor.Workspace{Dir: dir}
	if repo.OpenCodeConfigName != "" {
		cfg := filepath.Join(s.policy.ConfigDir(), repo.OpenCodeConfigName+".json")
		if _, err := os.Stat(cfg); err == nil {
			ws.ConfigFile = cfg
		} else {
			s.logger.Printf("RepoService: config %s for repo %d not found, starting without it", cfg, repoID)
		}
	}
	return ws, nil
}

// Recover marks clones and deletes interrupted by a restart as failed.
func (s *RepoService) Recover() error {
	repos, err := s.store.ListRepos()
	if err != nil {
		return err
	}
	for i := range repos {
		r := &repos[i]
		switch r.CloneStatus {
		case domain.CloneCloning:
			s.logger.Printf("RepoService: repo %d was cloning at shutdown, marking as error", r.ID)
			s.fail(r, errors.New("clone interrupted by restart"))
		case domain.CloneDeleting:
			s.logger.Printf("RepoService: repo %d was being deleted at shutdown, marking as error", r.ID)
			s.fail(r, errors.New("delete interrupted by restart"))
		}
	}
	return nil
}

// CheckoutRemoved reacts to a checkout directory disappearing from disk:
// its process is stopped and the repository is marked as errored.
// It returns the affected repository id, or 0 if none matched.
func (s *RepoService) CheckoutRemoved(dirName string) int64 {
	repo, err := s.store.FindRepoByPath(dirName)
	if err != nil || !repo.Ready() {
		return 0
	}
	if _, err := os.Stat(repo.FullPath); err == nil {
		return 0
	}
	if p := s.stopper(); p != nil {
		if err := p.Stop(repo.ID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			s.logger.Printf("RepoService: stopping process of repo %d: %v", repo.ID, err)
		}
	}
	repo.CloneStatus = domain.CloneError
	repo.Error = "checkout directory removed"
	if err := s.store.UpdateRepo(repo); err != nil {
		s.logger.Printf("RepoService: failed to record repo %d removal: %v", repo.ID, err)
	}
	s.logger.Printf("RepoService: checkout of repo %d removed from disk", repo.ID)
	return repo.ID
}

// Wait blocks until background clones have finished.
func (s *RepoService) Wait() {
	s.wg.Wait()
}

// Close cancels background clones and waits for them.
func (s *RepoService) Close() {
	s.cancel()
	s.wg.Wait()
}

// validateRepoURL accepts absolute URLs with a host (or file URLs) and scp-like
// git addresses (git@host:owner/repo.git).
func validateRepoURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: repoUrl is required", ErrInvalidRequest)
	}
	if strings.HasPrefix(raw, "-") {
		return fmt.Errorf("%w: invalid repoUrl %q", ErrInvalidRequest, raw)
	}
	if isSCPLike(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid repoUrl %q: %v", ErrInvalidRequest, raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		if u.Host == "" {
			return fmt.Errorf("%w: repoUrl %q has no host", ErrInvalidRequest, raw)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("%w: repoUrl %q has no path", ErrInvalidRequest, raw)
		}
	default:
		return fmt.Errorf("%w: unsupported repoUrl scheme %q", ErrInvalidRequest, u.Scheme)
	}
	return nil
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/].*$`)

func isSCPLike(raw string) bool {
	return !strings.Contains(raw, "://") && scpLike.MatchString(raw)
}

// repoBaseName derives a directory name from a repository URL.
func repoBaseName(raw string) string {
	p := raw
	if isSCPLike(raw) {
		p = raw[strings.Index(raw, ":")+1:]
	} else if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	name := strings.TrimSuffix(path.Base(strings.TrimRight(p, "/")), ".git")
	name = strings.Trim(unsafePathChars.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		name = "repo"
	}
	return name
}
