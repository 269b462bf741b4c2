package worktree

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jaakkos/agentgate/internal/runner"
)

// CloneResult describes a finished clone.
type CloneResult struct {
	Branch        string
	DefaultBranch string
}

// WorktreeInfo holds information about a created worktree.
type WorktreeInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manager runs the git operations behind repository checkouts.
// Worktree changes are serialized because git locks the shared repository.
type Manager struct {
	run          runner.Runner
	worktreesDir string
	branchPrefix string
	logger       *log.Logger
	mu           sync.Mutex
}

// NewManager creates a Manager placing worktrees under worktreesDir.
func NewManager(run runner.Runner, worktreesDir, branchPrefix string, logger *log.Logger) *Manager {
	return &Manager{
		run:          run,
		worktreesDir: worktreesDir,
		branchPrefix: branchPrefix,
		logger:       logger,
	}
}

// Clone clones url into dest and reports the checked-out and default branches.
// A failed clone leaves no directory behind.
func (m *Manager) Clone(ctx context.Context, url, dest, branch string) (CloneResult, error) {
	if _, err := os.Stat(dest); err == nil {
		return CloneResult{}, fmt.Errorf("clone destination %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return CloneResult{}, fmt.Errorf("create clone parent dir: %w", err)
	}

	start := time.Now()
	if err := clone(ctx, m.run, url, dest, branch); err != nil {
		_ = os.RemoveAll(dest)
		return CloneResult{}, err
	}

	cur, err := currentBranch(ctx, m.run, dest)
	if err != nil {
		return CloneResult{}, err
	}
	def, err := defaultBranch(ctx, m.run, dest)
	if err != nil {
		def = cur
	}
	m.logger.Printf("WorktreeManager: cloned %s into %s (branch %s) in %s", url, dest, cur, time.Since(start).Round(time.Millisecond))
	return CloneResult{Branch: cur, DefaultBranch: def}, nil
}

// Pull fast-forwards the checkout at dir.
func (m *Manager) Pull(ctx context.Context, dir string) error {
	return pull(ctx, m.run, dir)
}

// CurrentBranch returns the checked-out branch of dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return currentBranch(ctx, m.run, dir)
}

// CreateWorktree adds a worktree named name of repoDir on a new branch
// <prefix><name> based on baseBranch (current HEAD when empty).
func (m *Manager) CreateWorktree(ctx context.Context, repoDir, name, baseBranch string) (WorktreeInfo, error) {
	if !isGitRepo(ctx, m.run, repoDir) {
		return WorktreeInfo{}, fmt.Errorf("%s is not a git repository", repoDir)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wtPath := filepath.Join(m.worktreesDir, name)
	if _, err := os.Stat(wtPath); err == nil {
		return WorktreeInfo{}, fmt.Errorf("worktree path %s already exists", wtPath)
	}
	branch := m.branchPrefix + name

	if baseBranch == "" {
		var err error
		baseBranch, err = currentBranch(ctx, m.run, repoDir)
		if err != nil {
			return WorktreeInfo{}, fmt.Errorf("detect current branch: %w", err)
		}
		if baseBranch == "HEAD" {
			return WorktreeInfo{}, errors.New("repository is in detached HEAD state; pass a base branch")
		}
	} else if !branchExists(ctx, m.run, repoDir, baseBranch) && remoteBranchExists(ctx, m.run, repoDir, baseBranch) {
		baseBranch = "origin/" + baseBranch
	}

	// A branch left over from a removed worktree would block creation.
	if branchExists(ctx, m.run, repoDir, branch) {
		_ = worktreePrune(ctx, m.run, repoDir)
		if err := branchDelete(ctx, m.run, repoDir, branch); err != nil {
			m.logger.Printf("WorktreeManager: warning: could not delete stale branch %s: %v", branch, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return WorktreeInfo{}, fmt.Errorf("create worktree parent dir: %w", err)
	}
	if err := worktreeAdd(ctx, m.run, repoDir, wtPath, branch, baseBranch); err != nil {
		return WorktreeInfo{}, fmt.Errorf("create worktree: %w", err)
	}

	info := WorktreeInfo{
		Name:       name,
		Path:       wtPath,
		Branch:     branch,
		BaseBranch: baseBranch,
		CreatedAt:  time.Now(),
	}
	m.logger.Printf("WorktreeManager: created worktree %s at %s (branch: %s, base: %s)", name, wtPath, branch, baseBranch)
	return info, nil
}

// RemoveWorktree removes the worktree at path and its branch from repoDir.
func (m *Manager) RemoveWorktree(ctx context.Context, repoDir, path, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Printf("WorktreeManager: removing worktree at %s", path)

	if err := worktreeRemove(ctx, m.run, repoDir, path, true); err != nil {
		m.logger.Printf("WorktreeManager: git worktree remove failed, trying manual: %v", err)
		if err2 := os.RemoveAll(path); err2 != nil {
			return fmt.Errorf("remove worktree dir: %w (git: %v)", err2, err)
		}
	}

	_ = worktreePrune(ctx, m.run, repoDir)

	if branch != "" && branchExists(ctx, m.run, repoDir, branch) {
		if err := branchDelete(ctx, m.run, repoDir, branch); err != nil {
			m.logger.Printf("WorktreeManager: warning: could not delete branch %s: %v", branch, err)
		}
	}
	return nil
}

// ListWorktrees returns the worktree paths registered in repoDir, including repoDir itself.
func (m *Manager) ListWorktrees(ctx context.Context, repoDir string) ([]string, error) {
	return worktreeList(ctx, m.run, repoDir)
}
