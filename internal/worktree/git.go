// Package worktree clones repositories and manages git worktrees of them.
// Git is always invoked as an external command through a runner.Runner.
package worktree

import (
	"context"
	"fmt"
	"strings"

	"github.com/jaakkos/agentgate/internal/runner"
)

func git(ctx context.Context, r runner.Runner, dir string, args ...string) (string, error) {
	return r.Run(ctx, dir, append([]string{"git"}, args...)...)
}

// clone clones url into dest. With branch set, that branch is checked out.
func clone(ctx context.Context, r runner.Runner, url, dest, branch string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", url, dest)
	if _, err := git(ctx, r, "", args...); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

// pull fast-forwards the current branch from its upstream.
func pull(ctx context.Context, r runner.Runner, repoDir string) error {
	if _, err := git(ctx, r, repoDir, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("git pull: %w", err)
	}
	return nil
}

// worktreeAdd creates a new git worktree at the specified path with a new branch.
// If baseBranch is empty, it uses the current HEAD.
func worktreeAdd(ctx context.Context, r runner.Runner, repoDir, worktreePath, branch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := git(ctx, r, repoDir, args...); err != nil {
		return fmt.Errorf("git worktree add: %w", err)
	}
	return nil
}

// worktreeRemove removes a git worktree. If force is true, uses --force.
func worktreeRemove(ctx context.Context, r runner.Runner, repoDir, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	if _, err := git(ctx, r, repoDir, args...); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

// worktreeList returns the paths of all worktrees in the repository.
func worktreeList(ctx context.Context, r runner.Runner, repoDir string) ([]string, error) {
	out, err := git(ctx, r, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// worktreePrune removes stale worktree administrative data.
func worktreePrune(ctx context.Context, r runner.Runner, repoDir string) error {
	if _, err := git(ctx, r, repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("git worktree prune: %w", err)
	}
	return nil
}

// branchExists checks if a branch exists in the repository.
func branchExists(ctx context.Context, r runner.Runner, repoDir, branch string) bool {
	_, err := git(ctx, r, repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// remoteBranchExists checks if origin has the branch.
func remoteBranchExists(ctx context.Context, r runner.Runner, repoDir, branch string) bool {
	_, err := git(ctx, r, repoDir, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// branchDelete deletes a local branch. Uses -D (force delete) to handle
// branches that haven't been merged.
func branchDelete(ctx context.Context, r runner.Runner, repoDir, branch string) error {
	if _, err := git(ctx, r, repoDir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("git branch -D %s: %w", branch, err)
	}
	return nil
}

// isGitRepo checks whether the given directory is inside a git repository.
func isGitRepo(ctx context.Context, r runner.Runner, dir string) bool {
	out, err := git(ctx, r, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// currentBranch returns the current branch name (or HEAD if detached).
func currentBranch(ctx context.Context, r runner.Runner, repoDir string) (string, error) {
	out, err := git(ctx, r, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// defaultBranch returns the remote's default branch (origin/HEAD), falling
// back to the current branch when the remote does not advertise one.
func defaultBranch(ctx context.Context, r runner.Runner, repoDir string) (string, error) {
	out, err := git(ctx, r, repoDir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		if b := strings.TrimPrefix(strings.TrimSpace(out), "origin/"); b != "" {
			return b, nil
		}
	}
	return currentBranch(ctx, r, repoDir)
}
