// Package gitops prepares project working copies for task execution.
package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/uesteibar/dispatchd/internal/shell"
)

const maxSlugLen = 48

// Slug turns a task description into a branch-safe fragment: lowercase,
// runs of non-alphanumerics collapsed to single hyphens, capped in length.
func Slug(description string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(description) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

// BranchName builds the working branch for a task from the configured
// prefix and the task description.
func BranchName(prefix, description string) string {
	if prefix == "" {
		prefix = "dispatch/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + Slug(description)
}

// Sync brings the working copy at dir up to date with origin/<branch>,
// cloning first when the directory does not exist yet. The working copy is
// reset hard, so any leftovers from a previous run are discarded.
func Sync(ctx context.Context, repoURL, dir, branch string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("checking working copy %s: %w", dir, err)
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return fmt.Errorf("creating repos directory: %w", err)
		}
		r := &shell.Runner{}
		if _, err := r.Run(ctx, "git", "clone", "--branch", branch, repoURL, dir); err != nil {
			return fmt.Errorf("cloning %s: %w", repoURL, err)
		}
		return nil
	}

	r := &shell.Runner{Dir: dir}
	if _, err := r.Run(ctx, "git", "fetch", "origin", branch); err != nil {
		return fmt.Errorf("fetching origin/%s: %w", branch, err)
	}
	if _, err := r.Run(ctx, "git", "checkout", branch); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	if _, err := r.Run(ctx, "git", "reset", "--hard", "origin/"+branch); err != nil {
		return fmt.Errorf("resetting to origin/%s: %w", branch, err)
	}
	return nil
}

// EnsureBranch checks out the task branch, creating it from base when it
// does not exist locally yet.
func EnsureBranch(ctx context.Context, r *shell.Runner, branch, base string) error {
	if BranchExistsLocally(ctx, r, branch) {
		if _, err := r.Run(ctx, "git", "checkout", branch); err != nil {
			return fmt.Errorf("checking out %s: %w", branch, err)
		}
		return nil
	}
	if _, err := r.Run(ctx, "git", "checkout", "-b", branch, base); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", branch, base, err)
	}
	return nil
}

// BranchExistsLocally checks whether a branch exists in the local repo.
func BranchExistsLocally(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func CurrentBranch(ctx context.Context, r *shell.Runner) (string, error) {
	out, err := r.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ResolveWorkItem finds the file in dir matching a work-item glob pattern.
// Supports recursive wildcards (docs/**/*.md). Exactly one match is
// required; several matches pick the lexicographically first and report it.
func ResolveWorkItem(dir, pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty work item pattern")
	}

	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return "", fmt.Errorf("invalid work item pattern %q: %w", pattern, err)
	}

	var files []string
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(dir, m))
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", m, err)
		}
		if !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("work item pattern %q matched no files in %s", pattern, dir)
	}
	sort.Strings(files)
	return files[0], nil
}
