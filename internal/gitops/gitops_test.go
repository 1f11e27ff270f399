package gitops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/uesteibar/dispatchd/internal/shell"
)

// initRepo creates a bare-minimum git repo in dir with one initial commit
// on branch main.
func initRepo(t *testing.T, dir string) *shell.Runner {
	t.Helper()
	r := &shell.Runner{Dir: dir}
	ctx := context.Background()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, c := range cmds {
		if _, err := r.Run(ctx, c[0], c[1:]...); err != nil {
			t.Fatalf("init repo %v: %v", c, err)
		}
	}

	f := filepath.Join(dir, "README.md")
	if err := os.WriteFile(f, []byte("# test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", "initial"); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Fix the login page", "fix-the-login-page"},
		{"  add  rate-limiting!! ", "add-rate-limiting"},
		{"UPPER Case", "upper-case"},
		{"émoji ☃ and words", "moji-and-words"},
		{"", "task"},
		{"!!!", "task"},
	}
	for _, tc := range cases {
		if got := Slug(tc.in); got != tc.want {
			t.Errorf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlug_CapsLength(t *testing.T) {
	long := "this description keeps going and going and going far past any sensible branch name length"
	slug := Slug(long)
	if len(slug) > 48 {
		t.Errorf("expected slug capped at 48, got %d: %q", len(slug), slug)
	}
	if slug[len(slug)-1] == '-' {
		t.Errorf("expected no trailing hyphen, got %q", slug)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("dispatch/", "Fix login"); got != "dispatch/fix-login" {
		t.Errorf("unexpected branch name %q", got)
	}
	if got := BranchName("feat", "Fix login"); got != "feat/fix-login" {
		t.Errorf("expected separator added, got %q", got)
	}
	if got := BranchName("", "Fix login"); got != "dispatch/fix-login" {
		t.Errorf("expected default prefix, got %q", got)
	}
}

func TestSync_ClonesWhenMissing(t *testing.T) {
	ctx := context.Background()
	origin := t.TempDir()
	initRepo(t, origin)

	dir := filepath.Join(t.TempDir(), "clone")
	if err := Sync(ctx, origin, dir, "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Errorf("expected cloned file: %v", err)
	}
}

func TestSync_ResetsExistingCopy(t *testing.T) {
	ctx := context.Background()
	origin := t.TempDir()
	originRunner := initRepo(t, origin)

	dir := filepath.Join(t.TempDir(), "clone")
	if err := Sync(ctx, origin, dir, "main"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Advance origin and dirty the local copy.
	if err := os.WriteFile(filepath.Join(origin, "NEW.md"), []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := originRunner.Run(ctx, "git", "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := originRunner.Run(ctx, "git", "commit", "-m", "second"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "DIRTY.md"), []byte("leftover\n"), 0644); err != nil {
		t.Fatal(err)
	}
	localRunner := &shell.Runner{Dir: dir}
	if _, err := localRunner.Run(ctx, "git", "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := localRunner.Run(ctx, "git", "commit", "-m", "local junk"); err != nil {
		t.Fatal(err)
	}

	if err := Sync(ctx, origin, dir, "main"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "NEW.md")); err != nil {
		t.Errorf("expected origin commit pulled: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "DIRTY.md")); !os.IsNotExist(err) {
		t.Error("expected local commit discarded by hard reset")
	}
}

func TestEnsureBranch_CreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := initRepo(t, dir)

	if err := EnsureBranch(ctx, r, "dispatch/fix-login", "main"); err != nil {
		t.Fatalf("creating branch: %v", err)
	}
	branch, err := CurrentBranch(ctx, r)
	if err != nil {
		t.Fatalf("current branch: %v", err)
	}
	if branch != "dispatch/fix-login" {
		t.Errorf("expected dispatch/fix-login checked out, got %s", branch)
	}

	if _, err := r.Run(ctx, "git", "checkout", "main"); err != nil {
		t.Fatal(err)
	}
	if err := EnsureBranch(ctx, r, "dispatch/fix-login", "main"); err != nil {
		t.Fatalf("reusing branch: %v", err)
	}
	if !BranchExistsLocally(ctx, r, "dispatch/fix-login") {
		t.Error("expected branch to exist")
	}
}

func TestResolveWorkItem(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "docs", "items"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"docs/items/b.md", "docs/items/a.md", "docs/readme.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	match, err := ResolveWorkItem(dir, "docs/**/*.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match != "docs/items/a.md" {
		t.Errorf("expected first match docs/items/a.md, got %s", match)
	}

	if _, err := ResolveWorkItem(dir, "missing/**/*.md"); err == nil {
		t.Error("expected error when nothing matches")
	}
	if _, err := ResolveWorkItem(dir, ""); err == nil {
		t.Error("expected error for empty pattern")
	}
}
