// Package registry holds the catalogue of projects tasks can be dispatched
// to. The catalogue is a YAML file reloaded on change; readers always see a
// consistent snapshot.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Project describes one dispatchable repository.
type Project struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	RepoURL       string            `yaml:"repo_url"`
	DefaultBranch string            `yaml:"default_branch"`
	WorkItemPath  string            `yaml:"work_item_path"`
	Active        *bool             `yaml:"active"`
	Priority      int               `yaml:"priority"`
	Metadata      map[string]string `yaml:"metadata"`
}

// IsActive reports whether the project accepts new tasks. Projects are
// active unless the file says otherwise.
func (p Project) IsActive() bool {
	return p.Active == nil || *p.Active
}

type file struct {
	Projects []Project `yaml:"projects"`
}

// Registry serves project lookups from an in-memory snapshot of the
// catalogue file. Reload swaps the snapshot atomically, so a reload that
// fails validation leaves the previous catalogue in place.
type Registry struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	projects []Project
}

// Load reads and validates the catalogue at path.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalogue file. On error the current snapshot is kept.
func (r *Registry) Reload() error {
	projects, err := parseFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()
	return nil
}

func parseFile(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, p := range f.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("invalid registry %s: project %d missing id", path, i)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("invalid registry %s: project %s missing name", path, p.ID)
		}
		if p.RepoURL == "" {
			return nil, fmt.Errorf("invalid registry %s: project %s missing repo_url", path, p.ID)
		}
		if p.IsActive() {
			key := strings.ToLower(p.ID)
			if seen[key] {
				return nil, fmt.Errorf("invalid registry %s: duplicate active project id %s", path, p.ID)
			}
			seen[key] = true
		}
		if p.DefaultBranch == "" {
			f.Projects[i].DefaultBranch = "main"
		}
	}
	return f.Projects, nil
}

// ListActive returns active projects ordered by priority (ascending), then
// name. The returned slice is a copy.
func (r *Registry) ListActive() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []Project
	for _, p := range r.projects {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	return active
}

// All returns every project in the catalogue, including inactive ones.
func (r *Registry) All() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, len(r.projects))
	copy(out, r.projects)
	return out
}

// FindByID returns the active project with the given identifier,
// case-insensitively.
func (r *Registry) FindByID(id string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.IsActive() && strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return Project{}, false
}

// FindByRepoURL matches an active project by repository URL, ignoring a
// trailing .git suffix and trailing slashes on either side.
func (r *Registry) FindByRepoURL(url string) (Project, bool) {
	want := normalizeRepoURL(url)
	if want == "" {
		return Project{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.IsActive() && normalizeRepoURL(p.RepoURL) == want {
			return p, true
		}
	}
	return Project{}, false
}

func normalizeRepoURL(url string) string {
	url = strings.TrimSpace(strings.ToLower(url))
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return url
}

// Watch reloads the catalogue when the file changes, until ctx is done.
// Editors often replace the file rather than write in place, so the watch
// is on the parent directory and rename/create events re-arm it. Reload
// failures are logged and the previous snapshot stays live.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			if err := r.Reload(); err != nil {
				r.logger.Error("registry reload failed, keeping previous catalogue", "error", err)
				return
			}
			r.logger.Info("registry reloaded", "path", r.path, "projects", len(r.All()))
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("registry watcher error", "error", err)
			}
		}
	}()

	return nil
}
