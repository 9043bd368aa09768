// Package tracker maps service names to external "in-progress" tracker URLs.
//
// Entries come from name=url assignments and, optionally, a YAML file of the
// form
//
//	planet-dumper: http://dumper.local/jobs
//	osm2pg-query: http://query.local/tasks
//
// which is watched and reloaded on change. Assignments win over file entries.
package tracker

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/svcfields"
)

// Map is a concurrency safe service name to tracker URL table.
type Map struct {
	mu     sync.RWMutex
	urls   map[string]string
	static map[string]string
	path   string
	logger pslog.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New returns a Map holding static only.
func New(static map[string]string) *Map {
	m := &Map{static: maps.Clone(static), logger: loggingutil.NoopLogger()}
	if m.static == nil {
		m.static = map[string]string{}
	}
	m.urls = maps.Clone(m.static)
	return m
}

// ParseAssignments parses name=url pairs.
func ParseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("tracker: %q is not name=url", pair)
		}
		if err := add(out, name, raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Load reads a YAML name to url map from path.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tracker: read %s: %w", path, err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tracker: parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for name, u := range raw {
		if err := add(out, name, u); err != nil {
			return nil, fmt.Errorf("%w (in %s)", err, path)
		}
	}
	return out, nil
}

func add(dst map[string]string, name, raw string) error {
	name = strings.TrimSpace(name)
	raw = strings.TrimSpace(raw)
	if name == "" {
		return errors.New("tracker: empty service name")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("tracker: invalid url %q for %s", raw, name)
	}
	dst[name] = raw
	return nil
}

// Watch loads path, merges static over it and reloads whenever the file
// changes. Close stops watching.
func Watch(path string, static map[string]string, logger pslog.Logger) (*Map, error) {
	m := New(static)
	m.path = path
	m.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "tracker.watch")
	if err := m.Reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tracker: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("tracker: watch %s: %w", filepath.Dir(path), err)
	}
	m.watcher = watcher
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run()
	return m, nil
}

// Lookup implements the core tracker capability.
func (m *Map) Lookup(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.urls[name]
	return u, ok
}

// Snapshot returns a copy of the current table.
func (m *Map) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.urls)
}

// Reload re-reads the backing file. A failed reload keeps the previous table.
func (m *Map) Reload() error {
	if m.path == "" {
		return nil
	}
	loaded, err := Load(m.path)
	if err != nil {
		return err
	}
	maps.Copy(loaded, m.static)
	m.mu.Lock()
	m.urls = loaded
	m.mu.Unlock()
	m.logger.Info("tracker.reload.success", "path", m.path, "entries", len(loaded))
	return nil
}

// Close stops the watcher.
func (m *Map) Close() error {
	if m.watcher == nil {
		return nil
	}
	var err error
	m.once.Do(func() {
		close(m.stop)
		err = m.watcher.Close()
		<-m.done
	})
	return err
}

func (m *Map) run() {
	defer close(m.done)
	target := filepath.Clean(m.path)
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("tracker.reload.failed", "path", m.path, "error", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("tracker.watch.error", "path", m.path, "error", err)
		}
	}
}
