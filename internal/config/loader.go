package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and watches flow definition files.
type Loader struct {
	mu       sync.RWMutex
	flows    map[string]*FlowDefinition
	byPath   map[string]*FlowDefinition // last good definition per file
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*FlowDefinition)
	debounce time.Duration
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		flows:    make(map[string]*FlowDefinition),
		byPath:   make(map[string]*FlowDefinition),
		dir:      dir,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
}

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*FlowDefinition)) {
	l.onChange = fn
}

// Load reads all YAML files from the configured directory. A file that
// fails to parse or validate keeps its last good definition, if any, and is
// skipped otherwise. When two files declare the same flow name, the first in
// directory order wins.
func (l *Loader) Load() (map[string]*FlowDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	l.mu.RLock()
	previous := l.byPath
	l.mu.RUnlock()

	flows := make(map[string]*FlowDefinition)
	byPath := make(map[string]*FlowDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		flow, err := LoadFile(path)
		if err != nil {
			prev, ok := previous[path]
			if !ok {
				l.logger.Error("failed to load config file", "path", path, "error", err)
				continue
			}
			l.logger.Error("failed to reload config file, keeping previous definition", "path", path, "flow", prev.Name, "error", err)
			flow = prev
		}
		if _, dup := flows[flow.Name]; dup {
			l.logger.Error("duplicate flow name, file ignored", "path", path, "flow", flow.Name)
			continue
		}
		flows[flow.Name] = flow
		byPath[path] = flow
	}

	l.mu.Lock()
	l.flows = flows
	l.byPath = byPath
	l.mu.Unlock()

	return flows, nil
}

// Watch starts watching the config directory for changes. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	// Editors emit several events per save; reload once they settle.
	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				l.logger.Debug("config change detected", "file", ev.Name, "op", ev.Op.String())
				timer.Reset(l.debounce)
			}
		case <-timer.C:
			flows, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config", "error", err)
				continue
			}
			l.logger.Info("config reloaded", "flows", len(flows))
			if l.onChange != nil {
				l.onChange(flows)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetFlows returns a copy of the currently loaded flows.
func (l *Loader) GetFlows() map[string]*FlowDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	flows := make(map[string]*FlowDefinition, len(l.flows))
	for k, v := range l.flows {
		flows[k] = v
	}
	return flows
}

// LoadFile reads, expands and validates one flow definition. ${VAR}
// references are replaced from the environment before parsing.
func LoadFile(path string) (*FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var flow FlowDefinition
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &flow); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := flow.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow definition in %s: %w", path, err)
	}

	return &flow, nil
}
