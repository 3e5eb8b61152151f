package policy

import (
	"fmt"
	"io/fs"
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

// Template is a named, immutable policy skeleton used to seed per-tenant
// defaults. Templates are library references, never live policy: seeding a
// tenant copies the template into a tenant version.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Policy      Policy `yaml:"policy" json:"policy"`
}

// TemplateSnapshot is a consistent view of the loaded template library.
type TemplateSnapshot struct {
	Templates []Template
	Version   int64
}

// TemplateLoader loads policy templates from a directory of YAML files.
type TemplateLoader struct {
	dir        string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger

	mu       sync.RWMutex
	snapshot *TemplateSnapshot
	watcher  *fsnotify.Watcher
	stop     chan struct{}
}

// NewTemplateLoader creates a template loader for the given directory.
func NewTemplateLoader(dir string, hotReload bool, debounceMs int, logger *slog.Logger) *TemplateLoader {
	return &TemplateLoader{
		dir:        dir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
	}
}

// LoadSnapshot reads every template file in the directory. Invalid files are
// skipped with a logged reason; one bad template never hides the rest.
func (l *TemplateLoader) LoadSnapshot() (*TemplateSnapshot, error) {
	files, err := l.templateFiles()
	if err != nil {
		return nil, fmt.Errorf("reading template directory: %w", err)
	}

	byName := make(map[string]Template)
	for _, file := range files {
		tmpl, err := l.loadTemplateFile(file)
		if err != nil {
			l.logger.Warn("Skipping invalid policy template", "file", file, "error", err)
			continue
		}
		if prior, exists := byName[tmpl.Name]; exists {
			l.logger.Info("Template name conflict resolved by filename order",
				"name", tmpl.Name,
				"kept", file,
				"replaced", prior.Description)
		}
		byName[tmpl.Name] = tmpl
	}

	templates := make([]Template, 0, len(byName))
	for _, tmpl := range byName {
		templates = append(templates, tmpl)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

	snapshot := &TemplateSnapshot{
		Templates: templates,
		Version:   time.Now().UnixNano(),
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.Info("Policy templates loaded", "count", len(templates), "dir", l.dir)
	return snapshot, nil
}

// GetSnapshot returns the current template snapshot.
func (l *TemplateLoader) GetSnapshot() *TemplateSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &TemplateSnapshot{}
	}
	templates := make([]Template, len(l.snapshot.Templates))
	copy(templates, l.snapshot.Templates)
	return &TemplateSnapshot{Templates: templates, Version: l.snapshot.Version}
}

// Find returns the named template, if loaded.
func (l *TemplateLoader) Find(name string) (Template, bool) {
	for _, tmpl := range l.GetSnapshot().Templates {
		if tmpl.Name == name {
			return tmpl, true
		}
	}
	return Template{}, false
}

// WatchForChanges starts an fsnotify watcher on the template directory with
// debounced reloads. No-op when hot reload is disabled.
func (l *TemplateLoader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Template hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating template watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching template directory: %w", err)
	}

	l.watcher = watcher
	l.stop = make(chan struct{})
	go l.watchLoop()

	l.logger.Info("Template watcher started", "dir", l.dir)
	return nil
}

// Close stops the watcher, if running.
func (l *TemplateLoader) Close() {
	if l.watcher != nil {
		close(l.stop)
		l.watcher.Close()
		l.watcher = nil
	}
}

func (l *TemplateLoader) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
				if _, err := l.LoadSnapshot(); err != nil {
					l.logger.Error("Failed to reload policy templates", "error", err)
				}
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Template watcher error", "error", err)
		case <-l.stop:
			return
		}
	}
}

func (l *TemplateLoader) templateFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (l *TemplateLoader) loadTemplateFile(filename string) (Template, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Template{}, fmt.Errorf("reading file: %w", err)
	}

	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if tmpl.Name == "" {
		return Template{}, &ValidationError{Field: "name", Message: "template name is required"}
	}

	// Template policies are validated with a placeholder tenant; the real
	// tenant ID is stamped at seeding time.
	check := tmpl.Policy
	if check.TenantID == "" {
		check.TenantID = "template"
	}
	if err := check.Validate(); err != nil {
		return Template{}, err
	}

	return tmpl, nil
}
