package api

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/skeinworks/loom/workflow"
)

// TemplateCache serves parsed workflow templates from a directory,
// invalidating entries when the files change on disk.
type TemplateCache struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*workflow.Template

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTemplateCache creates a cache over dir. Templates load lazily on
// first Get.
func NewTemplateCache(dir string, logger *slog.Logger) *TemplateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateCache{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*workflow.Template),
	}
}

// Watch starts invalidating cached templates on file changes. Safe to
// skip entirely; the cache then holds templates until process restart.
func (c *TemplateCache) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	c.watcher = watcher
	c.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-c.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := strings.TrimSuffix(filepath.Base(event.Name), ".yml")
				c.mu.Lock()
				delete(c.cache, name)
				c.mu.Unlock()
				c.logger.Info("Template invalidated", "template", name, "op", event.Op.String())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Template watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (c *TemplateCache) Close() error {
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	return c.watcher.Close()
}

// Get returns the parsed template for name, loading it on a cache miss.
func (c *TemplateCache) Get(name string) (*workflow.Template, error) {
	c.mu.RLock()
	tmpl, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := workflow.LoadTemplate(c.dir, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[name] = tmpl
	c.mu.Unlock()
	return tmpl, nil
}

// List returns the template names available on disk.
func (c *TemplateCache) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".yml"))
	}
	sort.Strings(names)
	return names, nil
}
