package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces editor save bursts into one reload.
const watchDebounce = 500 * time.Millisecond

// Library resolves task types to templates. Built-ins are always
// available; templates from the user directory shadow them by task
// type. DefaultTaskType is the last-resort template and is guaranteed
// to exist among the built-ins.
type Library struct {
	userDir string
	log     *slog.Logger

	mu      sync.RWMutex
	builtin map[string]*Template
	user    map[string]*Template
}

// DefaultTaskType names the fallback template.
const DefaultTaskType = "default"

// NewLibrary loads the embedded templates plus, when userDir is
// non-empty, any templates found there. A missing user directory is
// not an error; a malformed user template is, so operators hear about
// typos at startup instead of silently running on defaults.
func NewLibrary(userDir string, logger *slog.Logger) (*Library, error) {
	builtin, err := loadBuiltinTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load builtin templates: %w", err)
	}
	if _, ok := builtin[DefaultTaskType]; !ok {
		return nil, fmt.Errorf("builtin templates missing %q", DefaultTaskType)
	}

	lib := &Library{
		userDir: userDir,
		log:     logger,
		builtin: builtin,
		user:    map[string]*Template{},
	}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Lookup returns the template for taskType. User templates win over
// built-ins; unknown types get the default template.
func (l *Library) Lookup(taskType string) *Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if tpl, ok := l.user[taskType]; ok {
		return tpl
	}
	if tpl, ok := l.builtin[taskType]; ok {
		return tpl
	}
	if tpl, ok := l.user[DefaultTaskType]; ok {
		return tpl
	}
	return l.builtin[DefaultTaskType]
}

// Templates lists every known template, user overrides applied.
func (l *Library) Templates() []*Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	merged := make(map[string]*Template, len(l.builtin)+len(l.user))
	for taskType, tpl := range l.builtin {
		merged[taskType] = tpl
	}
	for taskType, tpl := range l.user {
		merged[taskType] = tpl
	}
	out := make([]*Template, 0, len(merged))
	for _, tpl := range merged {
		out = append(out, tpl)
	}
	return out
}

// Reload re-reads the user directory. The previous user set stays in
// place when the directory has turned unreadable or a template no
// longer parses.
func (l *Library) Reload() error {
	if l.userDir == "" {
		return nil
	}
	if _, err := os.Stat(l.userDir); os.IsNotExist(err) {
		return nil
	}

	loaded, err := loadTemplatesFromFS(os.DirFS(l.userDir), ".")
	if err != nil {
		return fmt.Errorf("failed to load user templates from %s: %w", l.userDir, err)
	}

	l.mu.Lock()
	l.user = loaded
	l.mu.Unlock()
	return nil
}

// Watch reloads the user directory whenever a YAML file in it changes,
// until ctx is done. It returns immediately; the loop runs in a
// goroutine. No-op when the library has no user directory.
func (l *Library) Watch(ctx context.Context) error {
	if l.userDir == "" {
		return nil
	}
	if _, err := os.Stat(l.userDir); os.IsNotExist(err) {
		l.log.Info("template dir absent, hot-reload disabled", "dir", l.userDir)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	if err := fsw.Add(l.userDir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", l.userDir, err)
	}

	go l.watchLoop(ctx, fsw)
	l.log.Info("watching template dir", "dir", l.userDir)
	return nil
}

// watchLoop debounces fsnotify events and reloads once per burst.
func (l *Library) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isTemplateEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				pending = false
				if err := l.Reload(); err != nil {
					l.log.Warn("template reload failed, keeping previous set", "error", err)
					continue
				}
				l.log.Info("templates reloaded", "dir", l.userDir)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			l.log.Warn("template watcher error", "error", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isTemplateEvent filters for mutations of YAML files. Remove and
// rename matter too: deleting an override must restore the builtin.
func isTemplateEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Ext(event.Name) == ".yaml"
}
