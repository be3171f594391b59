package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads contract files when the contracts directory changes.
// Changes are debounced: a burst of writes produces one reload.
type Watcher struct {
	dir      string
	registry *Registry
	logger   *slog.Logger
	reloads  chan string
}

func NewWatcher(dir string, registry *Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		logger:   logger,
		reloads:  make(chan string, 16),
	}
}

// Reloads emits the skill name of each successfully reloaded contract.
func (w *Watcher) Reloads() <-chan string {
	return w.reloads
}

// Start blocks until ctx is canceled, applying contract reloads as files
// change. A contract that no longer compiles is logged and skipped; the
// registry keeps the last good version.
func (w *Watcher) Start(ctx context.Context) error {
	if strings.TrimSpace(w.dir) == "" {
		<-ctx.Done()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("resolve contracts dir: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		if os.IsNotExist(err) {
			w.logger.Warn("contracts dir missing, watcher idle", "dir", abs)
			<-ctx.Done()
			return nil
		}
		return fmt.Errorf("watch contracts dir: %w", err)
	}

	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(200 * time.Millisecond)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("contracts watcher error", "error", err)
		case <-debounce.C:
			pending = false
			w.reloadAll(abs)
		}
	}
}

func (w *Watcher) reloadAll(dir string) {
	contracts, err := LoadContractsDir(dir)
	if err != nil {
		w.logger.Error("contract reload failed", "dir", dir, "error", err)
		return
	}
	for name, contract := range contracts {
		if err := w.registry.ReplaceContract(contract); err != nil {
			w.logger.Warn("contract not applied", "skill", name, "error", err)
			continue
		}
		w.logger.Info("contract reloaded", "skill", name, "version", contract.Version)
		select {
		case w.reloads <- name:
		default:
		}
	}
}
