package credential

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long the watcher waits after a write event before
// re-reading a file, so editors and atomic-rename writers finish first.
const settleDelay = 50 * time.Millisecond

// Watcher applies credential directory changes to a Store while running.
// Create and write events reload the tenant, remove and rename drop it, and
// chmod-only events are ignored.
type Watcher struct {
	store *Store
}

// NewWatcher returns a Watcher bound to store's credentials directory.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{store: store}
}

// Name identifies the watcher in runner logs.
func (w *Watcher) Name() string { return "credential_watcher" }

// Run watches the credentials directory until ctx is cancelled. Watch errors
// are logged and watching continues; only a failure to start is returned.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: start watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.store.dir); err != nil {
		return fmt.Errorf("credential: watch %s: %w", w.store.dir, err)
	}
	slog.Info("credential: watching directory", "dir", w.store.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("credential: watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, credentialExt) || strings.HasPrefix(name, ".") {
		return
	}
	tenant := strings.TrimSuffix(name, credentialExt)

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		time.Sleep(settleDelay)
		w.store.reloadTenant(tenant, ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.store.remove(tenant)
	}
}
