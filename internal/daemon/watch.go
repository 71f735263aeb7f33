package daemon

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"portless/internal/proxy"
	"portless/internal/routes"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollFallback  = 3 * time.Second
)

// routeWatcher keeps the in-memory table in sync with the route file.
// Registrant processes rewrite the file at any time; the daemon observes the
// changes through filesystem notifications, debounced because a rename-based
// write produces several events. When notifications are unavailable it polls.
type routeWatcher struct {
	store *routes.Store
	table *proxy.Table
	log   *logrus.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func watchRoutes(store *routes.Store, table *proxy.Table, log *logrus.Logger) *routeWatcher {
	w := &routeWatcher{store: store, table: table, log: log, done: make(chan struct{})}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory, not the file: atomic rename writes replace
		// the inode the file watch would be pinned to.
		err = fsw.Add(filepath.Dir(store.Path()))
	}
	if err != nil {
		w.log.WithError(err).Warnf("file notifications unavailable, polling every %s", pollFallback)
		go w.poll()
		return w
	}
	go w.notify(fsw)
	return w
}

func (w *routeWatcher) notify(fsw *fsnotify.Watcher) {
	defer fsw.Close()
	var debounce *time.Timer
	reloadCh := make(chan struct{}, 1)
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.store.Path()) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(watchDebounce)
			}
		case <-reloadCh:
			debounce = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("route watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *routeWatcher) poll() {
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.reload()
		case <-w.done:
			return
		}
	}
}

func (w *routeWatcher) reload() {
	table := w.store.Load()
	w.table.Replace(table)
	w.log.Debugf("route table reloaded: %d routes", len(table))
}

func (w *routeWatcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}
