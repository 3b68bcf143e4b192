package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const (
	// settleDelay gives editors and extractors time to finish writing before
	// a changed source is reloaded.
	settleDelay = 250 * time.Millisecond

	// settleRetries bounds how long a bundle directory may stay entry-less
	// before it is given up on. The watcher only sees the directory's own
	// creation event; files written inside it afterwards are invisible, so
	// an incrementally-copied bundle needs polling until its manifest lands.
	settleRetries = 8

	// reloadSuppression skips the event caused by the upload pipeline's own
	// install rename, which lands right after the manager loaded the plugin.
	reloadSuppression = time.Second
)

// Watcher reloads plugin sources dropped into or modified under the plugins
// directory, so operators can deploy a plugin with a plain file copy. Both
// single-file sources and bundle directories are picked up.
type Watcher struct {
	manager *Manager
	log     *logrus.Logger
	fw      *fsnotify.Watcher
}

// NewWatcher creates a filesystem watcher over the manager's plugins
// directory.
func NewWatcher(manager *Manager, log *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(manager.PluginsDir()); err != nil {
		fw.Close()
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{manager: manager, log: log, fw: fw}, nil
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	pending := make(map[string]*time.Timer)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Debounce per path: a copy emits a burst of writes.
			path := event.Name
			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(settleDelay, func() {
				w.reload(path, settleRetries)
			})
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("plugin watcher error")
		}
	}
}

// reload loads a settled source, polling a bundle directory whose manifest
// has not appeared yet.
func (w *Watcher) reload(path string, retries int) {
	if w.justLoaded(path) {
		return
	}
	if _, err := w.manager.Load(path); err != nil {
		if errors.Is(err, ErrNoManifestFound) && retries > 0 {
			time.AfterFunc(settleDelay, func() { w.reload(path, retries-1) })
			return
		}
		w.log.WithField("path", path).WithError(err).Warn("failed to reload plugin")
	}
}

// justLoaded reports whether the manager loaded this exact source moments
// ago, so the pipeline's install rename does not run initialize a second
// time.
func (w *Watcher) justLoaded(path string) bool {
	rec := w.manager.Registry().Get(DeriveID(filepath.Base(path)))
	if rec == nil || rec.SourcePath != path {
		return false
	}
	return time.Since(rec.LoadedAt) < reloadSuppression
}

// relevant filters events down to create/write on plugin sources and bundle
// directories, ignoring the pipeline's scratch directories and unrelated
// files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if isPluginSource(base) {
		return true
	}
	info, err := os.Stat(event.Name)
	return err == nil && info.IsDir()
}
