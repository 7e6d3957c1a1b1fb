package rls

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// PolicyWatcher reloads a TablePolicy when its YAML file changes. A file that
// fails to parse is logged and ignored; the previous rules stay in force.
type PolicyWatcher struct {
	path    string
	policy  *TablePolicy
	watcher *fsnotify.Watcher
	logger  *logrus.Logger

	reloaded chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// WatchPolicyFile loads path into policy and keeps it in sync until Close.
func WatchPolicyFile(path string, policy *TablePolicy, logger *logrus.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = logrus.New()
	}

	doc, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	if err := policy.Replace(doc); err != nil {
		return nil, fmt.Errorf("invalid table policy %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and config management replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &PolicyWatcher{
		path:     filepath.Clean(path),
		policy:   policy,
		watcher:  watcher,
		logger:   logger,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Reloaded receives a value after every successful reload
func (w *PolicyWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *PolicyWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Table policy watcher error")
		}
	}
}

func (w *PolicyWatcher) reload() {
	log := w.logger.WithField("path", w.path)

	doc, err := LoadPolicyFile(w.path)
	if err != nil {
		log.WithError(err).Warn("Keeping previous table policy")
		return
	}
	if err := w.policy.Replace(doc); err != nil {
		log.WithError(err).Warn("Keeping previous table policy")
		return
	}

	log.Info("Table policy reloaded")
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// Close stops watching
func (w *PolicyWatcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
