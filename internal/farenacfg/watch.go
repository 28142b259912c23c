// Package farenacfg watches a small JSON file naming the arena's active
// placement policy and reports changes to it over a channel, the same
// way the teacher's vfs package turns raw fsnotify events into a typed
// stream.
package farenacfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/arenarun/farena/internal/allocator"
)

// policyFile is the on-disk shape of the watched file.
type policyFile struct {
	Policy string `json:"policy"`
}

// PolicyWatcher watches a single JSON file of the form
// {"policy": "best-fit"} and reports a new Policy value on Changes
// whenever the file is written with a different, valid policy name.
// Malformed content or an unrecognized policy name is reported on
// Errors and otherwise ignored; the last good policy stays in effect.
type PolicyWatcher struct {
	w       *fsnotify.Watcher
	path    string
	current allocator.Policy
	changes chan allocator.Policy
	errs    chan error
	done    chan struct{}
}

// NewPolicyWatcher reads path once to establish the starting policy,
// then watches its containing directory for subsequent writes (editors
// commonly replace a file by rename, which a watch on the file itself
// would miss).
func NewPolicyWatcher(path string, initial allocator.Policy) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("farenacfg: creating watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()

		return nil, fmt.Errorf("farenacfg: watching %s: %w", dir, err)
	}

	pw := &PolicyWatcher{
		w:       w,
		path:    path,
		current: initial,
		changes: make(chan allocator.Policy, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	if p, err := pw.readPolicy(); err == nil {
		pw.current = p
	}

	go pw.loop()

	return pw, nil
}

// Changes reports a new policy each time the watched file is rewritten
// with a valid, different policy name.
func (pw *PolicyWatcher) Changes() <-chan allocator.Policy { return pw.changes }

// Errors reports parse failures and unrecognized policy names; the
// watcher keeps running after each one.
func (pw *PolicyWatcher) Errors() <-chan error { return pw.errs }

// Close stops the underlying fsnotify watcher and its event loop.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)

	return pw.w.Close()
}

func (pw *PolicyWatcher) loop() {
	for {
		select {
		case <-pw.done:
			return
		case ev, ok := <-pw.w.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != filepath.Clean(pw.path) {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			pw.handleWrite()
		case err, ok := <-pw.w.Errors:
			if !ok {
				return
			}

			pw.errs <- err
		}
	}
}

func (pw *PolicyWatcher) handleWrite() {
	p, err := pw.readPolicy()
	if err != nil {
		select {
		case pw.errs <- err:
		default:
		}

		return
	}

	if p == pw.current {
		return
	}

	pw.current = p

	select {
	case pw.changes <- p:
	default:
		// Drop the oldest pending change rather than block the watch
		// loop; a reader slow enough to miss one will still see the
		// latest value on its next receive.
		select {
		case <-pw.changes:
		default:
		}

		pw.changes <- p
	}
}

func (pw *PolicyWatcher) readPolicy() (allocator.Policy, error) {
	data, err := os.ReadFile(pw.path)
	if err != nil {
		return 0, fmt.Errorf("farenacfg: reading %s: %w", pw.path, err)
	}

	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return 0, fmt.Errorf("farenacfg: parsing %s: %w", pw.path, err)
	}

	p, ok := allocator.ParsePolicy(pf.Policy)
	if !ok {
		return 0, fmt.Errorf("farenacfg: %s names unrecognized policy %q", pw.path, pf.Policy)
	}

	return p, nil
}
