// Package watcher monitors a directory for event exports and reports each
// file once it has stopped changing.
package watcher

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// DefaultExtensions are the export formats the ingest decoder reads.
var DefaultExtensions = []string{".json", ".ndjson", ".jsonl"}

// Event represents an export file that is ready to analyze.
type Event struct {
	Path      string
	Digest    string
	Size      int64
	Timestamp time.Time
}

// Watcher monitors a directory for new or rewritten export files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	settle    time.Duration
	exts      map[string]struct{}

	// path -> last modification time of files not yet reported
	state   map[string]time.Time
	stateMu sync.RWMutex

	// path -> digest of the last reported content
	reported map[string]string

	events chan Event
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for dir. A file is reported after it has not been
// written for settle. exts filters by extension; empty means DefaultExtensions.
func New(dir string, settle time.Duration, exts ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		settle:    settle,
		exts:      extSet,
		state:     make(map[string]time.Time),
		reported:  make(map[string]string),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of ready files.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. Files already present are reported once settled.
func (w *Watcher) Start() error {
	absDir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	w.dir = absDir
	if err := w.fsWatcher.Add(absDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.trackFile(filepath.Join(absDir, entry.Name()))
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) accepts(path string) bool {
	_, ok := w.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (w *Watcher) trackFile(path string) {
	if !w.accepts(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	w.stateMu.Lock()
	w.state[path] = info.ModTime()
	w.stateMu.Unlock()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !w.accepts(event.Name) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			w.stateMu.Lock()
			w.state[event.Name] = time.Now()
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// tick is how often settled files are looked for.
func (w *Watcher) tick() time.Duration {
	t := w.settle / 4
	switch {
	case t < 10*time.Millisecond:
		return 10 * time.Millisecond
	case t > time.Second:
		return time.Second
	}
	return t
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles reports files unchanged for the settle interval. The
// lock is released while files are hashed.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.settle)

	var stable []stableFile
	w.stateMu.RLock()
	for path, lastMod := range w.state {
		if lastMod.Before(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.RUnlock()
	if len(stable) == 0 {
		return
	}

	type hashResult struct {
		stableFile
		digest string
		size   int64
		err    error
	}
	results := make([]hashResult, len(stable))
	for i, sf := range stable {
		digest, size, err := DigestFile(sf.path)
		results[i] = hashResult{stableFile: sf, digest: digest, size: size, err: err}
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	for _, r := range results {
		if r.err != nil {
			delete(w.state, r.path)
			w.report(r.err)
			continue
		}
		current, exists := w.state[r.path]
		if !exists || current != r.lastMod {
			// Removed or modified while hashing.
			continue
		}
		if w.reported[r.path] == r.digest {
			// Touched without a content change.
			delete(w.state, r.path)
			continue
		}

		select {
		case w.events <- Event{Path: r.path, Digest: r.digest, Size: r.size, Timestamp: now}:
			delete(w.state, r.path)
			w.reported[r.path] = r.digest
		default:
			// Event channel full, try again later
		}
	}
}

// DigestFile returns the hex BLAKE2b-256 digest and size of a file.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Pending returns the number of files waiting to settle.
func (w *Watcher) Pending() int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return len(w.state)
}
