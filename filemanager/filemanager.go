/*
Package filemanager discovers filter sources in directories and keeps the
registry in sync with them.

Each configured directory is labeled with a phase, which is the default
type of the filters found in it. The file manager polls the directories
at a fixed interval, and hands the new and changed files to the loader,
and the deleted ones for removal. The first scan is done synchronously by
Init, so the filters found at startup are active before the first
request. Optionally, file system notifications trigger a scan between the
polls.

Problems with a single file are reported as *DiscoveryError and don't
stop the scan of the other files. When a directory cannot be listed, the
filters loaded from it earlier stay active.
*/
package filemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/loader"
	"github.com/zalando/filtergate/logging"
)

const DefaultPollInterval = 5 * time.Second

// ErrAlreadyStarted is returned by Init when called more than once.
var ErrAlreadyStarted = errors.New("file manager already started")

// Directory is a phase labeled source directory.
type Directory struct {
	Phase filters.Phase
	Path  string
}

func (d Directory) String() string {
	return fmt.Sprintf("%s=%s", d.Phase, d.Path)
}

// ParseDirectory parses the phase=path format of a directory.
func ParseDirectory(s string) (Directory, error) {
	phase, path, ok := strings.Cut(s, "=")
	if !ok || phase == "" || path == "" {
		return Directory{}, fmt.Errorf("invalid filter directory %q, expected phase=path", s)
	}

	return Directory{Phase: filters.Phase(phase), Path: path}, nil
}

// DiscoveryError reports a file or a directory that could not be read.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover filter source %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options to initialize a FileManager.
type Options struct {

	// Interval of the polling. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// The directories to scan. Multiple directories can have the same
	// phase.
	Directories []Directory

	// Decides which files are filter sources. When nil, every regular,
	// non-hidden file is accepted.
	Accept compiler.FilenameFilter

	// Enables scans triggered by file system notifications.
	Watch bool

	Log logging.Logger
}

// Result summarizes a scan.
type Result struct {
	Loaded    int
	Unchanged int
	Removed   int
	Failed    int

	// Errors contains the *DiscoveryError and
	// *compiler.CompilationError values of the scan.
	Errors []error
}

// Err returns the errors of the scan joined, or nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

type fileState struct {
	dir     string
	modTime time.Time
	size    int64
}

// FileManager polls the source directories.
type FileManager struct {
	loader   *loader.Loader
	options  Options
	log      logging.Logger
	accept   compiler.FilenameFilter
	interval time.Duration

	scanMu sync.Mutex
	seen   map[string]fileState

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func acceptAll(name string) bool {
	return !strings.HasPrefix(filepath.Base(name), ".")
}

// New creates a FileManager. It doesn't start polling before Init is
// called.
func New(l *loader.Loader, o Options) *FileManager {
	interval := o.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	accept := o.Accept
	if accept == nil {
		accept = acceptAll
	}

	return &FileManager{
		loader:   l,
		options:  o,
		log:      logging.OrDefault(o.Log),
		accept:   accept,
		interval: interval,
		seen:     make(map[string]fileState),
	}
}

// Init creates a FileManager, scans the directories once, and starts
// polling them every pollIntervalSeconds.
func Init(l *loader.Loader, pollIntervalSeconds int, accept compiler.FilenameFilter, dirs ...Directory) (*FileManager, error) {
	fm := New(l, Options{
		PollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		Directories:  dirs,
		Accept:       accept,
	})

	if err := fm.Init(context.Background()); err != nil {
		return nil, err
	}

	return fm, nil
}

// Init runs the first scan, and when it is finished, starts the
// background polling. The errors of the first scan are logged, they don't
// fail the initialization. The polling stops when ctx is done or when
// Shutdown is called.
func (fm *FileManager) Init(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.started {
		return ErrAlreadyStarted
	}

	r := fm.Scan()
	fm.log.Infof(
		"Initial scan of filter sources: %d loaded, %d failed",
		r.Loaded,
		r.Failed,
	)

	trigger := make(chan struct{}, 1)
	var watcher *fsnotify.Watcher
	if fm.options.Watch {
		var err error
		if watcher, err = fm.newWatcher(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fm.poll(ctx, trigger) })
	if watcher != nil {
		g.Go(func() error { return fm.watch(ctx, watcher, trigger) })
	}

	fm.started = true
	fm.cancel = cancel
	fm.group = g
	return nil
}

// Shutdown stops the polling and waits until the background goroutines
// exit. It is safe to call it multiple times, and before Init.
func (fm *FileManager) Shutdown() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.cancel == nil {
		return
	}

	fm.cancel()
	if err := fm.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fm.log.Errorf("File manager stopped with error: %v", err)
	}

	fm.cancel = nil
	fm.group = nil
}

func (fm *FileManager) poll(ctx context.Context, trigger <-chan struct{}) error {
	ticker := time.NewTicker(fm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}

		fm.logResult(fm.Scan())
	}
}

func (fm *FileManager) logResult(r Result) {
	if r.Loaded > 0 || r.Removed > 0 {
		fm.log.Infof("Filter sources updated: %d loaded, %d removed", r.Loaded, r.Removed)
	}

	for _, err := range r.Errors {
		var derr *DiscoveryError
		if errors.As(err, &derr) {
			fm.log.Warn(err)
		}
	}
}

func (fm *FileManager) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	for _, d := range fm.options.Directories {
		if err := w.Add(d.Path); err != nil {
			fm.log.Warnf("Failed to watch %s, relying on polling: %v", d.Path, err)
		}
	}

	return w, nil
}

func (fm *FileManager) watch(ctx context.Context, w *fsnotify.Watcher, trigger chan<- struct{}) error {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}

			if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) &&
				!e.Has(fsnotify.Remove) && !e.Has(fsnotify.Rename) {
				continue
			}

			if !fm.accept(e.Name) {
				continue
			}

			fm.log.Debugf("File event %s, scanning filter sources", e)
			select {
			case trigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			fm.log.Errorf("File watcher error: %v", err)
		}
	}
}

// Scan checks the directories once, loads the new and changed sources,
// and removes the filters of the deleted ones.
func (fm *FileManager) Scan() Result {
	fm.scanMu.Lock()
	defer fm.scanMu.Unlock()

	var r Result
	current := make(map[string]fileState)
	listed := make(map[string]bool)
	for _, d := range fm.options.Directories {
		entries, err := os.ReadDir(d.Path)
		if err != nil {
			r.Errors = append(r.Errors, &DiscoveryError{Path: d.Path, Err: err})
			continue
		}

		listed[d.Path] = true
		for _, e := range entries {
			if e.IsDir() || !fm.accept(e.Name()) {
				continue
			}

			path := filepath.Join(d.Path, e.Name())
			if _, ok := current[path]; ok {
				continue
			}

			fm.scanFile(&r, current, d, path, e)
		}
	}

	for path, s := range fm.seen {
		if _, ok := current[path]; ok {
			continue
		}

		if !listed[s.dir] {
			current[path] = s
			continue
		}

		if fm.loader.Remove(path) {
			r.Removed++
		}
	}

	fm.seen = current
	return r
}

func (fm *FileManager) scanFile(r *Result, current map[string]fileState, d Directory, path string, e os.DirEntry) {
	info, err := e.Info()
	if err != nil {
		r.Errors = append(r.Errors, &DiscoveryError{Path: path, Err: err})
		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	s := fileState{dir: d.Path, modTime: info.ModTime(), size: info.Size()}
	if prev, ok := fm.seen[path]; ok && prev == s {
		current[path] = s
		r.Unchanged++
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		r.Errors = append(r.Errors, &DiscoveryError{Path: path, Err: err})

		// keep the state from the last successful read, retried on the
		// next scan
		if prev, ok := fm.seen[path]; ok {
			current[path] = fileState{dir: prev.dir}
		}

		return
	}

	current[path] = s
	loaded, err := fm.loader.Load(compiler.Source{
		Name:    compiler.NameOf(path),
		Path:    path,
		Phase:   d.Phase,
		Content: content,
		ModTime: info.ModTime(),
	})

	switch {
	case err != nil:
		r.Failed++
		r.Errors = append(r.Errors, err)
	case loaded:
		r.Loaded++
	default:
		r.Unchanged++
	}
}

// Files returns the paths of the sources found by the last scan.
func (fm *FileManager) Files() []string {
	fm.scanMu.Lock()
	defer fm.scanMu.Unlock()

	paths := make([]string, 0, len(fm.seen))
	for path := range fm.seen {
		paths = append(paths, path)
	}

	sort.Strings(paths)
	return paths
}
