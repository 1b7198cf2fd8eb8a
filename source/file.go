package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
)

// FileSource reads the configuration document from a local file. With watching enabled
// it signals Changes whenever the file is written, created or replaced.
type FileSource struct {
	path    string
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	changes chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewFileSource builds a FileSource. The parent directory is watched rather than the file
// so editors that replace the file by rename are still observed.
func NewFileSource(path string, watch bool, logger pslog.Logger) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("source: path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("source: resolve path: %w", err)
	}
	f := &FileSource{
		path:   abs,
		logger: logging.WithSubsystem(logger, "source.file"),
		done:   make(chan struct{}),
	}
	if !watch {
		return f, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("source: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("source: watch %s: %w", filepath.Dir(abs), err)
	}
	f.watcher = watcher
	f.changes = make(chan struct{}, 1)
	go f.watchLoop()
	return f, nil
}

func (f *FileSource) Fetch(ctx context.Context) (*manup.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, manup.ErrConfigNotFound
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, manup.ErrAccessDenied
		}
		return nil, err
	}
	return decode(f.path, b)
}

func (f *FileSource) QueryKey() string { return "fileRemoteConfig:" + f.path }

// Changes is nil when the source was built without watching.
func (f *FileSource) Changes() <-chan struct{} { return f.changes }

// Close stops the watcher.
func (f *FileSource) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

func (f *FileSource) watchLoop() {
	for {
		select {
		case <-f.done:
			return
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != f.path {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) && !evt.Op.Has(fsnotify.Rename) {
				continue
			}
			f.logger.Debug("source.file.changed", "path", f.path, "op", evt.Op.String())
			select {
			case f.changes <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("source.file.watch_error", "path", f.path, "error", err)
		}
	}
}
