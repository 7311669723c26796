package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reports changes to a token file. The parent directory is
// watched so that editors and secret managers that replace the file by
// rename are seen too.
type FileWatcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	last    string
}

// NewFileWatcher starts watching path. The current contents, if any, are the
// baseline: OnChange fires only for a different non-empty token.
func NewFileWatcher(path string, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	last, _ := ReadTokenFile(abs)
	return &FileWatcher{
		path:    abs,
		logger:  logger.With("component", "credential", "file", abs),
		watcher: watcher,
		last:    last,
	}, nil
}

// Run delivers each new token to onChange until ctx is done. It closes the
// watcher on return.
func (w *FileWatcher) Run(ctx context.Context, onChange func(token string)) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("token watcher closed")
			}
			w.logger.Warn("token watcher error", "error", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("token watcher closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			token, err := ReadTokenFile(w.path)
			if err != nil || token == "" || token == w.last {
				continue
			}
			w.last = token
			w.logger.Info("bearer token changed")
			onChange(token)
		}
	}
}

func (w *FileWatcher) Close() error {
	return w.watcher.Close()
}
