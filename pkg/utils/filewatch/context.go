package filewatch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context that is canceled
// when one of target files is written, created, removed or renamed.
//
// Parent directories of the targets are watched, so that a file replaced by
// an editor (write to temporary, then rename) is still noticed.
// Chmod-only events are ignored.
//
// The cause of cancellation can be get by context.Cause.
//
// If error is not nil, both of the the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	targets := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, f := range targetFilePath {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			cancel(err)
			return nil, nil, err
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			cancel(err)
			return nil, nil, err
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watching files: %w", err))
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				name, err := filepath.Abs(event.Name)
				if err != nil {
					continue
				}
				if _, ok := targets[name]; !ok {
					continue
				}
				cancel(fmt.Errorf("%s is updated (%s)", event.Name, event.Op.String()))
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
