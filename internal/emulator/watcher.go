package emulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Watcher reports when a peer has taken hold of an endpoint path. Binding a
// server socket replaces the named pipe, which shows up as activity on the
// path in its parent directory.
type Watcher struct {
	fs     *fsnotify.Watcher
	ready  map[string]chan struct{}
	logger *zap.Logger
	done   chan struct{}
}

// NewWatcher starts watching paths. It must be created before the peer is
// started, or the peer's bind can be missed.
func NewWatcher(logger *zap.Logger, paths ...string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fs:     fs,
		ready:  make(map[string]chan struct{}, len(paths)),
		logger: logger,
		done:   make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		p = filepath.Clean(p)
		w.ready[p] = make(chan struct{})
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	fired := make(map[string]bool, len(w.ready))
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			ch, watched := w.ready[name]
			if !watched || fired[name] {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod) {
				w.logger.Debug("endpoint touched", zap.String("path", name), zap.Stringer("op", ev.Op))
				fired[name] = true
				close(ch)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", zap.Error(err))
		}
	}
}

// Wait blocks until path has been taken over by a peer or ctx is done
func (w *Watcher) Wait(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	ch, ok := w.ready[path]
	if !ok {
		return fmt.Errorf("%s is not watched", path)
	}
	if isSocket(path) {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", path, ctx.Err())
	}
}

// WaitAll waits for every path concurrently
func (w *Watcher) WaitAll(ctx context.Context, paths ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		g.Go(func() error {
			return w.Wait(gctx, p)
		})
	}
	return g.Wait()
}

// Close stops watching
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func isSocket(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}
