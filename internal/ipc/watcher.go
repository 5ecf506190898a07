package ipc

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/skaner/internal/logging"
)

const (
	pollInterval = time.Second
	settleDelay  = 50 * time.Millisecond
)

// Watcher delivers commands written to cmd.txt. It uses fsnotify and keeps
// a one-second poll as a backstop; without fsnotify it only polls.
type Watcher struct {
	dir     string
	handler func(Request)
	logger  *slog.Logger
}

func NewWatcher(dir string, handler func(Request), logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "ipc"),
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Warn("command directory unavailable", logging.Error(err))
	}
	cmdPath := CommandPath(w.dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify not available, falling back to polling", logging.Error(err))
		w.poll(ctx)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Debug("failed to close watcher", logging.Error(err))
		}
	}()
	if err := watcher.Add(w.dir); err != nil {
		w.logger.Warn("failed to watch command directory, falling back to polling", logging.Error(err))
		w.poll(ctx)
		return
	}
	w.logger.Debug("command watcher started", logging.String("path", cmdPath))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				w.poll(ctx)
				return
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.dispatch(ctx)
				lastCheck = time.Now()
			}
		case <-ticker.C:
			if info, err := os.Stat(cmdPath); err == nil && info.ModTime().After(lastCheck) {
				w.dispatch(ctx)
				lastCheck = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.poll(ctx)
				return
			}
			w.logger.Warn("file watcher error", logging.Error(err))
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	cmdPath := CommandPath(w.dir)
	lastCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(cmdPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastCheck) {
				w.dispatch(ctx)
				lastCheck = time.Now()
			}
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
	}
	req, err := ReadCommand(w.dir)
	if err != nil {
		w.logger.Warn("failed to read command", logging.Error(err))
		return
	}
	if req.Command == "" {
		return
	}
	w.logger.Info("command received", logging.String("command", req.String()))
	if w.handler != nil {
		w.handler(req)
	}
}
