// Package watch follows a run's transaction log and surfaces completions
// as they are appended, without touching the job store.
package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/txlog"
)

// EntryFunc receives each new transaction log entry in append order
type EntryFunc func(entry txlog.Entry)

// Follower tails one transaction log file
type Follower struct {
	path    string
	logger  *zap.Logger
	partial []byte // an append caught mid-write, completed on the next event
}

// NewFollower creates a follower for a log file path
func NewFollower(path string, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{path: path, logger: logger}
}

// Follow replays entries already in the file, then blocks delivering new
// entries as the scheduler appends them, until the context is cancelled.
func (f *Follower) Follow(ctx context.Context, fn EntryFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: the log file may be replaced or not exist yet
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}

	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	f.drain(reader, fn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path || !event.Has(fsnotify.Write) {
				continue
			}
			f.drain(reader, fn)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// drain reads whole lines from the current offset. A partial trailing
// line (an append still in flight) is left for the next event.
func (f *Follower) drain(reader *bufio.Reader, fn EntryFunc) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				f.logger.Warn("reading transaction log", zap.Error(err))
			}
			f.partial = append(f.partial, line...)
			return
		}
		if len(f.partial) > 0 {
			line = append(f.partial, line...)
			f.partial = nil
		}
		var entry txlog.Entry
		if jsonErr := json.Unmarshal(line, &entry); jsonErr != nil {
			f.logger.Warn("skipping malformed transaction log line", zap.Error(jsonErr))
			continue
		}
		fn(entry)
	}
}
