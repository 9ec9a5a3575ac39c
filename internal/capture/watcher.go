package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// partialSuffixes are in-progress download names written by Chrome and
// other browsers before the final rename.
var partialSuffixes = []string{".crdownload", ".part", ".partial", ".tmp", ".download"}

// Snapshot is the set of file names present in a download directory.
type Snapshot map[string]struct{}

// TakeSnapshot lists the regular files currently in dir. A missing directory
// yields an empty snapshot.
func TakeSnapshot(dir string) (Snapshot, error) {
	snap := make(Snapshot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("read download dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			snap[e.Name()] = struct{}{}
		}
	}
	return snap, nil
}

// IsPartial reports whether name looks like an unfinished download.
func IsPartial(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Watcher waits for a new completed file to land in a download directory.
type Watcher struct {
	Dir      string
	Interval time.Duration
	Logger   *zap.Logger
}

// WaitForDownload polls w.Dir until a completed, non-empty file that is not in
// before appears, and returns its path. fsnotify events shorten the wait; the
// poll is the guarantee. Expiry yields *acquire.CaptureTimeout.
func (w *Watcher) WaitForDownload(ctx context.Context, before Snapshot, ceiling time.Duration) (string, error) {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	wake := make(chan struct{}, 1)
	if fw, err := fsnotify.NewWatcher(); err != nil {
		logger.Debug("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer fw.Close()
		if err := fw.Add(w.Dir); err != nil {
			logger.Debug("cannot watch download dir, polling only", zap.String("dir", w.Dir), zap.Error(err))
		} else {
			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go forwardEvents(watchCtx, fw, wake)
		}
	}

	var found string
	poll := Poll{What: "download capture", Interval: w.Interval, Ceiling: ceiling, Wake: wake}
	attempts, err := poll.Until(ctx, func(context.Context) (bool, error) {
		name, err := w.newCompletedFile(before)
		if err != nil {
			return false, err
		}
		found = name
		return name != "", nil
	})
	if err != nil {
		return "", err
	}

	logger.Debug("download landed", zap.String("file", found), zap.Int("polls", attempts))
	return filepath.Join(w.Dir, found), nil
}

func (w *Watcher) newCompletedFile(before Snapshot) (string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read download dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || IsPartial(e.Name()) {
			continue
		}
		if _, seen := before[e.Name()]; seen {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		return e.Name(), nil
	}
	return "", nil
}

func forwardEvents(ctx context.Context, fw *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}
