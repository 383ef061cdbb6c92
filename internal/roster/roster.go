// Package roster loads and validates the BSREAD channel list from a
// textual configuration file, spec.md §4.4.
package roster

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrChannelLimitExceeded is returned by New and Reload when the channel count
// or picture-channel count exceeds the configured limit.
var ErrChannelLimitExceeded = errors.New("roster: channel limit exceeded")

// PictureSuffix marks a channel name as an image/camera channel routed
// to the image backend, spec.md §3.
const PictureSuffix = ":FPICTURE"

// Roster holds the current, deduplicated, sorted channel list and
// supports on-demand and watch-triggered reloads.
type Roster struct {
	mu            sync.RWMutex
	path          string
	limit         int
	limitPicture  int
	channels      []string
	mtime         time.Time
	logger        *slog.Logger
	watcher       *fsnotify.Watcher
	stopWatch     chan struct{}
}

// New loads the roster from path and enforces the given limits.
func New(path string, limit, limitPicture int) (*Roster, error) {
	r := &Roster{
		path:         path,
		limit:        limit,
		limitPicture: limitPicture,
		logger:       slog.Default().With("component", "roster"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the channel file from disk, verifies limits, and
// swaps in the new list atomically. Comment lines (starting with '#')
// and blank lines are ignored; entries are trimmed, deduplicated and
// sorted.
func (r *Roster) Reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("roster: opening %s: %w", r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("roster: stat %s: %w", r.path, err)
	}

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("roster: reading %s: %w", r.path, err)
	}

	channels := make([]string, 0, len(set))
	for c := range set {
		channels = append(channels, c)
	}
	sort.Strings(channels)

	if err := verify(channels, r.limit, r.limitPicture); err != nil {
		return err
	}

	r.mu.Lock()
	r.channels = channels
	r.mtime = info.ModTime()
	r.mu.Unlock()

	r.logger.Info("roster reloaded", "path", r.path, "channels", len(channels))
	return nil
}

func verify(channels []string, limit, limitPicture int) error {
	n := len(channels)
	if n > limit {
		return fmt.Errorf("%w: %d channels configured, limit %d", ErrChannelLimitExceeded, n, limit)
	}

	picCount := 0
	for _, c := range channels {
		if strings.HasSuffix(c, PictureSuffix) {
			picCount++
		}
	}
	if picCount > limitPicture {
		return fmt.Errorf("%w: %d picture channels configured, limit %d", ErrChannelLimitExceeded, picCount, limitPicture)
	}
	return nil
}

// Channels returns the current (deduplicated, sorted) channel list.
func (r *Roster) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.channels))
	copy(out, r.channels)
	return out
}

// MTime returns the file modification time as of the last successful
// reload.
func (r *Roster) MTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mtime
}

// WatchForChanges starts an fsnotify watch on the roster file and
// eagerly reloads on write and create events. A reload triggered by the
// watch that fails (for example on a limit violation) is logged and the
// previous channel list stays in place. Channels() never re-reads the
// file itself; without the watch the list changes only when Reload is
// called.
func (r *Roster) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("roster: creating watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return fmt.Errorf("roster: watching %s: %w", r.path, err)
	}

	r.watcher = w
	r.stopWatch = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.Reload(); err != nil {
						r.logger.Warn("roster: reload on watch event failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("roster: watch error", "error", err)
			case <-r.stopWatch:
				return
			}
		}
	}()
	return nil
}

// Close stops the filesystem watch, if any.
func (r *Roster) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.stopWatch)
	return r.watcher.Close()
}

// Partition splits channels into BSREAD (plain) and camera/image
// (":FPICTURE") subsets, spec.md §4.6.
func Partition(channels []string) (bsread, camera []string) {
	for _, c := range channels {
		if strings.HasSuffix(c, PictureSuffix) {
			camera = append(camera, c)
		} else {
			bsread = append(bsread, c)
		}
	}
	return bsread, camera
}
