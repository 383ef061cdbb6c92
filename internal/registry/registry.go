// Package registry owns the per-pgroup monotonic run-number counter and
// the on-disk run manifest (spec.md §4.1).
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

var (
	// ErrClosed is returned when the pgroup's run_info/CLOSED sentinel
	// bars new allocations.
	ErrClosed = errors.New("registry: pgroup is closed")
	// ErrUnavailable is returned when the pgroup raw directory or
	// run_info/ cannot be reached or created.
	ErrUnavailable = errors.New("registry: unavailable")
)

const (
	lastRunFile  = "LAST_RUN"
	closedFile   = "CLOSED"
	runInfoDir   = "run_info"
)

// Registry manages run-number allocation and manifest persistence under
// a facility data root, spec.md §6's on-disk layout.
type Registry struct {
	dataRoot string

	mu sync.Mutex // serializes allocate() calls within this process
}

// New creates a Registry rooted at dataRoot (e.g. "/sf").
func New(dataRoot string) *Registry {
	return &Registry{dataRoot: dataRoot}
}

func (r *Registry) rawDir(beamline, pgroup string) string {
	return filepath.Join(r.dataRoot, beamline, "data", pgroup, "raw")
}

func (r *Registry) runInfoDir(beamline, pgroup string) string {
	return filepath.Join(r.rawDir(beamline, pgroup), runInfoDir)
}

// EnsureAccessible verifies the pgroup's raw directory exists, is not
// closed, and that run_info/ exists (creating it if missing). This is
// the filesystem precondition the Broker Manager checks before
// allocation (spec.md §4.6 step 3).
func (r *Registry) EnsureAccessible(beamline, pgroup string) error {
	rawDir := r.rawDir(beamline, pgroup)
	if _, err := os.Stat(rawDir); err != nil {
		return fmt.Errorf("%w: raw dir %s: %v", ErrUnavailable, rawDir, err)
	}

	infoDir := r.runInfoDir(beamline, pgroup)
	if _, err := os.Stat(filepath.Join(infoDir, closedFile)); err == nil {
		return ErrClosed
	}

	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating run_info: %v", ErrUnavailable, err)
	}
	return nil
}

// Allocate increments and persists LAST_RUN for pgroup, returning the
// newly-allocated run number. Allocation is serialized within this
// process by a mutex, so every caller gets its own number, and relies on
// an advisory exclusive lock on a LAST_RUN.lock sidecar across processes
// sharing the same filesystem.
func (r *Registry) Allocate(beamline, pgroup string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked(beamline, pgroup)
}

func (r *Registry) allocateLocked(beamline, pgroup string) (int64, error) {
	if err := r.EnsureAccessible(beamline, pgroup); err != nil {
		return 0, err
	}

	path := filepath.Join(r.runInfoDir(beamline, pgroup), lastRunFile)

	// The lock lives on a sidecar: LAST_RUN itself is replaced by rename
	// below, so a lock held on its inode would not exclude a process that
	// opened the replaced file.
	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrUnavailable, lockPath, err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("%w: locking %s: %v", ErrUnavailable, lockPath, err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	last, err := r.Current(beamline, pgroup)
	if err != nil {
		return 0, fmt.Errorf("%w: reading LAST_RUN: %v", ErrUnavailable, err)
	}

	next := last + 1
	if err := writeLastRunAtomic(path, next); err != nil {
		return 0, fmt.Errorf("%w: writing LAST_RUN: %v", ErrUnavailable, err)
	}

	bucketDir := filepath.Join(r.runInfoDir(beamline, pgroup), thousandBucket(next))
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: creating run bucket: %v", ErrUnavailable, err)
	}

	slog.Info("registry: allocated run", "beamline", beamline, "pgroup", pgroup, "run_number", next)
	return next, nil
}

// Current returns the last allocated run number for pgroup without
// mutating state.
func (r *Registry) Current(beamline, pgroup string) (int64, error) {
	path := filepath.Join(r.runInfoDir(beamline, pgroup), lastRunFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()
	return readLastRun(f)
}

func readLastRun(f *os.File) (int64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, nil // empty / new file
	}
	text := strings.TrimSpace(string(buf[:n]))
	if text == "" {
		return 0, nil
	}
	return strconv.ParseInt(text, 10, 64)
}

// writeLastRunAtomic writes LAST_RUN via write-temp-then-rename so a
// crash mid-write never leaves a partially-written counter (spec.md §9).
func writeLastRunAtomic(path string, value int64) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".LAST_RUN-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(strconv.FormatInt(value, 10)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func thousandBucket(runNumber int64) string {
	bucket := (runNumber / 1000) * 1000
	return fmt.Sprintf("%06d", bucket)
}

// ManifestPath returns the path a run's manifest JSON is written to.
func (r *Registry) ManifestPath(beamline, pgroup string, runNumber int64) string {
	return filepath.Join(r.runInfoDir(beamline, pgroup), thousandBucket(runNumber),
		fmt.Sprintf("run_%06d.json", runNumber))
}

// WriteManifest serializes request (any JSON-marshalable value,
// typically the enriched acquisition request) to the run's manifest
// file, indented, written atomically via temp-file rename.
func (r *Registry) WriteManifest(beamline, pgroup string, runNumber int64, request interface{}) error {
	path := r.ManifestPath(beamline, pgroup, runNumber)
	data, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating manifest dir: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(dir, ".run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing manifest temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming manifest into place: %w", err)
	}
	return nil
}
