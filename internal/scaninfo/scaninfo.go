// Package scaninfo implements the append-only per-scan_name manifest,
// spec.md §3 "Scan manifest" and §4.6 step 10.
//
// This read-modify-write is explicitly called out in spec.md §9 as
// racy across concurrent retrieve() calls targeting the same
// scan_name; per that open question (resolved in DESIGN.md) this
// package serializes appends with a per-scan_name in-process mutex and
// an advisory file lock for cross-process safety, the same primitives
// internal/registry uses for LAST_RUN.
package scaninfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/psi/sf-daq-broker/internal/model"
)

// Store manages scan manifest files under <raw>/scan_info/.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store.
func New() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Path returns the manifest path for scanName under rawDir.
func Path(rawDir, scanName string) string {
	return filepath.Join(rawDir, "scan_info", scanName+".json")
}

// Step is one scan step's contribution, spec.md §4.6 step 10.
type Step struct {
	Readbacks    interface{}
	Values       interface{}
	ReadbacksRaw interface{}
	StepInfo     interface{}
	Files        []string
	StartPulseID int64
	StopPulseID  int64
	Parameters   interface{} // only written on the first step
}

// AppendStep reads the manifest (creating it if absent), appends step,
// and writes it back. Serialized per-path within this process; an
// advisory file lock additionally guards the critical section across
// processes.
func (s *Store) AppendStep(path string, step Step) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("scaninfo: creating directory: %w", err)
	}

	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("scaninfo: opening lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("scaninfo: locking: %w", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	manifest, err := readManifest(path)
	if err != nil {
		return fmt.Errorf("scaninfo: reading manifest: %w", err)
	}

	if manifest.ScanParameters == nil && step.Parameters != nil {
		manifest.ScanParameters = step.Parameters
	}
	manifest.ScanFiles = append(manifest.ScanFiles, step.Files)
	manifest.ScanReadbacks = append(manifest.ScanReadbacks, step.Readbacks)
	manifest.ScanValues = append(manifest.ScanValues, step.Values)
	manifest.ScanReadbacksRaw = append(manifest.ScanReadbacksRaw, step.ReadbacksRaw)
	manifest.ScanStepInfo = append(manifest.ScanStepInfo, step.StepInfo)
	manifest.PulseIDs = append(manifest.PulseIDs, [2]int64{step.StartPulseID, step.StopPulseID})

	return writeManifestAtomic(path, manifest)
}

func readManifest(path string) (*model.ScanManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.ScanManifest{}, nil
		}
		return nil, err
	}
	var m model.ScanManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeManifestAtomic(path string, manifest *model.ScanManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scan-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
