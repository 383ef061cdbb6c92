// Package detector spawns the external detector-retrieval subprocess
// per spec.md §4.6 step 9. The broker does not wait for completion;
// stdout/stderr are tee'd to a per-run log file.
package detector

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/psi/sf-daq-broker/internal/pulseid"
)

// Request describes one detector retrieval invocation.
type Request struct {
	Command      string // configured detector-retrieval executable
	Detector     string
	StartPulseID pulseid.ID
	StopPulseID  pulseid.ID
	OutputFile   string
	RateMultiplier int
	Export       bool // true iff conversion or compression requested
	ManifestPath string
	RawFileName  string
	LogFile      string
}

// Launcher spawns detector retrieval subprocesses.
type Launcher struct {
	logger *slog.Logger
}

// New creates a Launcher.
func New() *Launcher {
	return &Launcher{logger: slog.Default().With("component", "detector")}
}

// Spawn launches the configured retrieval command with the arguments
// documented in spec.md §4.6 step 9:
// (detector, det_start_pid, det_stop_pid, output_file, k, export_flag,
// manifest_path, raw_file_name). It returns once the process has
// started; it does not wait for completion.
func (l *Launcher) Spawn(req Request) error {
	export := "0"
	if req.Export {
		export = "1"
	}

	args := []string{
		req.Detector,
		strconv.FormatUint(uint64(req.StartPulseID), 10),
		strconv.FormatUint(uint64(req.StopPulseID), 10),
		req.OutputFile,
		strconv.Itoa(req.RateMultiplier),
		export,
		req.ManifestPath,
		req.RawFileName,
	}

	cmd := exec.Command(req.Command, args...)

	logFile, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("detector: opening log file %s: %w", req.LogFile, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("detector: starting %s: %w", req.Command, err)
	}

	l.logger.Info("detector retrieval spawned", "detector", req.Detector, "pid", cmd.Process.Pid, "log", req.LogFile)

	// Fire-and-forget: reap the child in the background so it does not
	// become a zombie, without blocking the caller on completion.
	go func() {
		defer logFile.Close()
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("detector retrieval exited with error", "detector", req.Detector, "error", err)
		}
	}()

	return nil
}
