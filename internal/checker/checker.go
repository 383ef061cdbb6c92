// Package checker implements the Consistency Checker, spec.md §4.9: it
// reconstructs the expected aligned pulse-id sequence for a run and
// validates that each produced selector file's pulse_id axis matches
// it with no gaps.
package checker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psi/sf-daq-broker/internal/model"
	"github.com/psi/sf-daq-broker/internal/pulseid"
)

// Result is the checker's verdict, spec.md §4.9 "Emits {check, reason}".
type Result struct {
	Check  bool        `json:"check"`
	Reason interface{} `json:"reason"`
}

// ok builds a passing Result.
func ok() Result { return Result{Check: true} }

// fail builds a failing Result with a single reason.
func fail(reason string) Result { return Result{Check: false, Reason: reason} }

// CheckRun loads a run manifest and validates every selector file it
// names, returning one Result per selector keyed by suffix
// ("BSREAD", "CAMERAS", detector names).
func CheckRun(manifestPath string) (map[string]Result, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("checker: reading manifest: %w", err)
	}
	var req model.AcquisitionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("checker: parsing manifest: %w", err)
	}

	k := req.RateMultiplicator
	if k == 0 {
		k = 1
	}
	expected := pulseid.Enumerate(pulseid.ID(req.StartPulseID), pulseid.ID(req.StopPulseID), k)

	dirName := req.DirectoryName
	if dirName == "" {
		dirName = req.Pgroup
	}
	rawDir := filepath.Join("/sf", req.Beamline, "data", req.Pgroup, "raw", dirName)

	results := make(map[string]Result)
	if len(req.ChannelsList) > 0 {
		file := filepath.Join(rawDir, fmt.Sprintf("run_%06d.BSREAD.h5", req.RunNumber))
		results["BSREAD"] = CheckFile(file, req.ChannelsList, expected)
	}
	if len(req.CameraList) > 0 {
		file := filepath.Join(rawDir, fmt.Sprintf("run_%06d.CAMERAS.h5", req.RunNumber))
		results["CAMERAS"] = CheckFile(file, req.CameraList, expected)
	}
	for name := range req.Detectors {
		file := filepath.Join(rawDir, fmt.Sprintf("run_%06d.%s.h5", req.RunNumber, name))
		results[name] = CheckDetectorFile(file)
	}
	return results, nil
}

// CheckFile validates that file exists and that every named channel's
// pulse_id dataset matches expected exactly: same length, same first
// and last element, and strictly increasing.
func CheckFile(file string, channels []string, expected []pulseid.ID) Result {
	if _, err := os.Stat(file); err != nil {
		return fail(fmt.Sprintf("file missing: %s", file))
	}

	var reasons []string
	for _, ch := range channels {
		if err := CheckChannel(file, ch, expected); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	if len(reasons) > 0 {
		return Result{Check: false, Reason: reasons}
	}
	return ok()
}

// CheckChannel validates one channel's pulse_id axis against expected.
func CheckChannel(file, channel string, expected []pulseid.ID) error {
	path := filepath.Join(file, "data", channel, "pulse_id.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("channel %s: missing pulse_id dataset: %w", channel, err)
	}

	var pulseIDs []int64
	if err := json.Unmarshal(data, &pulseIDs); err != nil {
		return fmt.Errorf("channel %s: malformed pulse_id dataset: %w", channel, err)
	}

	if len(pulseIDs) != len(expected) {
		return fmt.Errorf("channel %s: expected %d pulses, got %d", channel, len(expected), len(pulseIDs))
	}
	if len(expected) == 0 {
		return nil
	}
	if pulseid.ID(pulseIDs[0]) != expected[0] || pulseid.ID(pulseIDs[len(pulseIDs)-1]) != expected[len(expected)-1] {
		return fmt.Errorf("channel %s: first/last pulse id mismatch", channel)
	}
	for i := 1; i < len(pulseIDs); i++ {
		if pulseIDs[i] <= pulseIDs[i-1] {
			return fmt.Errorf("channel %s: pulse_id not strictly monotonic at index %d", channel, i)
		}
	}
	return nil
}

// DetectorFrame mirrors the per-frame bookkeeping datasets a converted
// detector file may carry, spec.md §4.9.
type DetectorFrame struct {
	FrameIndex  []int64 `json:"frame_index,omitempty"`
	IsGoodFrame []bool  `json:"is_good_frame,omitempty"`
	DaqRec      []int64 `json:"daq_rec,omitempty"`
}

// CheckDetectorFile verifies a detector output exists and, when the
// raw bookkeeping datasets are present (i.e. the data was not
// converted), that they are length-consistent with each other.
func CheckDetectorFile(file string) Result {
	if _, err := os.Stat(file); err != nil {
		return fail(fmt.Sprintf("file missing: %s", file))
	}

	path := filepath.Join(file, "frames.json")
	data, err := os.ReadFile(path)
	if err != nil {
		// Converted data carries no raw frame bookkeeping; absence is
		// not itself a failure, spec.md §4.9 "either absent... or
		// length-consistent".
		return ok()
	}

	var frame DetectorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fail(fmt.Sprintf("malformed frame bookkeeping: %v", err))
	}

	n := len(frame.FrameIndex)
	if len(frame.IsGoodFrame) != 0 && len(frame.IsGoodFrame) != n {
		return fail("is_good_frame length mismatch with frame_index")
	}
	if len(frame.DaqRec) != 0 && len(frame.DaqRec) != n {
		return fail("daq_rec length mismatch with frame_index")
	}
	return ok()
}
