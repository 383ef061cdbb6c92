// Package broker implements the acquisition-coordination state machine
// and the one-shot retrieve() entry point, spec.md §4.6. It is the
// orchestration layer: it validates requests, allocates runs through
// internal/registry, computes alignment through internal/pulseid,
// partitions channels through internal/roster, and fans out to
// internal/sender, internal/epicswriter, internal/detector and
// internal/scaninfo.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psi/sf-daq-broker/internal/audit"
	"github.com/psi/sf-daq-broker/internal/config"
	"github.com/psi/sf-daq-broker/internal/detector"
	"github.com/psi/sf-daq-broker/internal/epicswriter"
	"github.com/psi/sf-daq-broker/internal/model"
	"github.com/psi/sf-daq-broker/internal/pulseid"
	"github.com/psi/sf-daq-broker/internal/registry"
	"github.com/psi/sf-daq-broker/internal/roster"
	"github.com/psi/sf-daq-broker/internal/scaninfo"
	"github.com/psi/sf-daq-broker/internal/sender"
)

// State is one of the three imperative-mode states, spec.md §4.6
// "State machine".
type State string

const (
	StateStopped     State = "stopped"
	StateConfigured  State = "configured"
	StateReceiving   State = "receiving"
)

// ProcessID identifies this binary in emitted parameters' general/process
// field.
const ProcessID = "sf-daq-broker"

var (
	// ErrMissingRequiredParameter is returned by SetParameters when a
	// REQUIRED_PARAMETERS entry is absent.
	ErrMissingRequiredParameter = errors.New("broker: missing required parameter")
	pgroupPattern               = regexp.MustCompile(`^p\d{5,}$`)
)

// RetrieveResult is the one-shot retrieve() reply, spec.md §4.6.
type RetrieveResult struct {
	Status  string `json:"status"` // "ok" | "failed" | "pass"
	Message string `json:"message"`
}

// Statistics is the REST /statistics payload, spec.md §4.8.
type Statistics struct {
	NProcessedRequests      int64      `json:"n_processed_requests"`
	ProcessStartupTime      time.Time  `json:"process_startup_time"`
	LastSentWriteRequest    interface{} `json:"last_sent_write_request,omitempty"`
	LastSentWriteRequestTime *time.Time `json:"last_sent_write_request_time,omitempty"`
}

// Manager owns the imperative state machine and the retrieve() path.
type Manager struct {
	cfg       *config.Config
	registry  *registry.Registry
	roster    *roster.Roster
	sender    *sender.Sender
	audit     *audit.Log
	detector  *detector.Launcher
	epics     *epicswriter.Client
	scanInfo  *scaninfo.Store
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	parameters   model.WriteParameters
	startPulseID int64
	stopPulseID  int64

	stats Statistics
}

// New creates a Manager. deps must all be non-nil.
func New(cfg *config.Config, reg *registry.Registry, rost *roster.Roster, snd *sender.Sender, aud *audit.Log, det *detector.Launcher, epics *epicswriter.Client, scans *scaninfo.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: reg,
		roster:   rost,
		sender:   snd,
		audit:    aud,
		detector: det,
		epics:    epics,
		scanInfo: scans,
		logger:   slog.Default().With("component", "broker"),
		state:    StateStopped,
		stats:    Statistics{ProcessStartupTime: time.Now()},
	}
}

// GetStatus returns the current imperative-mode state.
func (m *Manager) GetStatus() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetStatistics returns a snapshot of operational counters, spec.md
// §4.8 "GET /statistics".
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// GetParameters returns the currently configured parameters.
func (m *Manager) GetParameters() model.WriteParameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parameters
}

// SetParameters validates and stores parameters, transitioning
// Stopped/Configured → Configured, spec.md §4.6 "set_parameters
// validation".
func (m *Manager) SetParameters(params model.WriteParameters) error {
	for _, req := range model.RequiredParameters {
		if _, ok := params[req]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredParameter, req)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.parameters = params
	m.state = StateConfigured
	return nil
}

// StartWriter begins an interactive receiving session at p0, spec.md
// §4.6 idempotence rules.
func (m *Manager) StartWriter(p0 int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateReceiving {
		if m.startPulseID == p0 {
			return // no-op: identical start while already receiving
		}
		m.logger.Warn("start_writer: abandoning prior receiving session", "previous_start", m.startPulseID, "new_start", p0)
	}

	m.startPulseID = p0
	m.state = StateReceiving
}

// StopWriter ends the receiving session at p1 and emits write
// requests per the channel roster, spec.md §4.6 "stop_writer effect".
func (m *Manager) StopWriter(ctx context.Context, p1 int64) error {
	m.mu.Lock()
	if m.state != StateReceiving {
		m.logger.Warn("stop_writer called while not receiving", "state", m.state)
		m.mu.Unlock()
		return nil
	}
	if m.stopPulseID == p1 && m.stopPulseID != 0 {
		m.mu.Unlock()
		return nil // no-op: repeated stop with same pulse id
	}
	m.stopPulseID = p1
	params := m.parameters
	start := m.startPulseID
	m.state = StateStopped
	m.mu.Unlock()

	channels := m.roster.Channels()
	bsread, camera := roster.Partition(channels)

	cameraParams := params
	if outputFile := params.OutputFile(); outputFile != "" {
		cameraParams = withOutputFile(params, withImagesSuffix(outputFile))
	}

	emitted := false
	if len(bsread) > 0 {
		if err := m.emit(ctx, bsread, params, start, p1, !emitted); err != nil {
			return err
		}
		emitted = true
	}
	if len(camera) > 0 {
		if err := m.emit(ctx, camera, cameraParams, start, p1, !emitted); err != nil {
			return err
		}
		emitted = true
	}
	return nil
}

// withImagesSuffix inserts the ".IMAGES" suffix before the output
// file's extension, spec.md §4.6 "stop_writer effect": image-channel
// write-requests never share a path with the non-image emission.
func withImagesSuffix(outputFile string) string {
	ext := filepath.Ext(outputFile)
	base := strings.TrimSuffix(outputFile, ext)
	return base + ".IMAGES" + ext
}

// Stop resets to Stopped without emitting a write request, spec.md
// §4.6 "stop() resets to Stopped".
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateStopped
}

func (m *Manager) emit(ctx context.Context, channels []string, params model.WriteParameters, start, stop int64, forwardEpics bool) error {
	req := buildWriteRequest(channels, params, start, stop)

	m.audit.Append(req)
	if !m.cfg.Broker.AuditTrailOnly {
		if err := m.sender.Send(ctx, req, forwardEpics && m.epics.Enabled()); err != nil {
			return fmt.Errorf("broker: sending write request: %w", err)
		}
	}

	m.mu.Lock()
	m.stats.NProcessedRequests++
	now := time.Now()
	m.stats.LastSentWriteRequest = req
	m.stats.LastSentWriteRequestTime = &now
	m.mu.Unlock()
	return nil
}

func buildWriteRequest(channels []string, params model.WriteParameters, start, stop int64) *model.WriteRequest {
	backends := make([]model.ChannelBackend, len(channels))
	for i, c := range channels {
		backend := "sf-databuffer"
		if len(c) > len(roster.PictureSuffix) && c[len(c)-len(roster.PictureSuffix):] == roster.PictureSuffix {
			backend = "sf-imagebuffer"
		}
		backends[i] = model.ChannelBackend{Name: c, Backend: backend}
	}

	req := model.DataAPIRequest{
		Channels:     backends,
		Range:        &model.PulseRange{StartPulseID: start, EndPulseID: stop},
		Response:     model.ResponseFormat{Format: "json", Compression: "none"},
		EventFields:  []string{"channel", "pulseId", "value", "shape", "globalDate"},
		ConfigFields: []string{"type", "shape"},
	}

	return &model.WriteRequest{
		DataAPIRequest: req.ToWire(),
		Parameters:     params,
		Timestamp:      float64(time.Now().UnixNano()) / 1e9,
	}
}

// Retrieve is the one-shot entry point, spec.md §4.6 "retrieve" steps
// 1-11.
func (m *Manager) Retrieve(ctx context.Context, req *model.AcquisitionRequest, remoteIP, beamlineForce string) RetrieveResult {
	beamline, ok := beamlineForce, beamlineForce != ""
	if !ok {
		beamline, ok = m.cfg.BeamlineForIP(remoteIP)
	}
	if !ok {
		return RetrieveResult{Status: "failed", Message: "can not determine beamline from remote_ip"}
	}

	if err := validateRequest(req); err != nil {
		return RetrieveResult{Status: "failed", Message: err.Error()}
	}

	if err := m.registry.EnsureAccessible(beamline, req.Pgroup); err != nil {
		return RetrieveResult{Status: "failed", Message: err.Error()}
	}

	if !req.HasDataSelector() {
		return RetrieveResult{Status: "pass"}
	}

	sort.Strings(req.ChannelsList)
	req.ChannelsList = dedupe(req.ChannelsList)

	runNumber, err := m.registry.Allocate(beamline, req.Pgroup)
	if err != nil {
		return RetrieveResult{Status: "failed", Message: err.Error()}
	}

	req.Beamline = beamline
	req.RunNumber = runNumber
	req.RequestTime = time.Now()

	if err := m.registry.WriteManifest(beamline, req.Pgroup, runNumber, req); err != nil {
		return RetrieveResult{Status: "failed", Message: err.Error()}
	}

	k := req.RateMultiplicator
	if k == 0 {
		k = 1
	}
	wideStart, wideStop := pulseid.Expand(pulseid.ID(req.StartPulseID), pulseid.ID(req.StopPulseID), k)

	user := req.Pgroup
	if len(user) >= 6 {
		user = req.Pgroup[1:6]
	}
	params := model.WriteParameters{
		model.ParamCreated:    time.Now().Format(time.RFC3339),
		model.ParamUser:       user,
		model.ParamProcess:    ProcessID,
		model.ParamInstrument: beamline,
	}

	m.retrieveEmitAll(ctx, req, runNumber, int64(wideStart), int64(wideStop), params)

	if req.ScanInfo != nil && req.ScanInfo.ScanName != "" {
		m.appendScanInfoStep(beamline, req, int64(wideStart), int64(wideStop), params)
	}

	m.mu.Lock()
	m.stats.NProcessedRequests++
	m.mu.Unlock()

	return RetrieveResult{Status: "ok", Message: strconv.FormatInt(runNumber, 10)}
}

// retrieveEmitAll fans out the per-selector write-requests and detector
// spawns of retrieve() step 9. The PV forward to the epics writer runs
// in its own goroutine; the queue emissions are sent in order, BSREAD
// then CAMERAS, following spec.md §5; detector spawns fan out
// concurrently via errgroup since each is independent and best-effort.
func (m *Manager) retrieveEmitAll(ctx context.Context, req *model.AcquisitionRequest, runNumber, start, stop int64, params model.WriteParameters) {
	dirName := req.DirectoryName
	if dirName == "" {
		dirName = req.Pgroup
	}
	outputPath := func(suffix string) string {
		return filepath.Join("/sf", req.Beamline, "data", req.Pgroup, "raw", dirName, fmt.Sprintf("run_%06d.%s.h5", runNumber, suffix))
	}

	if len(req.PVList) > 0 && m.epics.Enabled() {
		pvParams := withOutputFile(params, outputPath("PVCHANNELS"))
		go func() {
			err := m.epics.Put(context.Background(), epicswriter.Request{
				Range:      map[string]int64{"startPulseId": start, "endPulseId": stop},
				Parameters: pvParams,
				Channels:   req.PVList,
			})
			if err != nil {
				m.logger.Warn("retrieve: epics writer forward failed", "pgroup", req.Pgroup, "run_number", runNumber, "error", err)
			}
		}()
	}

	if len(req.ChannelsList) > 0 {
		bsreadParams := withOutputFile(params, outputPath("BSREAD"))
		wr := buildWriteRequest(req.ChannelsList, bsreadParams, start, stop)
		m.audit.Append(wr)
		if !m.cfg.Broker.AuditTrailOnly {
			if err := m.sender.Send(ctx, wr, false); err != nil {
				m.logger.Error("retrieve: sending BSREAD write request failed", "pgroup", req.Pgroup, "run_number", runNumber, "error", err)
			}
		}
	}

	if len(req.CameraList) > 0 {
		camParams := withOutputFile(params, outputPath("CAMERAS"))
		wr := buildWriteRequest(req.CameraList, camParams, start, stop)
		m.audit.Append(wr)
		if !m.cfg.Broker.AuditTrailOnly {
			if err := m.sender.Send(ctx, wr, false); err != nil {
				m.logger.Error("retrieve: sending CAMERAS write request failed", "pgroup", req.Pgroup, "run_number", runNumber, "error", err)
			}
		}
	}

	if len(req.Detectors) > 0 {
		detStart, _ := pulseid.FirstAligned(pulseid.ID(start), pulseid.ID(stop), req.RateMultiplicator)
		detStop, _ := pulseid.LastAligned(pulseid.ID(start), pulseid.ID(stop), req.RateMultiplicator)

		manifestPath := m.registry.ManifestPath(req.Beamline, req.Pgroup, runNumber)

		var g errgroup.Group
		for name, det := range req.Detectors {
			name, det := name, det
			g.Go(func() error {
				outputFile := outputPath(name)
				logFile := filepath.Join("/sf", req.Beamline, "data", req.Pgroup, "raw", "run_info", fmt.Sprintf("run_%06d.%s.log", runNumber, name))
				err := m.detector.Spawn(detector.Request{
					Command:        m.cfg.Broker.DetectorRetrieveCmd,
					Detector:       name,
					StartPulseID:   detStart,
					StopPulseID:    detStop,
					OutputFile:     outputFile,
					RateMultiplier: req.RateMultiplicator,
					Export:         det.Convert || det.Compress,
					ManifestPath:   manifestPath,
					RawFileName:    outputFile,
					LogFile:        logFile,
				})
				if err != nil {
					m.logger.Warn("retrieve: detector spawn failed", "detector", name, "error", err)
				}
				return nil // best-effort: never fail the group
			})
		}
		_ = g.Wait()
	}
}

func (m *Manager) appendScanInfoStep(beamline string, req *model.AcquisitionRequest, start, stop int64, params model.WriteParameters) {
	rawDir := fmt.Sprintf("/sf/%s/data/%s/raw", beamline, req.Pgroup)
	path := scaninfo.Path(rawDir, req.ScanInfo.ScanName)

	step := scaninfo.Step{
		Readbacks:    req.ScanInfo.ScanReadbacks,
		Values:       req.ScanInfo.ScanValues,
		ReadbacksRaw: req.ScanInfo.ScanReadbacksRaw,
		StepInfo:     req.ScanInfo.StepInfo,
		Files:        []string{fmt.Sprintf("run_%06d.BSREAD.h5", req.RunNumber)},
		StartPulseID: start,
		StopPulseID:  stop,
		Parameters:   req.ScanInfo.ScanParameters,
	}
	if err := m.scanInfo.AppendStep(path, step); err != nil {
		m.logger.Warn("retrieve: scan-info append failed", "scan_name", req.ScanInfo.ScanName, "error", err)
	}
}

func withOutputFile(params model.WriteParameters, outputFile string) model.WriteParameters {
	out := make(model.WriteParameters, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[model.ParamOutputFile] = outputFile
	return out
}

func validateRequest(req *model.AcquisitionRequest) error {
	if !pgroupPattern.MatchString(req.Pgroup) {
		return fmt.Errorf("invalid pgroup %q", req.Pgroup)
	}
	if req.StartPulseID > req.StopPulseID {
		return fmt.Errorf("start_pulseid %d greater than stop_pulseid %d", req.StartPulseID, req.StopPulseID)
	}
	k := req.RateMultiplicator
	if k == 0 {
		k = 1
	}
	if !config.IsAllowedRateMultiplier(k) {
		return fmt.Errorf("rate_multiplicator %d not in allowed set", k)
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
