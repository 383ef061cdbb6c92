package broker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psi/sf-daq-broker/internal/audit"
	"github.com/psi/sf-daq-broker/internal/config"
	"github.com/psi/sf-daq-broker/internal/detector"
	"github.com/psi/sf-daq-broker/internal/epicswriter"
	"github.com/psi/sf-daq-broker/internal/model"
	"github.com/psi/sf-daq-broker/internal/registry"
	"github.com/psi/sf-daq-broker/internal/roster"
	"github.com/psi/sf-daq-broker/internal/scaninfo"
	"github.com/psi/sf-daq-broker/internal/sender"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	data [][]byte
}

func (f *fakeQueue) LPush(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append([][]byte{value}, f.data...)
	return nil
}

func (f *fakeQueue) LTrim(ctx context.Context, key string, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) > maxLen {
		f.data = f.data[:maxLen]
	}
	return nil
}

func (f *fakeQueue) Len(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *fakeQueue) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, nil
	}
	v := f.data[len(f.data)-1]
	f.data = f.data[:len(f.data)-1]
	return v, nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

type harness struct {
	mgr     *Manager
	queue   *fakeQueue
	dataRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "alvra", "data", "p18493", "raw"), 0o755))

	channelsFile := filepath.Join(dataRoot, "channels.txt")
	require.NoError(t, os.WriteFile(channelsFile, []byte("# comment\nchan1\nchan2\nimg1:FPICTURE\n"), 0o644))

	rost, err := roster.New(channelsFile, 2000, 40)
	require.NoError(t, err)

	q := &fakeQueue{}
	snd := sender.New(q, sender.Config{QueueKey: "queue", QueueLength: 100, Mode: sender.ModeDropOldest})

	aud := audit.New(filepath.Join(dataRoot, "audit.log"), "2006-01-02 15:04:05.000")

	cfg := &config.Config{}
	cfg.Beamline.IPPrefixMap = map[string]string{"129.129.242": "alvra"}
	cfg.Broker.DetectorRetrieveCmd = "/bin/true"

	mgr := New(cfg, registry.New(dataRoot), rost, snd, aud, detector.New(), epicswriter.New("", 0), scaninfo.New())
	return &harness{mgr: mgr, queue: q, dataRoot: dataRoot}
}

func TestSetParametersRequiresAllFields(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.SetParameters(model.WriteParameters{
		model.ParamCreated: "now",
		model.ParamUser:    "e12345",
	})
	require.ErrorIs(t, err, ErrMissingRequiredParameter)
}

func TestSetParametersValid(t *testing.T) {
	h := newHarness(t)
	err := h.mgr.SetParameters(model.WriteParameters{
		model.ParamCreated:    "now",
		model.ParamUser:       "e12345",
		model.ParamProcess:    ProcessID,
		model.ParamInstrument: "alvra",
		model.ParamOutputFile: "run.h5",
	})
	require.NoError(t, err)
	require.Equal(t, StateConfigured, h.mgr.GetStatus())
}

func TestStateMachineTransitions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.SetParameters(validParams()))
	require.Equal(t, StateConfigured, h.mgr.GetStatus())

	h.mgr.StartWriter(100)
	require.Equal(t, StateReceiving, h.mgr.GetStatus())

	h.mgr.StartWriter(100) // idempotent no-op
	require.Equal(t, StateReceiving, h.mgr.GetStatus())

	require.NoError(t, h.mgr.StopWriter(context.Background(), 200))
	require.Equal(t, StateStopped, h.mgr.GetStatus())

	require.Equal(t, 2, h.queue.count()) // bsread + camera emissions

	var bsread, camera model.WriteRequest
	require.NoError(t, json.Unmarshal(h.queue.data[0], &camera)) // LPush prepends: camera emitted second, pushed last
	require.NoError(t, json.Unmarshal(h.queue.data[1], &bsread))
	require.NotEqual(t, bsread.Parameters.OutputFile(), camera.Parameters.OutputFile())
	require.Equal(t, "run.h5", bsread.Parameters.OutputFile())
	require.Equal(t, "run.IMAGES.h5", camera.Parameters.OutputFile())
}

func TestStopWriterGatesSendOnAuditTrailOnly(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.Broker.AuditTrailOnly = true

	require.NoError(t, h.mgr.SetParameters(validParams()))
	h.mgr.StartWriter(100)
	require.NoError(t, h.mgr.StopWriter(context.Background(), 200))

	require.Equal(t, 0, h.queue.count(), "no write-requests should be sent while audit_trail_only is set")
}

func TestStopWriterWhileNotReceivingIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.StopWriter(context.Background(), 1))
	require.Equal(t, 0, h.queue.count())
}

func TestRetrieveUnknownIPFails(t *testing.T) {
	h := newHarness(t)
	result := h.mgr.Retrieve(context.Background(), &model.AcquisitionRequest{Pgroup: "p18493"}, "10.0.0.1", "")
	require.Equal(t, "failed", result.Status)
}

func TestRetrieveNoDataSelectorPasses(t *testing.T) {
	h := newHarness(t)
	req := &model.AcquisitionRequest{Pgroup: "p18493", StartPulseID: 100, StopPulseID: 200, RateMultiplicator: 1}
	result := h.mgr.Retrieve(context.Background(), req, "129.129.242.5", "")
	require.Equal(t, "pass", result.Status)
}

func TestRetrieveAllocatesRunAndEmits(t *testing.T) {
	h := newHarness(t)
	req := &model.AcquisitionRequest{
		Pgroup:            "p18493",
		StartPulseID:      100,
		StopPulseID:       200,
		RateMultiplicator: 1,
		ChannelsList:      []string{"chan2", "chan1", "chan1"},
		CameraList:        []string{"img1:FPICTURE"},
	}
	result := h.mgr.Retrieve(context.Background(), req, "129.129.242.5", "")
	require.Equal(t, "ok", result.Status)
	require.Equal(t, "1", result.Message)
	require.Equal(t, 2, h.queue.count())

	manifestPath := filepath.Join(h.dataRoot, "alvra", "data", "p18493", "raw", "run_info", "000000", "run_000001.json")
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var stored model.AcquisitionRequest
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, int64(1), stored.RunNumber)
	require.Equal(t, []string{"chan1", "chan2"}, stored.ChannelsList)
}

func TestRetrieveBadRateMultiplierFails(t *testing.T) {
	h := newHarness(t)
	req := &model.AcquisitionRequest{
		Pgroup: "p18493", StartPulseID: 100, StopPulseID: 200,
		RateMultiplicator: 3, ChannelsList: []string{"chan1"},
	}
	result := h.mgr.Retrieve(context.Background(), req, "129.129.242.5", "")
	require.Equal(t, "failed", result.Status)
}

func validParams() model.WriteParameters {
	return model.WriteParameters{
		model.ParamCreated:    "now",
		model.ParamUser:       "e12345",
		model.ParamProcess:    ProcessID,
		model.ParamInstrument: "alvra",
		model.ParamOutputFile: "run.h5",
	}
}
