package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psi/sf-daq-broker/internal/audit"
	"github.com/psi/sf-daq-broker/internal/broker"
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

type testQueue struct {
	mu   sync.Mutex
	data [][]byte
}

func (q *testQueue) LPush(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data = append(q.data, value)
	return nil
}

func (q *testQueue) LTrim(ctx context.Context, key string, maxLen int64) error {
	return nil
}

func (q *testQueue) Len(ctx context.Context, key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.data)), nil
}

func (q *testQueue) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "alvra", "data", "p18493", "raw"), 0o755))

	channelsFile := filepath.Join(dataRoot, "channels.txt")
	require.NoError(t, os.WriteFile(channelsFile, []byte("chan1\n"), 0o644))
	rost, err := roster.New(channelsFile, 2000, 40)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Beamline.IPPrefixMap = map[string]string{"129.129.242": "alvra"}
	cfg.Broker.DetectorRetrieveCmd = "/bin/true"

	mgr := broker.New(cfg, registry.New(dataRoot), rost,
		sender.New(&testQueue{}, sender.Config{QueueKey: "q", QueueLength: 10}),
		audit.New(filepath.Join(dataRoot, "audit.log"), "2006-01-02 15:04:05.000"),
		detector.New(), epicswriter.New("", 0), scaninfo.New())

	return New(mgr)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	require.Equal(t, "ok", body["state"])
	require.Equal(t, "stopped", body["status"])
}

func TestSetParametersMissingFieldReturnsErrorState(t *testing.T) {
	srv := newTestServer(t)
	payload, _ := json.Marshal(map[string]interface{}{"general/user": "e12345"})
	req := httptest.NewRequest(http.MethodPost, "/parameters", bytes.NewReader(payload))
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	require.Equal(t, "error", body["state"])
}

func TestStartStopPulseIDLifecycle(t *testing.T) {
	srv := newTestServer(t)

	params, _ := json.Marshal(model.WriteParameters{
		model.ParamCreated: "now", model.ParamUser: "e12345",
		model.ParamProcess: "sf-daq-broker", model.ParamInstrument: "alvra",
		model.ParamOutputFile: "run.h5",
	})
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/parameters", bytes.NewReader(params)))
	require.Equal(t, http.StatusOK, rw.Code)

	rw = httptest.NewRecorder()
	srv.ServeHTTP(rw, httptest.NewRequest(http.MethodPut, "/start_pulse_id/100", nil))
	var startBody map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &startBody))
	require.Equal(t, "receiving", startBody["status"])

	rw = httptest.NewRecorder()
	srv.ServeHTTP(rw, httptest.NewRequest(http.MethodPut, "/stop_pulse_id/200", nil))
	var stopBody map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &stopBody))
	require.Equal(t, "stopped", stopBody["status"])
}

func TestRetrieveFromBuffersUnknownIPFails(t *testing.T) {
	srv := newTestServer(t)
	payload, _ := json.Marshal(model.AcquisitionRequest{Pgroup: "p18493"})
	req := httptest.NewRequest(http.MethodPost, "/retrieve_from_buffers", bytes.NewReader(payload))
	req.RemoteAddr = "10.0.0.1:5555"
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, req)

	var result broker.RetrieveResult
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &result))
	require.Equal(t, "failed", result.Status)
}

func TestRetrieveIgnoresClientSuppliedBeamlineFromUntrustedIP(t *testing.T) {
	srv := newTestServer(t)
	payload, _ := json.Marshal(model.AcquisitionRequest{Pgroup: "p18493", Beamline: "alvra"})
	req := httptest.NewRequest(http.MethodPost, "/retrieve_from_buffers", bytes.NewReader(payload))
	req.RemoteAddr = "10.0.0.1:5555" // not in cfg.Beamline.IPPrefixMap
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, req)

	var result broker.RetrieveResult
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &result))
	require.Equal(t, "failed", result.Status, "a spoofed beamline field must not bypass IP-derived trust")
}

func TestStatisticsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/statistics", nil))
	require.Equal(t, http.StatusOK, rw.Code)
}
