// Package api exposes the Broker Manager over HTTP, spec.md §4.8 "REST
// Facade". Every handler traps panics and unexpected errors and
// answers with {state:"error", status:<msg>} at HTTP 200, matching the
// "any unhandled exception is trapped" contract.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/psi/sf-daq-broker/internal/broker"
	"github.com/psi/sf-daq-broker/internal/model"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sf_daq_broker_requests_total",
	Help: "REST facade requests by route and outcome.",
}, []string{"route", "outcome"})

// Server wraps a gorilla/mux router around a broker.Manager.
type Server struct {
	mgr    *broker.Manager
	router *mux.Router
}

// New builds a Server with all spec.md §4.8 routes registered.
func New(mgr *broker.Manager) *Server {
	s := &Server{mgr: mgr, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/status", s.trap("status", s.handleStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/parameters", s.trap("parameters", s.handleSetParameters)).Methods(http.MethodPost)
	s.router.HandleFunc("/start_pulse_id/{pid}", s.trap("start_pulse_id", s.handleStart)).Methods(http.MethodPut)
	s.router.HandleFunc("/stop_pulse_id/{pid}", s.trap("stop_pulse_id", s.handleStop)).Methods(http.MethodPut)
	s.router.HandleFunc("/stop", s.trap("stop", s.handleReset)).Methods(http.MethodGet)
	s.router.HandleFunc("/statistics", s.trap("statistics", s.handleStatistics)).Methods(http.MethodGet)
	s.router.HandleFunc("/kill", s.trap("kill", s.handleKill)).Methods(http.MethodGet)
	s.router.HandleFunc("/retrieve_from_buffers", s.trap("retrieve_from_buffers", s.handleRetrieve)).Methods(http.MethodPost)
}

// trap wraps handler so any error or panic becomes {state:"error"} at
// HTTP 200, spec.md §4.8's trap-all-exceptions rule, and records the
// outcome to Prometheus.
func (s *Server) trap(route string, handler func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome := "ok"
		defer func() {
			if rec := recover(); rec != nil {
				outcome = "error"
				writeJSON(w, map[string]interface{}{"state": "error", "status": toMessage(rec)})
			}
			requestsTotal.WithLabelValues(route, outcome).Inc()
		}()

		if err := handler(w, r); err != nil {
			outcome = "error"
			writeJSON(w, map[string]interface{}{"state": "error", "status": err.Error()})
		}
	}
}

func toMessage(rec interface{}) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	return "internal error"
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, map[string]interface{}{"state": "ok", "status": s.mgr.GetStatus()})
	return nil
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) error {
	var params model.WriteParameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return err
	}
	if err := s.mgr.SetParameters(params); err != nil {
		return err
	}
	writeJSON(w, map[string]interface{}{"state": "ok", "status": s.mgr.GetStatus(), "parameters": params})
	return nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) error {
	pid, err := pathPulseID(r)
	if err != nil {
		return err
	}
	s.mgr.StartWriter(pid)
	writeJSON(w, map[string]interface{}{"state": "ok", "status": s.mgr.GetStatus()})
	return nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) error {
	pid, err := pathPulseID(r)
	if err != nil {
		return err
	}
	if err := s.mgr.StopWriter(r.Context(), pid); err != nil {
		return err
	}
	writeJSON(w, map[string]interface{}{"state": "ok", "status": s.mgr.GetStatus()})
	return nil
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) error {
	s.mgr.Stop()
	writeJSON(w, map[string]interface{}{"state": "ok", "status": s.mgr.GetStatus()})
	return nil
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, s.mgr.GetStatistics())
	return nil
}

// killFunc terminates the process, spec.md §4.8 "GET /kill exits 0
// immediately". Overridable in tests so /kill can be exercised without
// actually terminating the test binary.
var killFunc = func() { os.Exit(0) }

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, map[string]interface{}{"state": "ok", "status": "killed"})
	go killFunc()
	return nil
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) error {
	var req model.AcquisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return err
	}

	// Beamline is always derived from the caller's IP prefix, never from
	// the client-supplied request body, spec.md §4.6 step 1 / §3.
	remoteIP := remoteIPFrom(r)
	result := s.mgr.Retrieve(context.Background(), &req, remoteIP, "")
	writeJSON(w, result)
	return nil
}

func pathPulseID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["pid"]
	return strconv.ParseInt(raw, 10, 64)
}

func remoteIPFrom(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
