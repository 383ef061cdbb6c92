// Package sender implements the bounded outbound queue between the
// broker and the writer, plus the fire-and-forget epics-writer HTTP
// forwarder, spec.md §4.5.
//
// The broker and writer are independent processes (spec.md §5), so the
// in-process channel the teacher's EventBus uses for same-process
// fan-out is generalized here to a Redis list: Push is an LPUSH capped
// by LTRIM (drop-oldest) or a blocking push bounded by send_timeout,
// and the writer's Pull is a BRPOP (oldest entry first) with the
// configured receive timeout.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/psi/sf-daq-broker/internal/model"
)

// Mode selects the queue push semantics when the queue is full.
type Mode int

const (
	// ModeDropOldest trims the queue to QueueLength after every push,
	// discarding the oldest entries (matches a PUSH zmq socket with a
	// bounded high-water-mark queue).
	ModeDropOldest Mode = iota
	// ModeBlockWithTimeout waits up to SendTimeout for room before
	// giving up (matches a PULL-peer zmq socket).
	ModeBlockWithTimeout
)

// Queue is the minimal Redis surface the Sender needs, so tests can
// inject a fake without standing up a real Redis server.
type Queue interface {
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, maxLen int64) error
	Len(ctx context.Context, key string) (int64, error)
	BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
}

// Config configures a Sender, spec.md §4.5 "Contract".
type Config struct {
	QueueKey      string
	QueueLength   int64
	SendTimeout   time.Duration
	Mode          Mode
	EpicsWriterURL string
	HTTPTimeout   time.Duration
}

// Sender pushes write-requests onto the bounded outbound queue and
// optionally forwards a subset to the epics writer over HTTP PUT.
type Sender struct {
	queue  Queue
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Sender backed by queue.
func New(queue Queue, cfg Config) *Sender {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Sender{
		queue:  queue,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: slog.Default().With("component", "sender"),
	}
}

// Send pushes req onto the outbound queue and, if forwardToEpics is
// true and an epics writer URL is configured, dispatches a detached
// HTTP PUT carrying the range and parameters. Forwarder failures are
// logged and never propagate (spec.md §4.5).
func (s *Sender) Send(ctx context.Context, req *model.WriteRequest, forwardToEpics bool) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sender: marshaling write request: %w", err)
	}

	if err := s.push(ctx, payload); err != nil {
		return fmt.Errorf("sender: pushing to queue: %w", err)
	}

	if forwardToEpics && s.cfg.EpicsWriterURL != "" {
		go s.forwardEpics(req)
	}
	return nil
}

func (s *Sender) push(ctx context.Context, payload []byte) error {
	switch s.cfg.Mode {
	case ModeBlockWithTimeout:
		deadline := time.Now().Add(s.cfg.SendTimeout)
		for {
			n, err := s.queue.Len(ctx, s.cfg.QueueKey)
			if err != nil {
				return err
			}
			if n < s.cfg.QueueLength {
				return s.queue.LPush(ctx, s.cfg.QueueKey, payload)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("queue full after waiting %s", s.cfg.SendTimeout)
			}
			time.Sleep(50 * time.Millisecond)
		}
	default: // ModeDropOldest
		if err := s.queue.LPush(ctx, s.cfg.QueueKey, payload); err != nil {
			return err
		}
		return s.queue.LTrim(ctx, s.cfg.QueueKey, s.cfg.QueueLength)
	}
}

// forwardEpics PUTs {range, parameters} to the configured epics writer
// URL. Run in a goroutine by Send; errors are logged only.
func (s *Sender) forwardEpics(req *model.WriteRequest) {
	body := map[string]interface{}{
		"range":      req.DataAPIRequest["range"],
		"parameters": req.Parameters,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("epics forward: marshal failed", "error", err)
		return
	}

	httpReq, err := http.NewRequest(http.MethodPut, s.cfg.EpicsWriterURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("epics forward: building request failed", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Error("epics forward: request failed", "url", s.cfg.EpicsWriterURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.logger.Error("epics forward: non-2xx response", "status", resp.StatusCode, "url", s.cfg.EpicsWriterURL)
		return
	}
	s.logger.Info("epics forward delivered", "url", s.cfg.EpicsWriterURL)
}

// Pull is the writer-side blocking receive: it waits up to timeout for
// a message and returns nil, nil if none arrived (spec.md §4.7 "Run
// loop": "if the message is null, continues").
func (s *Sender) Pull(ctx context.Context, timeout time.Duration) (*model.WriteRequest, error) {
	payload, err := s.queue.BLPop(ctx, s.cfg.QueueKey, timeout)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	var req model.WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("sender: unmarshaling write request: %w", err)
	}
	return &req, nil
}
