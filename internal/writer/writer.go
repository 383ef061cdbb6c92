// Package writer implements the Writer Core run loop, spec.md §4.7:
// it consumes write-requests from the outbound queue, honors a
// per-request retrieval delay, calls the dispatching layer (falling
// back to a timestamp-range query on failure), and materializes the
// result through internal/container.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/psi/sf-daq-broker/internal/container"
	"github.com/psi/sf-daq-broker/internal/dispatch"
	"github.com/psi/sf-daq-broker/internal/model"
	"github.com/psi/sf-daq-broker/internal/sender"
)

// Config configures a Writer, spec.md §4.7 plus the FACILITY_UTC_OFFSET
// design note in spec.md §9.
type Config struct {
	ReceiveTimeout       time.Duration
	DataRetrievalDelay   time.Duration
	ErrorIfNoData        bool
	CompactLayout        bool
	FacilityUTCOffsetHours int
}

// Writer runs the single-threaded receive loop.
type Writer struct {
	source  *sender.Sender
	client  *dispatch.Client
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Writer pulling from source and querying the
// dispatching layer through client.
func New(source *sender.Sender, client *dispatch.Client, cfg Config) *Writer {
	return &Writer{
		source:  source,
		client:  client,
		cfg:     cfg,
		logger:  slog.Default().With("component", "writer"),
		nowFunc: time.Now,
	}
}

// Run pulls messages until ctx is canceled, spec.md §4.7 "Run loop".
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := w.source.Pull(ctx, w.cfg.ReceiveTimeout)
		if err != nil {
			w.logger.Error("writer: pull failed", "error", err)
			continue
		}
		if req == nil {
			continue
		}

		w.process(ctx, req)
	}
}

// process handles one write-request end to end, spec.md §4.7 steps 1-4.
func (w *Writer) process(ctx context.Context, req *model.WriteRequest) {
	outputFile := req.Parameters.OutputFile()
	if outputFile == "/dev/null" {
		return
	}

	delay := w.adjustedDelay(req.Timestamp)
	if delay > 0 {
		time.Sleep(delay)
	}

	channels, err := w.retrieve(ctx, req)
	if err != nil {
		w.recordFailure(req, err)
		return
	}

	if err := w.materialize(outputFile, req.Parameters, channels); err != nil {
		w.recordFailure(req, err)
	}
}

// adjustedDelay computes max(0, data_retrieval_delay - (now - timestamp)),
// spec.md §4.7 step 2.
func (w *Writer) adjustedDelay(timestamp float64) time.Duration {
	sent := time.Unix(0, int64(timestamp*1e9))
	elapsed := w.nowFunc().Sub(sent)
	remaining := w.cfg.DataRetrievalDelay - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// retrieve posts the request to the dispatching layer, falling back to
// a timestamp-range query and per-channel filtering on failure, spec.md
// §4.7 step 3.
func (w *Writer) retrieve(ctx context.Context, req *model.WriteRequest) ([]model.ChannelResponse, error) {
	channels, err := w.client.QueryRaw(ctx, req.DataAPIRequest)
	if err == nil {
		return channels, nil
	}
	w.logger.Warn("writer: primary retrieval failed, falling back to timestamp range", "error", err)

	startPID, stopPID, ok := pulseRange(req.DataAPIRequest)
	if !ok {
		return nil, fmt.Errorf("writer: no pulse-id range to derive fallback window: %w", err)
	}

	fallback := cloneWireRequest(req.DataAPIRequest)
	fallback["range"] = timestampRangeJSON(req.Timestamp, startPID, stopPID, w.cfg.FacilityUTCOffsetHours)

	channels, err = w.client.QueryRaw(ctx, fallback)
	if err != nil {
		return nil, fmt.Errorf("writer: fallback retrieval failed: %w", err)
	}

	return filterToRange(channels, startPID, stopPID), nil
}

func pulseRange(wire map[string]interface{}) (start, stop int64, ok bool) {
	r, ok := wire["range"].(map[string]interface{})
	if !ok {
		return 0, 0, false
	}
	s, ok1 := toInt64(r["startPulseId"])
	e, ok2 := toInt64(r["endPulseId"])
	return s, e, ok1 && ok2
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// timestampRangeJSON derives the dispatching-layer fallback window,
// spec.md §4.7 step 3: end = ceil(timestamp)+1s; start = end -
// ((stop_pid-start_pid)/100 + 10)s, rendered in facility-local
// ISO-with-offset form (spec.md §9 prefers configuring the offset over
// a hardcoded timezone string).
func timestampRangeJSON(timestamp float64, startPID, stopPID int64, utcOffsetHours int) map[string]interface{} {
	end := time.Unix(int64(math.Ceil(timestamp))+1, 0).UTC()
	windowSec := float64(stopPID-startPID)/100.0 + 10.0
	start := end.Add(-time.Duration(windowSec * float64(time.Second)))

	loc := time.FixedZone(fmt.Sprintf("UTC%+d", utcOffsetHours), utcOffsetHours*3600)
	const layout = "2006-01-02T15:04:05.000-07:00"
	return map[string]interface{}{
		"startDate": start.In(loc).Format(layout),
		"endDate":   end.In(loc).Format(layout),
	}
}

// filterToRange restricts each channel's events to [start, stop]: it
// sorts a copy of the events by pulse id and binary-searches for the
// first pid >= start and the first pid > stop, spec.md §4.7 step 3.
func filterToRange(channels []model.ChannelResponse, start, stop int64) []model.ChannelResponse {
	out := make([]model.ChannelResponse, len(channels))
	for i, ch := range channels {
		sorted := append([]model.ChannelEvent(nil), ch.Data...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].PulseID < sorted[b].PulseID })

		lo := sort.Search(len(sorted), func(i int) bool { return sorted[i].PulseID >= start })
		hi := sort.Search(len(sorted), func(i int) bool { return sorted[i].PulseID > stop })

		filtered := ch
		if lo < hi {
			filtered.Data = sorted[lo:hi]
		} else {
			filtered.Data = nil
		}
		out[i] = filtered
	}
	return out
}

func cloneWireRequest(wire map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(wire))
	for k, v := range wire {
		out[k] = v
	}
	return out
}

// materialize writes channels to outputFile in the configured layout,
// spec.md §4.7 "File layouts".
func (w *Writer) materialize(outputFile string, params model.WriteParameters, channels []model.ChannelResponse) error {
	if w.cfg.ErrorIfNoData {
		for _, ch := range channels {
			if len(ch.Data) == 0 {
				return fmt.Errorf("writer: channel %s returned no data", ch.Channel.Name)
			}
		}
	}

	store, err := container.CreateDirStore(outputFile)
	if err != nil {
		return fmt.Errorf("writer: creating container: %w", err)
	}
	defer store.Close()

	// Per-request selection takes precedence; the process-wide
	// CompactLayout config is only the default when a request's
	// parameters don't name a format, spec.md §4.7 "selected
	// per-parameter".
	layout := container.Extended
	if _, named := params[model.ParamOutputFileFormat]; named {
		if params.CompactLayout() {
			layout = container.Compact
		}
	} else if w.cfg.CompactLayout {
		layout = container.Compact
	}

	general := map[string]interface{}{
		model.ParamCreated:    params[model.ParamCreated],
		model.ParamUser:       params[model.ParamUser],
		model.ParamProcess:    params[model.ParamProcess],
		model.ParamInstrument: params[model.ParamInstrument],
	}

	return container.Materialize(store, layout, general, channels)
}

// recordFailure writes the <output_file>.err sidecar, spec.md §4.7
// step 4 / §7 "Dispatching-layer retrieval failure".
func (w *Writer) recordFailure(req *model.WriteRequest, cause error) {
	w.logger.Error("writer: processing failed", "output_file", req.Parameters.OutputFile(), "error", cause)

	errPath := req.Parameters.OutputFile() + ".err"
	payload, err := json.Marshal(map[string]interface{}{
		"request":   req,
		"timestamp": req.Timestamp,
		"error":     cause.Error(),
	})
	if err != nil {
		w.logger.Error("writer: marshaling error sidecar failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(errPath), 0o755); err != nil {
		w.logger.Error("writer: creating directory for error sidecar failed", "path", errPath, "error", err)
		return
	}
	if err := os.WriteFile(errPath, payload, 0o644); err != nil {
		w.logger.Error("writer: writing error sidecar failed", "path", errPath, "error", err)
	}
}
