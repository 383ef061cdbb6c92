// Package model holds the wire and persisted data shapes shared across
// the broker, writer and checker: acquisition requests, runs,
// write-requests and channel events (spec.md §3).
package model

import "time"

// AcquisitionRequest is the client-facing request describing an
// acquisition window, spec.md §3 "Acquisition request".
type AcquisitionRequest struct {
	Pgroup             string            `json:"pgroup"`
	Beamline           string            `json:"beamline,omitempty"`
	StartPulseID       int64             `json:"start_pulseid"`
	StopPulseID        int64             `json:"stop_pulseid"`
	RateMultiplicator  int               `json:"rate_multiplicator"`
	DirectoryName      string            `json:"directory_name,omitempty"`
	ChannelsList       []string          `json:"channels_list,omitempty"`
	CameraList         []string          `json:"camera_list,omitempty"`
	PVList             []string          `json:"pv_list,omitempty"`
	Detectors          map[string]Detector `json:"detectors,omitempty"`
	ScanInfo           *ScanStepInfo     `json:"scan_info,omitempty"`

	// Enriched by the broker during retrieve(), spec.md §4.6 step 6.
	RunNumber   int64     `json:"run_number,omitempty"`
	RequestTime time.Time `json:"request_time,omitempty"`
}

// Detector describes a per-detector retrieval request, spec.md §4.6
// step 9.
type Detector struct {
	Convert  bool `json:"convert,omitempty"`
	Compress bool `json:"compress,omitempty"`
}

// HasDataSelector reports whether the request selects at least one
// data source, spec.md §4.6 step 4.
func (r *AcquisitionRequest) HasDataSelector() bool {
	return len(r.ChannelsList) > 0 || len(r.CameraList) > 0 || len(r.PVList) > 0 || len(r.Detectors) > 0
}

// Run is the persisted manifest for one acquisition window, spec.md §3
// "Run".
type Run struct {
	RunNumber   int64               `json:"run_number"`
	RequestTime time.Time           `json:"request_time"`
	Beamline    string              `json:"beamline"`
	Request     *AcquisitionRequest `json:"request"`
	OutputFiles []string            `json:"output_files"`
}

// DataAPIRequest is the wire contract sent to the dispatching layer,
// spec.md §6 "Wire: dispatching layer".
// ToWire's "range" field is rendered from DateRange when it is set and
// from Range otherwise. Neither is JSON-tagged directly; serialization
// always goes through ToWire.
type DataAPIRequest struct {
	Channels     []ChannelBackend
	Range        *PulseRange
	DateRange    *DateRange
	Response     ResponseFormat
	EventFields  []string
	ConfigFields []string
}

type ChannelBackend struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

type PulseRange struct {
	StartPulseID int64 `json:"startPulseId"`
	EndPulseID   int64 `json:"endPulseId"`
}

type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type ResponseFormat struct {
	Format      string `json:"format"`
	Compression string `json:"compression"`
}

// effectiveRangeJSON renders whichever range variant is set.
func (d DataAPIRequest) effectiveRangeJSON() map[string]interface{} {
	if d.DateRange != nil {
		return map[string]interface{}{
			"startDate": d.DateRange.StartDate,
			"endDate":   d.DateRange.EndDate,
		}
	}
	if d.Range != nil {
		return map[string]interface{}{
			"startPulseId": d.Range.StartPulseID,
			"endPulseId":   d.Range.EndPulseID,
		}
	}
	return nil
}

// ToWire renders the request as the plain map the dispatching layer
// expects, honoring whichever range variant is set.
func (d DataAPIRequest) ToWire() map[string]interface{} {
	return map[string]interface{}{
		"channels":     d.Channels,
		"range":        d.effectiveRangeJSON(),
		"response":     d.Response,
		"eventFields":  d.EventFields,
		"configFields": d.ConfigFields,
	}
}

// WriteParameters are the general/* parameters plus the output file
// target, spec.md §4.6 "REQUIRED_PARAMETERS".
type WriteParameters map[string]interface{}

const (
	ParamCreated          = "general/created"
	ParamUser             = "general/user"
	ParamProcess          = "general/process"
	ParamInstrument       = "general/instrument"
	ParamOutputFile       = "output_file"
	ParamOutputFileFormat = "output_file_format"
)

// FormatCompact is the output_file_format value selecting the compact
// (one row per event) container layout, spec.md §4.7 "File layouts".
const FormatCompact = "compact"

// RequiredParameters is the spec.md §4.6 "set_parameters validation" list.
var RequiredParameters = []string{ParamCreated, ParamUser, ParamProcess, ParamInstrument, ParamOutputFile}

// OutputFile returns parameters[output_file] as a string, or "".
func (p WriteParameters) OutputFile() string {
	if v, ok := p[ParamOutputFile].(string); ok {
		return v
	}
	return ""
}

// CompactLayout reports whether this request selected the compact
// container layout via parameters[output_file_format], spec.md §4.7
// "selected per-parameter".
func (p WriteParameters) CompactLayout() bool {
	v, _ := p[ParamOutputFileFormat].(string)
	return v == FormatCompact
}

// WriteRequest is the immutable message handed to the writer queue,
// spec.md §3 "Write-request".
type WriteRequest struct {
	DataAPIRequest map[string]interface{} `json:"data_api_request"`
	Parameters     WriteParameters        `json:"parameters"`
	Timestamp      float64                `json:"timestamp"` // unix seconds, matches original epoch-float wire shape
}

// ChannelEvent is one sample returned for a channel by the dispatching
// layer, spec.md §3 "Channel event".
type ChannelEvent struct {
	PulseID    int64     `json:"pulseId"`
	Value      interface{} `json:"value"`
	GlobalDate string    `json:"globalDate"`
	Shape      []int     `json:"shape,omitempty"`
}

// ChannelConfig is the per-channel type/shape metadata returned
// alongside events.
type ChannelConfig struct {
	Type  string `json:"type"`
	Shape []int  `json:"shape"`
}

// ChannelResponse is one element of the dispatching layer's response
// array.
type ChannelResponse struct {
	Channel ChannelBackend  `json:"channel"`
	Configs []ChannelConfig `json:"configs"`
	Data    []ChannelEvent  `json:"data"`
}

// ScanStepInfo describes one scan step's motor readbacks, spec.md §3
// "Scan manifest".
type ScanStepInfo struct {
	ScanName        string        `json:"scan_name"`
	ScanParameters  interface{}   `json:"scan_parameters,omitempty"`
	ScanReadbacks   interface{}   `json:"scan_readbacks,omitempty"`
	ScanValues      interface{}   `json:"scan_values,omitempty"`
	ScanReadbacksRaw interface{}  `json:"scan_readbacks_raw,omitempty"`
	StepInfo        interface{}   `json:"scan_step_info,omitempty"`
}

// ScanManifest is the append-only per-scan_name JSON document, spec.md
// §3 "Scan manifest".
type ScanManifest struct {
	ScanParameters   interface{}     `json:"scan_parameters,omitempty"`
	ScanFiles        [][]string      `json:"scan_files"`
	ScanReadbacks    []interface{}   `json:"scan_readbacks"`
	ScanValues       []interface{}   `json:"scan_values"`
	ScanStepInfo     []interface{}   `json:"scan_step_info"`
	ScanReadbacksRaw []interface{}   `json:"scan_readbacks_raw"`
	PulseIDs         [][2]int64      `json:"pulseIds"`
}
