// Package container converts sparse, heterogeneous per-channel event
// streams into the two on-disk layouts spec.md §4.7 describes:
// "extended" (zero-filled, presence-masked, indexed by the union of
// observed pulse ids) and "compact" (one row per present event).
//
// It deliberately separates the alignment arithmetic (testable without
// any file I/O) from the actual container format (internal/container's
// FileWriter interface), since no HDF5 binding ships in this corpus —
// see DESIGN.md's "Container Writer" entry for the required
// justification.
package container

import (
	"sort"

	"github.com/psi/sf-daq-broker/internal/model"
)

// DType is the resolved on-disk numeric type for a channel, spec.md
// §4.7 "Type mapping".
type DType int

const (
	Float64 DType = iota
	Float32
	Int64
	Int32
	UInt16
	UInt8
	StringType
)

// deserializerMapping mirrors bsread's channel_type_deserializer_mapping
// fixed table, spec.md §4.7 "Type mapping".
var deserializerMapping = map[string]DType{
	"float64": Float64,
	"float32": Float32,
	"int64":   Int64,
	"int32":   Int32,
	"uint16":  UInt16,
	"uint8":   UInt8,
	"string":  StringType,
}

// ResolveType maps a bsread config type name to the target dtype,
// defaulting to Float64 for unknown types the way the original
// deserializer table defaults missing entries.
func ResolveType(typeName string) DType {
	if dt, ok := deserializerMapping[typeName]; ok {
		return dt
	}
	return Float64
}

// ReverseShape reverses a bsread-declared array shape, spec.md §4.7
// "multi-dimensional shapes are stored in reversed axis order".
func ReverseShape(shape []int) []int {
	out := make([]int, len(shape))
	for i, v := range shape {
		out[len(shape)-1-i] = v
	}
	return out
}

// ChannelExtended is the aligned, presence-annotated representation of
// one channel's events over the union pulse-id axis U, spec.md §4.7
// "Extended layout".
type ChannelExtended struct {
	Name          string
	DType         DType
	Shape         []int // per-event shape, reversed
	PulseID       []int64
	IsDataPresent []bool
	GlobalDate    []string
	Data          []interface{} // len(U); zero value where absent
}

// ChannelCompact is the one-row-per-event representation, spec.md
// §4.7 "Compact layout".
type ChannelCompact struct {
	Name          string
	DType         DType
	Shape         []int
	PulseID       []int64
	IsDataPresent []byte // all ones, length N
	GlobalDate    []string
	Data          []interface{}
}

// UnionPulseIDs returns the sorted union of pulse ids across all
// channel responses, spec.md §4.7 "let U = sorted union of all
// pulseIds across all returned channels".
func UnionPulseIDs(channels []model.ChannelResponse) []int64 {
	set := make(map[int64]struct{})
	for _, ch := range channels {
		for _, ev := range ch.Data {
			set[ev.PulseID] = struct{}{}
		}
	}
	union := make([]int64, 0, len(set))
	for p := range set {
		union = append(union, p)
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	return union
}

// BuildExtended aligns one channel's events onto the union pulse-id
// axis, zero-filling absent entries.
func BuildExtended(ch model.ChannelResponse, union []int64) ChannelExtended {
	index := make(map[int64]int, len(union))
	for i, p := range union {
		index[p] = i
	}

	shape, dtype := channelTypeAndShape(ch)

	out := ChannelExtended{
		Name:          ch.Channel.Name,
		DType:         dtype,
		Shape:         shape,
		PulseID:       append([]int64(nil), union...),
		IsDataPresent: make([]bool, len(union)),
		GlobalDate:    make([]string, len(union)),
		Data:          make([]interface{}, len(union)),
	}

	for _, ev := range ch.Data {
		i, ok := index[ev.PulseID]
		if !ok {
			continue
		}
		out.Data[i] = reshapeValue(ev.Value, ev.Shape)
		out.IsDataPresent[i] = true
		out.GlobalDate[i] = ev.GlobalDate
	}
	return out
}

// BuildCompact packs one channel's events contiguously, one row per
// received event, with no zero-fill.
func BuildCompact(ch model.ChannelResponse) ChannelCompact {
	shape, dtype := channelTypeAndShape(ch)

	n := len(ch.Data)
	out := ChannelCompact{
		Name:          ch.Channel.Name,
		DType:         dtype,
		Shape:         shape,
		PulseID:       make([]int64, n),
		IsDataPresent: make([]byte, n),
		GlobalDate:    make([]string, n),
		Data:          make([]interface{}, n),
	}
	for i, ev := range ch.Data {
		out.PulseID[i] = ev.PulseID
		out.IsDataPresent[i] = 1
		out.GlobalDate[i] = ev.GlobalDate
		out.Data[i] = reshapeValue(ev.Value, ev.Shape)
	}
	return out
}

func channelTypeAndShape(ch model.ChannelResponse) (shape []int, dtype DType) {
	typeName := "float64"
	if len(ch.Configs) > 0 {
		if ch.Configs[0].Type != "" {
			typeName = ch.Configs[0].Type
		}
		shape = ReverseShape(ch.Configs[0].Shape)
	}
	return shape, ResolveType(typeName)
}

func reshapeValue(value interface{}, shape []int) interface{} {
	// A scalar or already-flat value needs no reshaping; multi-dim
	// array values are stored reversed relative to the bsread
	// declaration, but the element ordering itself is unchanged — only
	// the declared axis order differs, which is captured by Shape.
	return value
}
