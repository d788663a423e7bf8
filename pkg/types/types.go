package types

import (
	"fmt"
	"time"
)

// DataType identifies the element type of one pixel sample.
type DataType uint8

const (
	DataTypeInt8 DataType = iota
	DataTypeUInt8
	DataTypeInt16
	DataTypeUInt16
	DataTypeInt32
	DataTypeUInt32
	DataTypeFloat32
	DataTypeFloat64
)

// Size returns the element size in bytes, or 0 for an unknown tag.
func (d DataType) Size() int {
	switch d {
	case DataTypeInt8, DataTypeUInt8:
		return 1
	case DataTypeInt16, DataTypeUInt16:
		return 2
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat32:
		return 4
	case DataTypeFloat64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a known data type tag.
func (d DataType) Valid() bool {
	return d.Size() != 0
}

// String returns a human-readable representation of the data type.
func (d DataType) String() string {
	switch d {
	case DataTypeInt8:
		return "int8"
	case DataTypeUInt8:
		return "uint8"
	case DataTypeInt16:
		return "int16"
	case DataTypeUInt16:
		return "uint16"
	case DataTypeInt32:
		return "int32"
	case DataTypeUInt32:
		return "uint32"
	case DataTypeFloat32:
		return "float32"
	case DataTypeFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Layout identifies the color/layout interpretation of a frame.
type Layout uint8

const (
	LayoutMono Layout = iota
	LayoutRGB
)

// Valid reports whether l is a known layout tag.
func (l Layout) Valid() bool {
	return l == LayoutMono || l == LayoutRGB
}

// String returns a human-readable representation of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutMono:
		return "mono"
	case LayoutRGB:
		return "rgb"
	default:
		return "unknown"
	}
}

// MaxRank is the highest frame dimensionality the driver handles.
const MaxRank = 3

// FrameDescriptor carries the geometry and element type of one frame.
// A frame buffer is valid only while its descriptor matches the memory
// it addresses.
type FrameDescriptor struct {
	Rank     int      `json:"rank"`
	Dims     [3]int   `json:"dims"`
	DataType DataType `json:"data_type"`
	Layout   Layout   `json:"layout"`
}

// Elements returns the total pixel count across the active dimensions.
func (d FrameDescriptor) Elements() int {
	if d.Rank < 1 || d.Rank > MaxRank {
		return 0
	}
	n := 1
	for i := 0; i < d.Rank; i++ {
		if d.Dims[i] <= 0 {
			return 0
		}
		n *= d.Dims[i]
	}
	return n
}

// ByteSize returns the storage required for the descriptor's geometry.
func (d FrameDescriptor) ByteSize() int {
	return d.Elements() * d.DataType.Size()
}

// Equal compares two descriptors field by field, every extent included.
func (d FrameDescriptor) Equal(other FrameDescriptor) bool {
	if d.Rank != other.Rank || d.DataType != other.DataType || d.Layout != other.Layout {
		return false
	}
	for i := 0; i < d.Rank; i++ {
		if d.Dims[i] != other.Dims[i] {
			return false
		}
	}
	return true
}

// Validate checks the descriptor for a usable geometry.
func (d FrameDescriptor) Validate() error {
	if d.Rank < 1 || d.Rank > MaxRank {
		return fmt.Errorf("rank %d outside [1,%d]", d.Rank, MaxRank)
	}
	for i := 0; i < d.Rank; i++ {
		if d.Dims[i] <= 0 {
			return fmt.Errorf("dim[%d] = %d, must be positive", i, d.Dims[i])
		}
	}
	if !d.DataType.Valid() {
		return fmt.Errorf("unknown data type tag %d", d.DataType)
	}
	if !d.Layout.Valid() {
		return fmt.Errorf("unknown layout tag %d", d.Layout)
	}
	return nil
}

// String returns a compact geometry description, e.g. "256x256 uint16 mono".
func (d FrameDescriptor) String() string {
	dims := ""
	for i := 0; i < d.Rank; i++ {
		if i > 0 {
			dims += "x"
		}
		dims += fmt.Sprintf("%d", d.Dims[i])
	}
	return fmt.Sprintf("%s %s %s", dims, d.DataType, d.Layout)
}

// Frame is one decoded image: pixel storage plus its descriptor and
// per-frame identity. The storage is owned by the frame buffer cache and
// may be reused after the sink call that received it returns.
type Frame struct {
	Descriptor  FrameDescriptor `json:"descriptor"`
	Data        []byte          `json:"-"`
	FrameNumber uint64          `json:"frame_number"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Clone returns a deep copy whose Data is independently owned. Sinks that
// hand frames to another goroutine must clone first.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Descriptor:  f.Descriptor,
		Data:        data,
		FrameNumber: f.FrameNumber,
		Timestamp:   f.Timestamp,
	}
}

// ParamKind tags the runtime type of a mirrored parameter value.
type ParamKind uint8

const (
	KindFloat ParamKind = iota
	KindInt
	KindBool
	KindString
)

// String returns a human-readable representation of the kind.
func (k ParamKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParamValue is one typed parameter value as mirrored from the device.
// Exactly one of the value fields is meaningful, selected by Kind.
type ParamValue struct {
	Kind  ParamKind `json:"kind"`
	Float float64   `json:"float,omitempty"`
	Int   int64     `json:"int,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
	Text  string    `json:"text,omitempty"`
}

// FloatValue builds a float-kinded value.
func FloatValue(v float64) ParamValue { return ParamValue{Kind: KindFloat, Float: v} }

// IntValue builds an int-kinded value.
func IntValue(v int64) ParamValue { return ParamValue{Kind: KindInt, Int: v} }

// BoolValue builds a bool-kinded value.
func BoolValue(v bool) ParamValue { return ParamValue{Kind: KindBool, Bool: v} }

// StringValue builds a string-kinded value.
func StringValue(v string) ParamValue { return ParamValue{Kind: KindString, Text: v} }

// ParamValueFromJSON converts a decoded JSON value (float64, bool, or
// string) into a typed ParamValue. JSON numbers always map to KindFloat.
func ParamValueFromJSON(v interface{}) (ParamValue, error) {
	switch val := v.(type) {
	case float64:
		return FloatValue(val), nil
	case bool:
		return BoolValue(val), nil
	case string:
		return StringValue(val), nil
	default:
		return ParamValue{}, fmt.Errorf("unsupported JSON value type %T", v)
	}
}

// Interface returns the active value as an untyped interface, suitable
// for JSON encoding of device parameter writes.
func (p ParamValue) Interface() interface{} {
	switch p.Kind {
	case KindFloat:
		return p.Float
	case KindInt:
		return p.Int
	case KindBool:
		return p.Bool
	case KindString:
		return p.Text
	default:
		return nil
	}
}

// Equal compares kind and active value.
func (p ParamValue) Equal(other ParamValue) bool {
	if p.Kind != other.Kind {
		return false
	}
	switch p.Kind {
	case KindFloat:
		return p.Float == other.Float
	case KindInt:
		return p.Int == other.Int
	case KindBool:
		return p.Bool == other.Bool
	case KindString:
		return p.Text == other.Text
	default:
		return false
	}
}

// String returns the active value rendered as text.
func (p ParamValue) String() string {
	switch p.Kind {
	case KindFloat:
		return fmt.Sprintf("%g", p.Float)
	case KindInt:
		return fmt.Sprintf("%d", p.Int)
	case KindBool:
		return fmt.Sprintf("%t", p.Bool)
	case KindString:
		return p.Text
	default:
		return ""
	}
}

// AcquisitionState is the poller's local measurement state.
type AcquisitionState int

const (
	StateIdle AcquisitionState = iota
	StateArming
	StateAcquiring
	StateFrameReady
	StateError
	StateStopped
)

// String returns a human-readable representation of the acquisition state.
func (s AcquisitionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArming:
		return "arming"
	case StateAcquiring:
		return "acquiring"
	case StateFrameReady:
		return "frame_ready"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
