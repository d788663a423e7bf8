package types

import (
	"testing"
)

func TestFrameDescriptor_ByteSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		desc FrameDescriptor
		want int
	}{
		{
			name: "256x256 uint16",
			desc: FrameDescriptor{Rank: 2, Dims: [3]int{256, 256}, DataType: DataTypeUInt16},
			want: 256 * 256 * 2,
		},
		{
			name: "1d uint8",
			desc: FrameDescriptor{Rank: 1, Dims: [3]int{1024}, DataType: DataTypeUInt8},
			want: 1024,
		},
		{
			name: "3d float32",
			desc: FrameDescriptor{Rank: 3, Dims: [3]int{64, 64, 3}, DataType: DataTypeFloat32, Layout: LayoutRGB},
			want: 64 * 64 * 3 * 4,
		},
		{
			name: "zero rank",
			desc: FrameDescriptor{Rank: 0, DataType: DataTypeUInt16},
			want: 0,
		},
		{
			name: "negative dim",
			desc: FrameDescriptor{Rank: 2, Dims: [3]int{256, -1}, DataType: DataTypeUInt16},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.ByteSize(); got != tt.want {
				t.Errorf("ByteSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFrameDescriptor_Equal(t *testing.T) {
	t.Parallel()

	base := FrameDescriptor{Rank: 2, Dims: [3]int{256, 256}, DataType: DataTypeUInt16, Layout: LayoutMono}

	tests := []struct {
		name  string
		other FrameDescriptor
		want  bool
	}{
		{"identical", FrameDescriptor{Rank: 2, Dims: [3]int{256, 256}, DataType: DataTypeUInt16, Layout: LayoutMono}, true},
		{"different extent", FrameDescriptor{Rank: 2, Dims: [3]int{256, 512}, DataType: DataTypeUInt16, Layout: LayoutMono}, false},
		{"different rank", FrameDescriptor{Rank: 1, Dims: [3]int{256}, DataType: DataTypeUInt16, Layout: LayoutMono}, false},
		{"different data type", FrameDescriptor{Rank: 2, Dims: [3]int{256, 256}, DataType: DataTypeUInt32, Layout: LayoutMono}, false},
		{"different layout", FrameDescriptor{Rank: 2, Dims: [3]int{256, 256}, DataType: DataTypeUInt16, Layout: LayoutRGB}, false},
		{
			// Unused trailing extents differ; only the active rank counts.
			"ignores dims beyond rank",
			FrameDescriptor{Rank: 2, Dims: [3]int{256, 256, 99}, DataType: DataTypeUInt16, Layout: LayoutMono},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Equal(tt.other); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameDescriptor_Validate(t *testing.T) {
	t.Parallel()

	valid := FrameDescriptor{Rank: 2, Dims: [3]int{512, 512}, DataType: DataTypeUInt16}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid descriptor rejected: %v", err)
	}

	invalid := []FrameDescriptor{
		{Rank: 0, Dims: [3]int{512}, DataType: DataTypeUInt16},
		{Rank: 4, Dims: [3]int{512, 512, 512}, DataType: DataTypeUInt16},
		{Rank: 2, Dims: [3]int{512, 0}, DataType: DataTypeUInt16},
		{Rank: 2, Dims: [3]int{512, 512}, DataType: DataType(200)},
		{Rank: 2, Dims: [3]int{512, 512}, DataType: DataTypeUInt16, Layout: Layout(9)},
	}
	for i, desc := range invalid {
		if err := desc.Validate(); err == nil {
			t.Errorf("invalid descriptor %d accepted: %+v", i, desc)
		}
	}
}

func TestFrame_Clone(t *testing.T) {
	t.Parallel()

	original := &Frame{
		Descriptor:  FrameDescriptor{Rank: 1, Dims: [3]int{4}, DataType: DataTypeUInt8},
		Data:        []byte{1, 2, 3, 4},
		FrameNumber: 7,
	}

	clone := original.Clone()
	if clone.FrameNumber != 7 || !clone.Descriptor.Equal(original.Descriptor) {
		t.Error("clone lost metadata")
	}

	original.Data[0] = 99
	if clone.Data[0] == 99 {
		t.Error("clone shares storage with the original")
	}
}

func TestParamValueFromJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   interface{}
		want    ParamValue
		wantErr bool
	}{
		{"number", float64(42.5), FloatValue(42.5), false},
		{"bool", true, BoolValue(true), false},
		{"string", "continuous", StringValue("continuous"), false},
		{"unsupported", []interface{}{1, 2}, ParamValue{}, true},
		{"nil", nil, ParamValue{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParamValueFromJSON(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParamValue_Equal(t *testing.T) {
	t.Parallel()

	if !FloatValue(1.5).Equal(FloatValue(1.5)) {
		t.Error("equal floats should compare equal")
	}
	if FloatValue(1.5).Equal(FloatValue(2.5)) {
		t.Error("different floats should not compare equal")
	}
	if FloatValue(1).Equal(IntValue(1)) {
		t.Error("different kinds should not compare equal")
	}
	if !StringValue("tdi").Equal(StringValue("tdi")) {
		t.Error("equal strings should compare equal")
	}
}

func TestAcquisitionState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state AcquisitionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateArming, "arming"},
		{StateAcquiring, "acquiring"},
		{StateFrameReady, "frame_ready"},
		{StateError, "error"},
		{StateStopped, "stopped"},
		{AcquisitionState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDataType_Size(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dt   DataType
		want int
	}{
		{DataTypeInt8, 1},
		{DataTypeUInt8, 1},
		{DataTypeInt16, 2},
		{DataTypeUInt16, 2},
		{DataTypeInt32, 4},
		{DataTypeUInt32, 4},
		{DataTypeFloat32, 4},
		{DataTypeFloat64, 8},
		{DataType(99), 0},
	}

	for _, tt := range tests {
		if got := tt.dt.Size(); got != tt.want {
			t.Errorf("DataType(%d).Size() = %d, want %d", tt.dt, got, tt.want)
		}
	}
}
