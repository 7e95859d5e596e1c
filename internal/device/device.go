package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedEngine is returned when an engine kind is not compiled in.
	ErrUnsupportedEngine = errors.New("device: unsupported engine")
	// ErrInvalidDesc is returned when a descriptor cannot describe the request.
	ErrInvalidDesc = errors.New("device: invalid descriptor")
	// ErrMissingArg is returned when a primitive is executed without a required argument.
	ErrMissingArg = errors.New("device: missing primitive argument")
)

// DataType is the element type of a memory object.
type DataType int

const (
	Float32 DataType = iota
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "f32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ElementSize returns the size of one element in bytes.
func (d DataType) ElementSize() int {
	return 4
}

// Format is the physical ordering of a memory object's dimensions.
type Format int

const (
	FormatAny Format = iota // let the primitive pick a plain format
	FormatX                 // 1-D
	FormatNC
	FormatNCW
	FormatNCHW
	FormatNCDHW
	FormatNWC
	FormatNHWC
	FormatNDHWC
)

var formatNames = map[Format]string{
	FormatAny:   "any",
	FormatX:     "x",
	FormatNC:    "nc",
	FormatNCW:   "ncw",
	FormatNCHW:  "nchw",
	FormatNCDHW: "ncdhw",
	FormatNWC:   "nwc",
	FormatNHWC:  "nhwc",
	FormatNDHWC: "ndhwc",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ChannelsLast reports whether the channel dimension is stored innermost.
func (f Format) ChannelsLast() bool {
	return f == FormatNWC || f == FormatNHWC || f == FormatNDHWC
}

// PlainFormat returns the plain format for a tensor of the given rank.
func PlainFormat(rank int, channelsLast bool) Format {
	switch rank {
	case 1:
		return FormatX
	case 2:
		return FormatNC
	case 3:
		if channelsLast {
			return FormatNWC
		}
		return FormatNCW
	case 4:
		if channelsLast {
			return FormatNHWC
		}
		return FormatNCHW
	case 5:
		if channelsLast {
			return FormatNDHWC
		}
		return FormatNCDHW
	}
	return FormatAny
}

// MemoryDesc describes the logical dimensions and layout of a memory object.
// Dims are always in logical (N, C, spatial...) order regardless of Format.
type MemoryDesc struct {
	Dims     []int64
	DataType DataType
	Format   Format
}

// NewMemoryDesc creates a descriptor, copying dims.
func NewMemoryDesc(dims []int64, dt DataType, f Format) MemoryDesc {
	d := make([]int64, len(dims))
	copy(d, dims)
	return MemoryDesc{Dims: d, DataType: dt, Format: f}
}

// Rank returns the number of dimensions.
func (m MemoryDesc) Rank() int {
	return len(m.Dims)
}

// NumElements returns the product of all dims (0 for an empty descriptor).
func (m MemoryDesc) NumElements() int {
	if len(m.Dims) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range m.Dims {
		n *= d
	}
	return int(n)
}

// Size returns the size in bytes.
func (m MemoryDesc) Size() int {
	return m.NumElements() * m.DataType.ElementSize()
}

// Channels returns the extent of the channel dimension.
func (m MemoryDesc) Channels() int {
	switch len(m.Dims) {
	case 0:
		return 0
	case 1:
		return int(m.Dims[0])
	default:
		return int(m.Dims[1])
	}
}

// Spatial returns the product of the dims after the channel dimension.
func (m MemoryDesc) Spatial() int {
	s := 1
	for i := 2; i < len(m.Dims); i++ {
		s *= int(m.Dims[i])
	}
	return s
}

// Equal reports whether two descriptors describe the same memory.
func (m MemoryDesc) Equal(o MemoryDesc) bool {
	if m.DataType != o.DataType || m.Format != o.Format || len(m.Dims) != len(o.Dims) {
		return false
	}
	for i := range m.Dims {
		if m.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

func (m MemoryDesc) String() string {
	parts := make([]string, len(m.Dims))
	for i, d := range m.Dims {
		parts[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s:%s:%s", m.DataType, m.Format, strings.Join(parts, "x"))
}

// Memory is a descriptor bound to a data handle.
type Memory struct {
	desc   MemoryDesc
	data   []float32
	engine Engine
	owned  bool
}

// NewMemory binds handle to desc. A nil handle allocates from the engine pool
// and the memory must be Released to return it.
func NewMemory(eng Engine, desc MemoryDesc, handle []float32) (*Memory, error) {
	n := desc.NumElements()
	if handle == nil {
		return &Memory{desc: desc, data: eng.Allocate(n), engine: eng, owned: true}, nil
	}
	if len(handle) < n {
		return nil, fmt.Errorf("%w: handle holds %d elements, %s needs %d", ErrInvalidDesc, len(handle), desc, n)
	}
	return &Memory{desc: desc, data: handle[:n], engine: eng}, nil
}

// Desc returns the memory descriptor.
func (m *Memory) Desc() MemoryDesc {
	return m.desc
}

// Data returns the data handle.
func (m *Memory) Data() []float32 {
	return m.data
}

// Release returns engine-allocated data to the pool. Wrapped handles are left alone.
func (m *Memory) Release() {
	if m.owned && m.data != nil {
		m.engine.Free(m.data)
	}
	m.data = nil
	m.owned = false
}

// Arg identifies a primitive execution argument.
type Arg int

const (
	ArgSrc Arg = iota
	ArgDst
	ArgScaleShift
	ArgMean
	ArgVariance
	ArgDiffDst
	ArgDiffSrc
	ArgDiffScaleShift
)

var argNames = []string{"src", "dst", "scale_shift", "mean", "variance", "diff_dst", "diff_src", "diff_scale_shift"}

func (a Arg) String() string {
	if int(a) >= 0 && int(a) < len(argNames) {
		return argNames[a]
	}
	return fmt.Sprintf("arg(%d)", int(a))
}

// PropKind selects the propagation a primitive performs.
type PropKind int

const (
	ForwardTraining PropKind = iota
	ForwardScoring
	Backward
)

func (p PropKind) String() string {
	switch p {
	case ForwardTraining:
		return "forward_training"
	case ForwardScoring:
		return "forward_scoring"
	case Backward:
		return "backward"
	}
	return fmt.Sprintf("prop_kind(%d)", int(p))
}

// NormalizationFlags configure a normalization primitive. Flags are combined with |.
type NormalizationFlags uint32

const (
	UseScaleShift  NormalizationFlags = 1 << iota // 001
	UseGlobalStats                                // 010
	FuseNormReLU                                  // 100
)

// Has reports whether all bits of f are set.
func (n NormalizationFlags) Has(f NormalizationFlags) bool {
	return n&f == f
}

func (n NormalizationFlags) String() string {
	if n == 0 {
		return "none"
	}
	var parts []string
	if n.Has(UseScaleShift) {
		parts = append(parts, "use_scale_shift")
	}
	if n.Has(UseGlobalStats) {
		parts = append(parts, "use_global_stats")
	}
	if n.Has(FuseNormReLU) {
		parts = append(parts, "fuse_norm_relu")
	}
	return strings.Join(parts, "|")
}

// Primitive is a compiled operation that can be executed on a stream.
type Primitive interface {
	Execute(s *Stream, args map[Arg]*Memory) error
}
