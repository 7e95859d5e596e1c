package framework

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-norm/internal/device"
)

// DataLayout is the framework-side layout tag of a tensor.
type DataLayout int

const (
	LayoutNCHW DataLayout = iota
	LayoutNHWC
	LayoutAny
	LayoutONEDNN // layout is carried by the tensor's memory descriptor
)

var layoutNames = []string{"NCHW", "NHWC", "AnyLayout", "ONEDNN"}

func (l DataLayout) String() string {
	if int(l) >= 0 && int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("DataLayout(%d)", int(l))
}

// ParseDataLayout accepts the attribute spellings used by operators.
func ParseDataLayout(s string) (DataLayout, error) {
	switch strings.ToUpper(strings.TrimPrefix(s, "k")) {
	case "NCHW", "NCDHW", "NCW", "NC", "":
		return LayoutNCHW, nil
	case "NHWC", "NDHWC", "NWC":
		return LayoutNHWC, nil
	case "ANYLAYOUT", "ANY":
		return LayoutAny, nil
	case "ONEDNN", "MKLDNN":
		return LayoutONEDNN, nil
	}
	return LayoutAny, InvalidArgument("unknown data layout %q", s)
}

// DenseTensor is a host tensor: logical dims, float32 data and a layout.
// Dims are logical (N, C, spatial...) for every layout.
type DenseTensor struct {
	dims    []int64
	data    []float32
	layout  DataLayout
	memDesc *device.MemoryDesc
}

// NewDenseTensor creates a tensor. data may be nil for an unallocated output.
func NewDenseTensor(dims []int64, data []float32) (*DenseTensor, error) {
	t := &DenseTensor{layout: LayoutNCHW}
	t.Resize(dims)
	if data != nil && len(data) != t.NumElements() {
		return nil, InvalidArgument("tensor of dims %v requires %d elements, but got %d", dims, t.NumElements(), len(data))
	}
	t.data = data
	return t, nil
}

// NewEmptyTensor creates an output placeholder with no dims and no data.
func NewEmptyTensor() *DenseTensor {
	return &DenseTensor{layout: LayoutNCHW}
}

// Dims returns a copy of the logical dims.
func (t *DenseTensor) Dims() []int64 {
	out := make([]int64, len(t.dims))
	copy(out, t.dims)
	return out
}

func (t *DenseTensor) Rank() int {
	return len(t.dims)
}

// NumElements returns the product of dims, 0 for a tensor without dims.
func (t *DenseTensor) NumElements() int {
	if len(t.dims) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.dims {
		n *= d
	}
	return int(n)
}

// Resize sets new dims. Data is kept if it is large enough.
func (t *DenseTensor) Resize(dims []int64) {
	t.dims = make([]int64, len(dims))
	copy(t.dims, dims)
	if t.memDesc != nil && t.memDesc.NumElements() != t.NumElements() {
		t.memDesc = nil
	}
}

// Data returns the data, nil if the tensor has not been allocated.
func (t *DenseTensor) Data() []float32 {
	return t.data
}

// IsInitialized reports whether the tensor holds data.
func (t *DenseTensor) IsInitialized() bool {
	return t.data != nil
}

// MutableData returns at least n elements, growing the buffer if needed.
// When the tensor has no dims yet it becomes a 1-D tensor of n elements.
func (t *DenseTensor) MutableData(n int) []float32 {
	if len(t.dims) == 0 {
		t.dims = []int64{int64(n)}
	}
	if cap(t.data) < n {
		grown := make([]float32, n)
		copy(grown, t.data)
		t.data = grown
	} else if len(t.data) < n {
		t.data = t.data[:n]
	}
	return t.data
}

func (t *DenseTensor) Layout() DataLayout {
	return t.layout
}

func (t *DenseTensor) SetLayout(l DataLayout) {
	t.layout = l
}

// MemDesc returns the explicit memory descriptor, or one derived from the
// layout tag when none has been set.
func (t *DenseTensor) MemDesc() device.MemoryDesc {
	if t.memDesc != nil {
		return *t.memDesc
	}
	format := device.FormatAny
	switch t.layout {
	case LayoutNCHW:
		format = device.PlainFormat(len(t.dims), false)
	case LayoutNHWC:
		format = device.PlainFormat(len(t.dims), true)
	}
	return device.NewMemoryDesc(t.dims, device.Float32, format)
}

// SetMemDesc attaches a primitive memory descriptor. The tensor takes the
// descriptor's dims and switches to the ONEDNN layout.
func (t *DenseTensor) SetMemDesc(md device.MemoryDesc) {
	d := device.NewMemoryDesc(md.Dims, md.DataType, md.Format)
	t.memDesc = &d
	t.dims = d.Dims
	t.layout = LayoutONEDNN
}

func (t *DenseTensor) String() string {
	return fmt.Sprintf("DenseTensor(dims=%v, layout=%s, initialized=%t)", t.dims, t.layout, t.IsInitialized())
}
