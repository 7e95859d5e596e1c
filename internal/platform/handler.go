// Package platform binds framework tensors to primitive engine objects.
package platform

import (
	"github.com/23skdu/longbow-norm/internal/cache"
	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
)

// ForwardPrimitiveDesc is what the handler needs from a forward descriptor.
type ForwardPrimitiveDesc interface {
	SrcDesc() device.MemoryDesc
	DstDesc() device.MemoryDesc
	Primitive() (device.Primitive, error)
}

// BackwardPrimitiveDesc is what the handler needs from a backward descriptor.
type BackwardPrimitiveDesc interface {
	DiffDstDesc() device.MemoryDesc
	DiffSrcDesc() device.MemoryDesc
	Primitive() (device.Primitive, error)
}

// Memory cache keys.
const (
	KeySrc     = "@src_mem_p"
	KeyDst     = "@dst_mem_p"
	KeyDiffDst = "@diff_dst_mem_p"
	KeyDiffSrc = "@diff_src_mem_p"
)

// Handler creates primitive descriptors and memory objects for a single
// operator invocation. Nothing is shared across invocations.
type Handler[F ForwardPrimitiveDesc, B BackwardPrimitiveDesc] struct {
	engine device.Engine

	fwdPD  F
	bwdPD  B
	hasFwd bool
	hasBwd bool

	memories *cache.MapCache[*device.Memory]
}

func NewHandler[F ForwardPrimitiveDesc, B BackwardPrimitiveDesc](engine device.Engine) *Handler[F, B] {
	return &Handler[F, B]{
		engine:   engine,
		memories: cache.NewMapCache[*device.Memory](),
	}
}

func (h *Handler[F, B]) Engine() device.Engine {
	return h.engine
}

func (h *Handler[F, B]) SetForwardPrimitiveDescriptor(pd F) {
	h.fwdPD = pd
	h.hasFwd = true
}

func (h *Handler[F, B]) SetBackwardPrimitiveDescriptor(pd B) {
	h.bwdPD = pd
	h.hasBwd = true
}

// ForwardPrimitiveDescriptor returns the forward descriptor or a
// PreconditionNotMet error if none was acquired.
func (h *Handler[F, B]) ForwardPrimitiveDescriptor() (F, error) {
	if !h.hasFwd {
		var zero F
		return zero, framework.PreconditionNotMet("forward primitive descriptor has not been acquired")
	}
	return h.fwdPD, nil
}

func (h *Handler[F, B]) BackwardPrimitiveDescriptor() (B, error) {
	if !h.hasBwd {
		var zero B
		return zero, framework.PreconditionNotMet("backward primitive descriptor has not been acquired")
	}
	return h.bwdPD, nil
}

// AcquireMemoryFromPrimitive binds handle to md and records it under key.
// A nil handle allocates from the engine.
func (h *Handler[F, B]) AcquireMemoryFromPrimitive(key string, md device.MemoryDesc, handle []float32) (*device.Memory, error) {
	mem, err := device.NewMemory(h.engine, md, handle)
	if err != nil {
		return nil, framework.InvalidArgument("acquire %s: %v", key, err)
	}
	if old, ok := h.memories.Get(key); ok {
		old.Release()
	}
	h.memories.Put(key, mem)
	return mem, nil
}

func (h *Handler[F, B]) acquireInput(key string, md device.MemoryDesc, t *framework.DenseTensor) (*device.Memory, error) {
	if !t.IsInitialized() {
		return nil, framework.InvalidArgument("%s: input tensor holds no data", key)
	}
	if t.NumElements() != md.NumElements() {
		return nil, framework.InvalidArgument("%s: tensor has %d elements, primitive expects %s", key, t.NumElements(), md)
	}
	return h.AcquireMemoryFromPrimitive(key, md, t.Data())
}

func (h *Handler[F, B]) acquireOutput(key string, md device.MemoryDesc, t *framework.DenseTensor) (*device.Memory, error) {
	t.Resize(md.Dims)
	return h.AcquireMemoryFromPrimitive(key, md, t.MutableData(md.NumElements()))
}

// AcquireSrcMemory wraps x's data with the forward source descriptor.
func (h *Handler[F, B]) AcquireSrcMemory(x *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return h.acquireInput(KeySrc, pd.SrcDesc(), x)
}

// AcquireDstMemory allocates y's data with the forward destination descriptor.
func (h *Handler[F, B]) AcquireDstMemory(y *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return h.acquireOutput(KeyDst, pd.DstDesc(), y)
}

func (h *Handler[F, B]) AcquireDiffDstMemory(dy *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.BackwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return h.acquireInput(KeyDiffDst, pd.DiffDstDesc(), dy)
}

func (h *Handler[F, B]) AcquireDiffSrcMemory(dx *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.BackwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return h.acquireOutput(KeyDiffSrc, pd.DiffSrcDesc(), dx)
}

func (h *Handler[F, B]) AcquireForwardPrimitive() (device.Primitive, error) {
	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return pd.Primitive()
}

func (h *Handler[F, B]) AcquireBackwardPrimitive() (device.Primitive, error) {
	pd, err := h.BackwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return pd.Primitive()
}

// Memory returns a memory acquired under key.
func (h *Handler[F, B]) Memory(key string) (*device.Memory, bool) {
	return h.memories.Get(key)
}

// NumMemories returns how many memory objects the handler holds.
func (h *Handler[F, B]) NumMemories() int {
	return h.memories.Size()
}

// Release returns engine-allocated memories to the pool. Memories wrapping
// tensor data are untouched.
func (h *Handler[F, B]) Release() {
	h.memories.Range(func(_ string, m *device.Memory) bool {
		m.Release()
		return true
	})
}
