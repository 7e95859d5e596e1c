package batchnorm

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/platform"
)

// Memory cache keys specific to batch normalization.
const (
	keyScaleShift     = "@scaleshift_mem_p"
	keyDiffScaleShift = "@diff_scaleshift_mem_p"
	keyMean           = "@mean_mem_p"
	keyVariance       = "@variance_mem_p"
)

type basePD = platform.Handler[*device.BatchNormForwardPrimitiveDesc, *device.BatchNormBackwardPrimitiveDesc]

// Handler creates the batch normalization descriptors and memories of one
// kernel invocation.
type Handler struct {
	*basePD
}

// NewForwardHandler builds the forward descriptor for x.
func NewForwardHandler(ctx *framework.ExecutionContext, engine device.Engine, x *framework.DenseTensor, globalStats, testMode bool) (*Handler, error) {
	attrs, err := ParseAttrs(ctx)
	if err != nil {
		return nil, err
	}

	flags := Flags(globalStats, testMode, attrs.FuseWithReLU)
	prop := PropKind(globalStats)

	pd, err := device.NewBatchNormForwardPrimitiveDesc(engine, prop, x.MemDesc(), attrs.Epsilon, flags)
	if err != nil {
		return nil, framework.InvalidArgument("batch_norm: %v", err)
	}
	log.Debug().
		Str("prop_kind", prop.String()).
		Str("flags", flags.String()).
		Str("src", pd.SrcDesc().String()).
		Float32("epsilon", attrs.Epsilon).
		Msg("batch_norm forward descriptor")

	h := &Handler{basePD: platform.NewHandler[*device.BatchNormForwardPrimitiveDesc, *device.BatchNormBackwardPrimitiveDesc](engine)}
	h.SetForwardPrimitiveDescriptor(pd)
	return h, nil
}

// NewBackwardHandler builds the training forward descriptor and the backward
// descriptor for x and dy.
func NewBackwardHandler(ctx *framework.ExecutionContext, engine device.Engine, x, scale, dy *framework.DenseTensor) (*Handler, error) {
	if err := checkScaleRank(scale); err != nil {
		return nil, err
	}
	attrs, err := ParseAttrs(ctx)
	if err != nil {
		return nil, err
	}

	fwd, err := device.NewBatchNormForwardPrimitiveDesc(engine, device.ForwardTraining, x.MemDesc(), attrs.Epsilon, device.UseScaleShift)
	if err != nil {
		return nil, framework.InvalidArgument("batch_norm_grad: %v", err)
	}
	bwd, err := device.NewBatchNormBackwardPrimitiveDesc(engine, device.Backward, dy.MemDesc(), x.MemDesc(), attrs.Epsilon, device.UseScaleShift, fwd)
	if err != nil {
		return nil, framework.InvalidArgument("batch_norm_grad: %v", err)
	}
	log.Debug().
		Str("src", fwd.SrcDesc().String()).
		Str("diff_dst", bwd.DiffDstDesc().String()).
		Float32("epsilon", attrs.Epsilon).
		Msg("batch_norm backward descriptor")

	h := &Handler{basePD: platform.NewHandler[*device.BatchNormForwardPrimitiveDesc, *device.BatchNormBackwardPrimitiveDesc](engine)}
	h.SetForwardPrimitiveDescriptor(fwd)
	h.SetBackwardPrimitiveDescriptor(bwd)
	return h, nil
}

func checkScaleRank(scale *framework.DenseTensor) error {
	if scale.Rank() != 1 {
		return framework.InvalidArgument("Dims of scale tensor must be 1, but received scale's size is %d", scale.Rank())
	}
	return nil
}

// AcquireScaleShiftMemory packs scale and shift into the single {2, C}
// weights buffer the primitive takes: C scales followed by C shifts.
func (h *Handler) AcquireScaleShiftMemory(scale, shift *framework.DenseTensor) (*device.Memory, error) {
	if err := checkScaleRank(scale); err != nil {
		return nil, err
	}
	c := int(scale.Dims()[0])

	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	wd := pd.WeightsDesc()
	if int(wd.Dims[1]) != c {
		return nil, framework.InvalidArgument("scale has %d channels, input has %d", c, wd.Dims[1])
	}
	if len(scale.Data()) < c || len(shift.Data()) < c {
		return nil, framework.InvalidArgument("scale and bias must hold %d values, got %d and %d", c, len(scale.Data()), len(shift.Data()))
	}

	mem, err := h.AcquireMemoryFromPrimitive(keyScaleShift, wd, nil)
	if err != nil {
		return nil, err
	}
	data := mem.Data()
	copy(data[:c], scale.Data()[:c])
	copy(data[c:2*c], shift.Data()[:c])
	return mem, nil
}

// AcquireDiffScaleShiftMemory wraps buf, which must hold 2*C values.
func (h *Handler) AcquireDiffScaleShiftMemory(buf []float32) (*device.Memory, error) {
	pd, err := h.BackwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	return h.AcquireMemoryFromPrimitive(keyDiffScaleShift, pd.DiffWeightsDesc(), buf)
}

// AcquireMeanMemory wraps a mean the primitive reads.
func (h *Handler) AcquireMeanMemory(mean *framework.DenseTensor) (*device.Memory, error) {
	return h.acquireStatInput(keyMean, mean)
}

// AcquireMeanOutputMemory allocates C values in mean for the primitive to write.
func (h *Handler) AcquireMeanOutputMemory(mean *framework.DenseTensor) (*device.Memory, error) {
	return h.acquireStatOutput(keyMean, mean)
}

func (h *Handler) AcquireVarianceMemory(variance *framework.DenseTensor) (*device.Memory, error) {
	return h.acquireStatInput(keyVariance, variance)
}

func (h *Handler) AcquireVarianceOutputMemory(variance *framework.DenseTensor) (*device.Memory, error) {
	return h.acquireStatOutput(keyVariance, variance)
}

func (h *Handler) acquireStatInput(key string, t *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	md := pd.MeanDesc()
	if len(t.Data()) < md.NumElements() {
		return nil, framework.InvalidArgument("%s: expected %d values, got %d", key, md.NumElements(), len(t.Data()))
	}
	return h.AcquireMemoryFromPrimitive(key, md, t.Data())
}

func (h *Handler) acquireStatOutput(key string, t *framework.DenseTensor) (*device.Memory, error) {
	pd, err := h.ForwardPrimitiveDescriptor()
	if err != nil {
		return nil, err
	}
	md := pd.MeanDesc()
	t.Resize(md.Dims)
	return h.AcquireMemoryFromPrimitive(key, md, t.MutableData(md.NumElements()))
}
