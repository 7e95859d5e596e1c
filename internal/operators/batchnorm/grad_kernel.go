package batchnorm

import (
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
)

// GradKernel is the batch_norm_grad kernel.
type GradKernel struct{}

// Compute produces X@GRAD, Scale@GRAD and Bias@GRAD from Y@GRAD and the
// statistics saved by the forward pass.
func (GradKernel) Compute(ctx *framework.ExecutionContext) (err error) {
	_, span := tracer.Start(ctx.Context(), OpBatchNormGrad)
	defer span.End()
	start := time.Now()
	defer func() {
		kernelDuration.WithLabelValues(OpBatchNormGrad).Observe(time.Since(start).Seconds())
		if err != nil {
			kernelErrors.WithLabelValues(OpBatchNormGrad).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	attrs, err := ParseAttrs(ctx)
	if err != nil {
		return err
	}

	x, err := ctx.Input(InputX)
	if err != nil {
		return err
	}
	scale, err := ctx.Input(InputScale)
	if err != nil {
		return err
	}
	shift, err := ctx.Input(InputBias)
	if err != nil {
		return err
	}
	batchMean, err := ctx.Input(OutputSavedMean)
	if err != nil {
		return err
	}
	batchVariance, err := ctx.Input(OutputSavedVariance)
	if err != nil {
		return err
	}
	diffY, err := ctx.Input(framework.GradVarName(OutputY))
	if err != nil {
		return err
	}
	diffX, err := ctx.Output(framework.GradVarName(InputX))
	if err != nil {
		return err
	}
	diffScale, err := ctx.Output(framework.GradVarName(InputScale))
	if err != nil {
		return err
	}
	diffShift, err := ctx.Output(framework.GradVarName(InputBias))
	if err != nil {
		return err
	}
	applyLayout(x, attrs.Layout)
	applyLayout(diffY, attrs.Layout)
	span.SetAttributes(
		attribute.String("layout", attrs.Layout.String()),
		attribute.Int64Slice("dims", x.Dims()),
	)

	engine := ctx.DeviceContext().Engine()
	h, err := NewBackwardHandler(ctx, engine, x, scale, diffY)
	if err != nil {
		return err
	}
	defer h.Release()

	srcMem, err := h.AcquireSrcMemory(x)
	if err != nil {
		return err
	}
	meanMem, err := h.AcquireMeanMemory(batchMean)
	if err != nil {
		return err
	}
	varianceMem, err := h.AcquireVarianceMemory(batchVariance)
	if err != nil {
		return err
	}
	diffDstMem, err := h.AcquireDiffDstMemory(diffY)
	if err != nil {
		return err
	}
	scaleShiftMem, err := h.AcquireScaleShiftMemory(scale, shift)
	if err != nil {
		return err
	}
	// Scale matches the channels of X once packed, so C comes from the descriptor.
	c := scaleShiftMem.Desc().Channels()
	diffScaleShift := make([]float32, scaleShiftMem.Desc().NumElements())
	diffScaleShiftMem, err := h.AcquireDiffScaleShiftMemory(diffScaleShift)
	if err != nil {
		return err
	}
	diffSrcMem, err := h.AcquireDiffSrcMemory(diffX)
	if err != nil {
		return err
	}
	prim, err := h.AcquireBackwardPrimitive()
	if err != nil {
		return err
	}

	stream := ctx.DeviceContext().Stream()
	err = prim.Execute(stream, map[device.Arg]*device.Memory{
		device.ArgSrc:            srcMem,
		device.ArgMean:           meanMem,
		device.ArgVariance:       varianceMem,
		device.ArgDiffDst:        diffDstMem,
		device.ArgScaleShift:     scaleShiftMem,
		device.ArgDiffSrc:        diffSrcMem,
		device.ArgDiffScaleShift: diffScaleShiftMem,
	})
	if err != nil {
		return framework.InvalidArgument("batch_norm_grad: %v", err)
	}
	if err := stream.Wait(); err != nil {
		return err
	}

	// Split the packed {2, C} gradient into scale and shift halves.
	diffScale.Resize([]int64{int64(c)})
	copy(diffScale.MutableData(c), diffScaleShift[:c])
	diffShift.Resize([]int64{int64(c)})
	copy(diffShift.MutableData(c), diffScaleShift[c:2*c])

	diffX.SetMemDesc(diffSrcMem.Desc())

	kernelInvocations.WithLabelValues(OpBatchNormGrad, "training").Inc()
	kernelElements.WithLabelValues(OpBatchNormGrad).Add(float64(x.NumElements()))
	log.Debug().
		Int("channels", c).
		Str("diff_src", diffSrcMem.Desc().String()).
		Dur("elapsed", time.Since(start)).
		Msg("batch_norm_grad computed")
	return nil
}

var kernels = map[string]Kernel{
	OpBatchNorm:     ForwardKernel{},
	OpBatchNormGrad: GradKernel{},
}

// Lookup returns the kernel registered for op.
func Lookup(op string) (Kernel, error) {
	k, ok := kernels[op]
	if !ok {
		return nil, framework.Unimplemented("no kernel registered for operator %q", op)
	}
	return k, nil
}

// Ops lists the registered operator names.
func Ops() []string {
	return []string{OpBatchNorm, OpBatchNormGrad}
}
