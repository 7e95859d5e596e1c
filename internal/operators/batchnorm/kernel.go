// Package batchnorm implements the batch_norm and batch_norm_grad kernels on
// top of the device primitives.
package batchnorm

import (
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
)

// Operator and slot names.
const (
	OpBatchNorm     = "batch_norm"
	OpBatchNormGrad = "batch_norm_grad"

	InputX        = "X"
	InputScale    = "Scale"
	InputBias     = "Bias"
	InputMean     = "Mean"
	InputVariance = "Variance"

	OutputY             = "Y"
	OutputMeanOut       = "MeanOut"
	OutputVarianceOut   = "VarianceOut"
	OutputSavedMean     = "SavedMean"
	OutputSavedVariance = "SavedVariance"
)

var tracer = otel.Tracer("longbow-norm/batchnorm")

// Kernel computes one operator against an execution context.
type Kernel interface {
	Compute(ctx *framework.ExecutionContext) error
}

// ForwardKernel is the batch_norm kernel.
type ForwardKernel struct{}

// Compute normalizes X into Y. In training it also writes the batch
// statistics to SavedMean/SavedVariance and folds them into the running
// MeanOut/VarianceOut with the momentum attribute.
func (ForwardKernel) Compute(ctx *framework.ExecutionContext) (err error) {
	_, span := tracer.Start(ctx.Context(), OpBatchNorm)
	defer span.End()
	start := time.Now()
	defer func() {
		kernelDuration.WithLabelValues(OpBatchNorm).Observe(time.Since(start).Seconds())
		if err != nil {
			kernelErrors.WithLabelValues(OpBatchNorm).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	attrs, err := ParseAttrs(ctx)
	if err != nil {
		return err
	}
	globalStats := attrs.GlobalStats()
	testMode := attrs.TestMode()

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
	y, err := ctx.Output(OutputY)
	if err != nil {
		return err
	}
	applyLayout(x, attrs.Layout)

	mode := modeLabel(globalStats, testMode)
	span.SetAttributes(
		attribute.String("mode", mode),
		attribute.String("layout", attrs.Layout.String()),
		attribute.Int64Slice("dims", x.Dims()),
	)

	engine := ctx.DeviceContext().Engine()
	h, err := NewForwardHandler(ctx, engine, x, globalStats, testMode)
	if err != nil {
		return err
	}
	defer h.Release()

	srcMem, err := h.AcquireSrcMemory(x)
	if err != nil {
		return err
	}
	scaleShiftMem, err := h.AcquireScaleShiftMemory(scale, shift)
	if err != nil {
		return err
	}
	dstMem, err := h.AcquireDstMemory(y)
	if err != nil {
		return err
	}
	prim, err := h.AcquireForwardPrimitive()
	if err != nil {
		return err
	}

	var meanMem, varianceMem *device.Memory
	var batchMean, batchVariance *framework.DenseTensor
	if globalStats {
		mean, err := ctx.Input(InputMean)
		if err != nil {
			return err
		}
		variance, err := ctx.Input(InputVariance)
		if err != nil {
			return err
		}
		if meanMem, err = h.AcquireMeanMemory(mean); err != nil {
			return err
		}
		if varianceMem, err = h.AcquireVarianceMemory(variance); err != nil {
			return err
		}
	} else {
		if batchMean, err = ctx.Output(OutputSavedMean); err != nil {
			return err
		}
		if batchVariance, err = ctx.Output(OutputSavedVariance); err != nil {
			return err
		}
		if meanMem, err = h.AcquireMeanOutputMemory(batchMean); err != nil {
			return err
		}
		if varianceMem, err = h.AcquireVarianceOutputMemory(batchVariance); err != nil {
			return err
		}
	}

	y.SetMemDesc(dstMem.Desc())

	stream := ctx.DeviceContext().Stream()
	err = prim.Execute(stream, map[device.Arg]*device.Memory{
		device.ArgSrc:        srcMem,
		device.ArgScaleShift: scaleShiftMem,
		device.ArgMean:       meanMem,
		device.ArgVariance:   varianceMem,
		device.ArgDst:        dstMem,
	})
	if err != nil {
		return framework.InvalidArgument("batch_norm: %v", err)
	}
	if err := stream.Wait(); err != nil {
		return err
	}

	if !globalStats {
		c := int(scale.Dims()[0])
		if err := updateRunningStat(ctx, OutputMeanOut, InputMean, batchMean.Data()[:c], attrs.Momentum); err != nil {
			return err
		}
		if err := updateRunningStat(ctx, OutputVarianceOut, InputVariance, batchVariance.Data()[:c], attrs.Momentum); err != nil {
			return err
		}
	}

	kernelInvocations.WithLabelValues(OpBatchNorm, mode).Inc()
	kernelElements.WithLabelValues(OpBatchNorm).Add(float64(x.NumElements()))
	log.Debug().
		Str("mode", mode).
		Str("dst", dstMem.Desc().String()).
		Dur("elapsed", time.Since(start)).
		Msg("batch_norm computed")
	return nil
}

// updateRunningStat computes out = out*momentum + batch*(1-momentum). An
// uninitialized out starts from the matching running input.
func updateRunningStat(ctx *framework.ExecutionContext, outName, inName string, batch []float32, momentum float32) error {
	out, err := ctx.Output(outName)
	if err != nil {
		return err
	}
	c := len(batch)

	if !out.IsInitialized() {
		in, err := ctx.Input(inName)
		if err != nil {
			return err
		}
		if len(in.Data()) < c {
			return framework.InvalidArgument("%s holds %d values, expected %d", inName, len(in.Data()), c)
		}
		copy(out.MutableData(c), in.Data()[:c])
	}
	if len(out.Data()) < c {
		return framework.InvalidArgument("%s holds %d values, expected %d", outName, len(out.Data()), c)
	}

	running := blas32.Vector{N: c, Inc: 1, Data: out.Data()[:c]}
	blas32.Scal(momentum, running)
	blas32.Axpy(1-momentum, blas32.Vector{N: c, Inc: 1, Data: batch}, running)
	return nil
}

func modeLabel(globalStats, testMode bool) string {
	switch {
	case testMode:
		return "inference"
	case globalStats:
		return "global_stats"
	default:
		return "training"
	}
}
