package batchnorm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
)

// N=2 C=2 H=1 W=2. Channel 0 holds 1, 3, 5, 7 (mean 4) and channel 1
// holds 2, 4, 6, 8 (mean 5). Both have biased variance 5.
var (
	xDims = []int64{2, 2, 1, 2}
	xNCHW = []float32{1, 3, 2, 4, 5, 7, 6, 8}
	xNHWC = []float32{1, 2, 3, 4, 5, 6, 7, 8}
)

func tensor(t *testing.T, dims []int64, data []float32) *framework.DenseTensor {
	t.Helper()
	d, err := framework.NewDenseTensor(dims, append([]float32(nil), data...))
	require.NoError(t, err)
	return d
}

type forwardCase struct {
	ctx                                          *framework.ExecutionContext
	y, meanOut, varianceOut, savedMean, savedVar *framework.DenseTensor
}

func newForwardCase(t *testing.T, x []float32) *forwardCase {
	t.Helper()
	fc := &forwardCase{
		y:           framework.NewEmptyTensor(),
		meanOut:     framework.NewEmptyTensor(),
		varianceOut: framework.NewEmptyTensor(),
		savedMean:   framework.NewEmptyTensor(),
		savedVar:    framework.NewEmptyTensor(),
	}
	fc.ctx = framework.NewExecutionContext(context.Background(), framework.NewDeviceContext(device.NewCPUEngine())).
		SetInput(InputX, tensor(t, xDims, x)).
		SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 2})).
		SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 1})).
		SetInput(InputMean, tensor(t, []int64{2}, []float32{0, 0})).
		SetInput(InputVariance, tensor(t, []int64{2}, []float32{1, 1})).
		SetOutput(OutputY, fc.y).
		SetOutput(OutputMeanOut, fc.meanOut).
		SetOutput(OutputVarianceOut, fc.varianceOut).
		SetOutput(OutputSavedMean, fc.savedMean).
		SetOutput(OutputSavedVariance, fc.savedVar).
		SetAttr(AttrEpsilon, float32(0)).
		SetAttr(AttrMomentum, float32(0.9))
	return fc
}

func TestParseAttrs(t *testing.T) {
	ctx := framework.NewExecutionContext(context.Background(), nil)
	a, err := ParseAttrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultEpsilon, a.Epsilon)
	assert.Equal(t, DefaultMomentum, a.Momentum)
	assert.Equal(t, framework.LayoutNCHW, a.Layout)
	assert.False(t, a.FuseWithReLU)
	assert.False(t, a.GlobalStats())

	ctx.SetAttr(AttrIsTest, true).SetAttr(AttrDataLayout, "NHWC").SetAttr(AttrEpsilon, 1e-3)
	a, err = ParseAttrs(ctx)
	require.NoError(t, err)
	assert.True(t, a.TestMode())
	assert.True(t, a.GlobalStats())
	assert.Equal(t, framework.LayoutNHWC, a.Layout)
	assert.InDelta(t, 1e-3, a.Epsilon, 1e-9)

	// Trainable statistics keep batch statistics even under is_test.
	ctx.SetAttr(AttrTrainableStatistics, true)
	a, err = ParseAttrs(ctx)
	require.NoError(t, err)
	assert.False(t, a.TestMode())
	assert.False(t, a.GlobalStats())

	ctx.SetAttr(AttrUseGlobalStats, true)
	a, err = ParseAttrs(ctx)
	require.NoError(t, err)
	assert.True(t, a.GlobalStats())

	ctx.SetAttr(AttrIsTest, "yes")
	_, err = ParseAttrs(ctx)
	assert.ErrorIs(t, err, framework.ErrInvalidArgument)

	bad := framework.NewExecutionContext(context.Background(), nil).SetAttr(AttrMomentum, 1.5)
	_, err = ParseAttrs(bad)
	assert.ErrorIs(t, err, framework.ErrInvalidArgument)
}

func TestFlags(t *testing.T) {
	tests := []struct {
		name                        string
		globalStats, testMode, fuse bool
		want                        device.NormalizationFlags
	}{
		{"training", false, false, false, device.UseScaleShift},
		{"training ignores fuse", false, false, true, device.UseScaleShift},
		{"global stats", true, false, false, device.UseScaleShift | device.UseGlobalStats},
		{"global stats ignores fuse outside test", true, false, true, device.UseScaleShift | device.UseGlobalStats},
		{"inference fused", true, true, true, device.UseScaleShift | device.UseGlobalStats | device.FuseNormReLU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flags(tt.globalStats, tt.testMode, tt.fuse))
		})
	}
	assert.Equal(t, device.ForwardScoring, PropKind(true))
	assert.Equal(t, device.ForwardTraining, PropKind(false))
}

func TestForwardKernel_Training(t *testing.T) {
	fc := newForwardCase(t, xNCHW)
	require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

	expected := []float32{-1.3416408, -0.4472136, -1.6832816, 0.1055728, 0.4472136, 1.3416408, 1.8944272, 3.6832816}
	assert.InDeltaSlice(t, expected, fc.y.Data(), 1e-5)
	assert.Equal(t, xDims, fc.y.Dims())
	assert.Equal(t, framework.LayoutONEDNN, fc.y.Layout())
	assert.Equal(t, device.FormatNCHW, fc.y.MemDesc().Format)

	assert.InDeltaSlice(t, []float32{4, 5}, fc.savedMean.Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{5, 5}, fc.savedVar.Data(), 1e-6)

	// running = running*0.9 + batch*0.1, seeded from Mean=[0,0] and Variance=[1,1].
	assert.InDeltaSlice(t, []float32{0.4, 0.5}, fc.meanOut.Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{1.4, 1.4}, fc.varianceOut.Data(), 1e-6)
}

func TestForwardKernel_InPlaceRunningStats(t *testing.T) {
	fc := newForwardCase(t, xNCHW)
	mean := tensor(t, []int64{2}, []float32{10, 20})
	variance := tensor(t, []int64{2}, []float32{2, 3})
	fc.ctx.SetInput(InputMean, mean).SetInput(InputVariance, variance).
		SetOutput(OutputMeanOut, mean).SetOutput(OutputVarianceOut, variance).
		SetAttr(AttrMomentum, 0.5)

	require.NoError(t, ForwardKernel{}.Compute(fc.ctx))
	assert.InDeltaSlice(t, []float32{7, 12.5}, mean.Data(), 1e-5)
	assert.InDeltaSlice(t, []float32{3.5, 4}, variance.Data(), 1e-5)
}

func TestForwardKernel_NHWC(t *testing.T) {
	fc := newForwardCase(t, xNHWC)
	fc.ctx.SetAttr(AttrDataLayout, "NHWC")
	require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

	expected := []float32{-1.3416408, -1.6832816, -0.4472136, 0.1055728, 0.4472136, 1.8944272, 1.3416408, 3.6832816}
	assert.InDeltaSlice(t, expected, fc.y.Data(), 1e-5)
	assert.Equal(t, device.FormatNHWC, fc.y.MemDesc().Format)
	assert.InDeltaSlice(t, []float32{4, 5}, fc.savedMean.Data(), 1e-6)
}

func TestForwardKernel_Inference(t *testing.T) {
	t.Run("Global stats", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputMean, tensor(t, []int64{2}, []float32{4, 5})).
			SetInput(InputVariance, tensor(t, []int64{2}, []float32{5, 5})).
			SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 1})).
			SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 0})).
			SetAttr(AttrIsTest, true)
		require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

		expected := []float32{-1.3416408, -0.4472136, -1.3416408, -0.4472136, 0.4472136, 1.3416408, 0.4472136, 1.3416408}
		assert.InDeltaSlice(t, expected, fc.y.Data(), 1e-5)
		// Running statistics are untouched in test mode.
		assert.False(t, fc.meanOut.IsInitialized())
		assert.False(t, fc.savedMean.IsInitialized())
	})

	t.Run("Fused ReLU", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputMean, tensor(t, []int64{2}, []float32{4, 5})).
			SetInput(InputVariance, tensor(t, []int64{2}, []float32{5, 5})).
			SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 1})).
			SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 0})).
			SetAttr(AttrIsTest, true).
			SetAttr(AttrFuseWithReLU, true)
		require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

		expected := []float32{0, 0, 0, 0, 0.4472136, 1.3416408, 0.4472136, 1.3416408}
		assert.InDeltaSlice(t, expected, fc.y.Data(), 1e-5)
	})

	t.Run("Global stats in training", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputMean, tensor(t, []int64{2}, []float32{4, 5})).
			SetInput(InputVariance, tensor(t, []int64{2}, []float32{5, 5})).
			SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 1})).
			SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 0})).
			SetAttr(AttrUseGlobalStats, true).
			SetAttr(AttrIsTest, false).
			SetAttr(AttrFuseWithReLU, true)
		require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

		// Fuse only applies in test mode, so negative outputs survive.
		expected := []float32{-1.3416408, -0.4472136, -1.3416408, -0.4472136, 0.4472136, 1.3416408, 0.4472136, 1.3416408}
		assert.InDeltaSlice(t, expected, fc.y.Data(), 1e-5)
		assert.False(t, fc.meanOut.IsInitialized())
		assert.False(t, fc.varianceOut.IsInitialized())
		assert.False(t, fc.savedMean.IsInitialized())
		assert.False(t, fc.savedVar.IsInitialized())
	})

	t.Run("Fuse ignored in training", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetAttr(AttrFuseWithReLU, true)
		require.NoError(t, ForwardKernel{}.Compute(fc.ctx))
		assert.InDelta(t, -1.3416408, fc.y.Data()[0], 1e-5)
	})
}

func TestForwardKernel_Errors(t *testing.T) {
	t.Run("Scale rank", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputScale, tensor(t, []int64{1, 2}, []float32{1, 2}))
		err := ForwardKernel{}.Compute(fc.ctx)
		require.ErrorIs(t, err, framework.ErrInvalidArgument)
		assert.Contains(t, err.Error(), "Dims of scale tensor must be 1, but received scale's size is 2")
	})

	t.Run("Channel mismatch", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputScale, tensor(t, []int64{3}, []float32{1, 2, 3}))
		assert.ErrorIs(t, ForwardKernel{}.Compute(fc.ctx), framework.ErrInvalidArgument)
	})

	t.Run("Missing input", func(t *testing.T) {
		ctx := framework.NewExecutionContext(context.Background(), framework.NewDeviceContext(device.NewCPUEngine()))
		assert.ErrorIs(t, ForwardKernel{}.Compute(ctx), framework.ErrNotFound)
	})

	t.Run("Rank one input", func(t *testing.T) {
		fc := newForwardCase(t, xNCHW)
		fc.ctx.SetInput(InputX, tensor(t, []int64{8}, xNCHW))
		assert.ErrorIs(t, ForwardKernel{}.Compute(fc.ctx), framework.ErrInvalidArgument)
	})
}

func TestGradKernel(t *testing.T) {
	dx := framework.NewEmptyTensor()
	dScale := framework.NewEmptyTensor()
	dBias := framework.NewEmptyTensor()

	ctx := framework.NewExecutionContext(context.Background(), framework.NewDeviceContext(device.NewCPUEngine())).
		SetInput(InputX, tensor(t, xDims, xNCHW)).
		SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 2})).
		SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 1})).
		SetInput(OutputSavedMean, tensor(t, []int64{2}, []float32{4, 5})).
		SetInput(OutputSavedVariance, tensor(t, []int64{2}, []float32{5, 5})).
		SetInput(framework.GradVarName(OutputY), tensor(t, xDims, []float32{1, 0, 0, 0, 0, 0, 0, 0})).
		SetOutput(framework.GradVarName(InputX), dx).
		SetOutput(framework.GradVarName(InputScale), dScale).
		SetOutput(framework.GradVarName(InputBias), dBias).
		SetAttr(AttrEpsilon, 0.0)

	require.NoError(t, GradKernel{}.Compute(ctx))

	expected := []float32{0.1341641, -0.1788854, 0, 0, -0.0447214, 0.0894427, 0, 0}
	assert.InDeltaSlice(t, expected, dx.Data(), 1e-5)
	assert.Equal(t, xDims, dx.Dims())
	assert.Equal(t, framework.LayoutONEDNN, dx.Layout())

	assert.Equal(t, []int64{2}, dScale.Dims())
	assert.InDeltaSlice(t, []float32{-1.3416408, 0}, dScale.Data(), 1e-5)
	assert.Equal(t, []int64{2}, dBias.Dims())
	assert.InDeltaSlice(t, []float32{1, 0}, dBias.Data(), 1e-5)
}

func TestGradKernel_ScaleRank(t *testing.T) {
	ctx := framework.NewExecutionContext(context.Background(), framework.NewDeviceContext(device.NewCPUEngine())).
		SetInput(InputX, tensor(t, xDims, xNCHW)).
		SetInput(InputScale, tensor(t, []int64{1, 2}, []float32{1, 2})).
		SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 1})).
		SetInput(OutputSavedMean, tensor(t, []int64{2}, []float32{4, 5})).
		SetInput(OutputSavedVariance, tensor(t, []int64{2}, []float32{5, 5})).
		SetInput(framework.GradVarName(OutputY), tensor(t, xDims, make([]float32, 8))).
		SetOutput(framework.GradVarName(InputX), framework.NewEmptyTensor()).
		SetOutput(framework.GradVarName(InputScale), framework.NewEmptyTensor()).
		SetOutput(framework.GradVarName(InputBias), framework.NewEmptyTensor())

	err := GradKernel{}.Compute(ctx)
	require.ErrorIs(t, err, framework.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "received scale's size is 2")
}

func TestGradKernel_ScaleChannels(t *testing.T) {
	for _, dims := range [][]int64{{-1}, {1 << 40}, {3}} {
		scale, err := framework.NewDenseTensor(dims, nil)
		require.NoError(t, err)

		ctx := framework.NewExecutionContext(context.Background(), framework.NewDeviceContext(device.NewCPUEngine())).
			SetInput(InputX, tensor(t, xDims, xNCHW)).
			SetInput(InputScale, scale).
			SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 1})).
			SetInput(OutputSavedMean, tensor(t, []int64{2}, []float32{4, 5})).
			SetInput(OutputSavedVariance, tensor(t, []int64{2}, []float32{5, 5})).
			SetInput(framework.GradVarName(OutputY), tensor(t, xDims, make([]float32, 8))).
			SetOutput(framework.GradVarName(InputX), framework.NewEmptyTensor()).
			SetOutput(framework.GradVarName(InputScale), framework.NewEmptyTensor()).
			SetOutput(framework.GradVarName(InputBias), framework.NewEmptyTensor())

		assert.NotPanics(t, func() {
			err = GradKernel{}.Compute(ctx)
		}, "scale dims %v", dims)
		assert.ErrorIs(t, err, framework.ErrInvalidArgument, "scale dims %v", dims)
	}
}

func TestForwardThenGrad(t *testing.T) {
	fc := newForwardCase(t, xNHWC)
	fc.ctx.SetAttr(AttrDataLayout, "NHWC")
	require.NoError(t, ForwardKernel{}.Compute(fc.ctx))

	dx := framework.NewEmptyTensor()
	ctx := framework.NewExecutionContext(context.Background(), fc.ctx.DeviceContext()).
		SetInput(InputX, tensor(t, xDims, xNHWC)).
		SetInput(InputScale, tensor(t, []int64{2}, []float32{1, 2})).
		SetInput(InputBias, tensor(t, []int64{2}, []float32{0, 1})).
		SetInput(OutputSavedMean, fc.savedMean).
		SetInput(OutputSavedVariance, fc.savedVar).
		SetInput(framework.GradVarName(OutputY), tensor(t, xDims, []float32{1, 1, 1, 1, 1, 1, 1, 1})).
		SetOutput(framework.GradVarName(InputX), dx).
		SetOutput(framework.GradVarName(InputScale), framework.NewEmptyTensor()).
		SetOutput(framework.GradVarName(InputBias), framework.NewEmptyTensor()).
		SetAttr(AttrEpsilon, 0.0).
		SetAttr(AttrDataLayout, "NHWC")
	require.NoError(t, GradKernel{}.Compute(ctx))

	// A constant upstream gradient is absorbed entirely by the shift.
	assert.InDeltaSlice(t, make([]float32, 8), dx.Data(), 1e-5)
	assert.Equal(t, device.FormatNHWC, dx.MemDesc().Format)
}

func TestLookup(t *testing.T) {
	k, err := Lookup(OpBatchNorm)
	require.NoError(t, err)
	assert.IsType(t, ForwardKernel{}, k)

	k, err = Lookup(OpBatchNormGrad)
	require.NoError(t, err)
	assert.IsType(t, GradKernel{}, k)

	_, err = Lookup("layer_norm")
	assert.ErrorIs(t, err, framework.ErrUnimplemented)
	assert.ElementsMatch(t, []string{OpBatchNorm, OpBatchNormGrad}, Ops())
}
