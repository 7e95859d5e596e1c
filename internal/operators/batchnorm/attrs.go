package batchnorm

import (
	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
)

// Attribute names of the batch_norm operator.
const (
	AttrEpsilon             = "epsilon"
	AttrMomentum            = "momentum"
	AttrIsTest              = "is_test"
	AttrUseGlobalStats      = "use_global_stats"
	AttrTrainableStatistics = "trainable_statistics"
	AttrFuseWithReLU        = "fuse_with_relu"
	AttrDataLayout          = "data_layout"
)

// Defaults applied when the operator description omits an attribute.
const (
	DefaultEpsilon  float32 = 1e-5
	DefaultMomentum float32 = 0.9
)

// Attrs are the batch_norm attributes of one invocation.
type Attrs struct {
	Epsilon             float32
	Momentum            float32
	IsTest              bool
	UseGlobalStats      bool
	TrainableStatistics bool
	FuseWithReLU        bool
	Layout              framework.DataLayout
}

// TestMode is inference without trainable statistics.
func (a Attrs) TestMode() bool {
	return a.IsTest && !a.TrainableStatistics
}

// GlobalStats selects precomputed mean/variance instead of batch statistics.
func (a Attrs) GlobalStats() bool {
	return a.TestMode() || a.UseGlobalStats
}

// ParseAttrs reads the attributes from ctx, filling defaults for absent ones.
func ParseAttrs(ctx *framework.ExecutionContext) (Attrs, error) {
	a := Attrs{
		Epsilon:  DefaultEpsilon,
		Momentum: DefaultMomentum,
		Layout:   framework.LayoutNCHW,
	}

	floats := []struct {
		name string
		dst  *float32
	}{
		{AttrEpsilon, &a.Epsilon},
		{AttrMomentum, &a.Momentum},
	}
	for _, f := range floats {
		if !ctx.HasAttr(f.name) {
			continue
		}
		v, err := ctx.AttrFloat32(f.name)
		if err != nil {
			return a, err
		}
		*f.dst = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{AttrIsTest, &a.IsTest},
		{AttrUseGlobalStats, &a.UseGlobalStats},
		{AttrTrainableStatistics, &a.TrainableStatistics},
		{AttrFuseWithReLU, &a.FuseWithReLU},
	}
	for _, b := range bools {
		if !ctx.HasAttr(b.name) {
			continue
		}
		v, err := ctx.AttrBool(b.name)
		if err != nil {
			return a, err
		}
		*b.dst = v
	}

	if ctx.HasAttr(AttrDataLayout) {
		s, err := ctx.AttrString(AttrDataLayout)
		if err != nil {
			return a, err
		}
		if a.Layout, err = framework.ParseDataLayout(s); err != nil {
			return a, err
		}
	}

	if a.Epsilon < 0 {
		return a, framework.InvalidArgument("epsilon must be non-negative, got %g", a.Epsilon)
	}
	if a.Momentum < 0 || a.Momentum > 1 {
		return a, framework.InvalidArgument("momentum must be in [0, 1], got %g", a.Momentum)
	}
	return a, nil
}

// Flags composes the primitive flags. Scale/shift is always used; fused
// ReLU is honoured only in test mode.
func Flags(globalStats, testMode, fuseWithReLU bool) device.NormalizationFlags {
	flags := device.UseScaleShift // 001
	if globalStats {
		flags |= device.UseGlobalStats // 010
	}
	if fuseWithReLU && testMode {
		flags |= device.FuseNormReLU // 100
	}
	return flags
}

// PropKind picks scoring when statistics are supplied, training otherwise.
func PropKind(globalStats bool) device.PropKind {
	if globalStats {
		return device.ForwardScoring
	}
	return device.ForwardTraining
}

// applyLayout tags t with the attribute layout unless it already carries a
// primitive memory descriptor.
func applyLayout(t *framework.DenseTensor, l framework.DataLayout) {
	if t.Layout() == framework.LayoutONEDNN {
		return
	}
	t.SetLayout(l)
}
