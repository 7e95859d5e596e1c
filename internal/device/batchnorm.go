package device

import (
	"fmt"
)

// BatchNormForwardPrimitiveDesc describes a batch normalization forward
// primitive: the source layout, epsilon and the normalization flags.
type BatchNormForwardPrimitiveDesc struct {
	engine   Engine
	propKind PropKind
	src      MemoryDesc
	epsilon  float32
	flags    NormalizationFlags
}

// NewBatchNormForwardPrimitiveDesc validates the configuration against src.
// FormatAny on src resolves to the plain channels-first format for its rank.
func NewBatchNormForwardPrimitiveDesc(eng Engine, prop PropKind, src MemoryDesc, epsilon float32, flags NormalizationFlags) (*BatchNormForwardPrimitiveDesc, error) {
	if prop != ForwardTraining && prop != ForwardScoring {
		return nil, fmt.Errorf("%w: batch normalization forward does not support %s", ErrInvalidDesc, prop)
	}
	if err := checkSrc(src); err != nil {
		return nil, err
	}
	if epsilon < 0 {
		return nil, fmt.Errorf("%w: epsilon must be non-negative, got %g", ErrInvalidDesc, epsilon)
	}
	return &BatchNormForwardPrimitiveDesc{
		engine:   eng,
		propKind: prop,
		src:      resolveFormat(src),
		epsilon:  epsilon,
		flags:    flags,
	}, nil
}

func checkSrc(src MemoryDesc) error {
	if src.Rank() < 2 {
		return fmt.Errorf("%w: batch normalization needs at least 2 dims, got %s", ErrInvalidDesc, src)
	}
	for _, d := range src.Dims {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %s", ErrInvalidDesc, src)
		}
	}
	if src.Format == FormatX {
		return fmt.Errorf("%w: format x cannot hold a batch", ErrInvalidDesc)
	}
	return nil
}

func resolveFormat(md MemoryDesc) MemoryDesc {
	out := NewMemoryDesc(md.Dims, md.DataType, md.Format)
	if out.Format == FormatAny {
		out.Format = PlainFormat(out.Rank(), false)
	}
	return out
}

func (pd *BatchNormForwardPrimitiveDesc) PropKind() PropKind        { return pd.propKind }
func (pd *BatchNormForwardPrimitiveDesc) Flags() NormalizationFlags { return pd.flags }
func (pd *BatchNormForwardPrimitiveDesc) Epsilon() float32          { return pd.epsilon }
func (pd *BatchNormForwardPrimitiveDesc) SrcDesc() MemoryDesc       { return pd.src }

// DstDesc has the same shape and format as the source.
func (pd *BatchNormForwardPrimitiveDesc) DstDesc() MemoryDesc { return pd.src }

// WeightsDesc is the packed {2, C} scale/shift buffer: C scales then C shifts.
func (pd *BatchNormForwardPrimitiveDesc) WeightsDesc() MemoryDesc {
	return NewMemoryDesc([]int64{2, int64(pd.src.Channels())}, pd.src.DataType, FormatNC)
}

func (pd *BatchNormForwardPrimitiveDesc) MeanDesc() MemoryDesc {
	return NewMemoryDesc([]int64{int64(pd.src.Channels())}, pd.src.DataType, FormatX)
}

func (pd *BatchNormForwardPrimitiveDesc) VarianceDesc() MemoryDesc {
	return pd.MeanDesc()
}

// Primitive compiles the forward primitive.
func (pd *BatchNormForwardPrimitiveDesc) Primitive() (Primitive, error) {
	return &BatchNormForward{pd: pd}, nil
}

// BatchNormBackwardPrimitiveDesc describes the backward primitive. It is
// created against the forward descriptor used in training.
type BatchNormBackwardPrimitiveDesc struct {
	engine   Engine
	propKind PropKind
	diffDst  MemoryDesc
	src      MemoryDesc
	epsilon  float32
	flags    NormalizationFlags
	hint     *BatchNormForwardPrimitiveDesc
}

func NewBatchNormBackwardPrimitiveDesc(eng Engine, prop PropKind, diffDst, src MemoryDesc, epsilon float32, flags NormalizationFlags, hint *BatchNormForwardPrimitiveDesc) (*BatchNormBackwardPrimitiveDesc, error) {
	if prop != Backward {
		return nil, fmt.Errorf("%w: batch normalization backward does not support %s", ErrInvalidDesc, prop)
	}
	if hint == nil {
		return nil, fmt.Errorf("%w: backward primitive needs a forward hint", ErrInvalidDesc)
	}
	if flags.Has(FuseNormReLU) {
		return nil, fmt.Errorf("%w: fused relu backward is not supported", ErrInvalidDesc)
	}
	if err := checkSrc(src); err != nil {
		return nil, err
	}
	if diffDst.Rank() != src.Rank() || diffDst.NumElements() != src.NumElements() {
		return nil, fmt.Errorf("%w: diff_dst %s does not match src %s", ErrInvalidDesc, diffDst, src)
	}
	for i := range src.Dims {
		if diffDst.Dims[i] != src.Dims[i] {
			return nil, fmt.Errorf("%w: diff_dst %s does not match src %s", ErrInvalidDesc, diffDst, src)
		}
	}
	if hint.src.Channels() != src.Channels() {
		return nil, fmt.Errorf("%w: forward hint has %d channels, src has %d", ErrInvalidDesc, hint.src.Channels(), src.Channels())
	}
	return &BatchNormBackwardPrimitiveDesc{
		engine:   eng,
		propKind: prop,
		diffDst:  resolveFormat(diffDst),
		src:      resolveFormat(src),
		epsilon:  epsilon,
		flags:    flags,
		hint:     hint,
	}, nil
}

func (pd *BatchNormBackwardPrimitiveDesc) PropKind() PropKind        { return pd.propKind }
func (pd *BatchNormBackwardPrimitiveDesc) Flags() NormalizationFlags { return pd.flags }
func (pd *BatchNormBackwardPrimitiveDesc) SrcDesc() MemoryDesc       { return pd.src }
func (pd *BatchNormBackwardPrimitiveDesc) DiffDstDesc() MemoryDesc   { return pd.diffDst }

// DiffSrcDesc matches the source layout.
func (pd *BatchNormBackwardPrimitiveDesc) DiffSrcDesc() MemoryDesc { return pd.src }

func (pd *BatchNormBackwardPrimitiveDesc) WeightsDesc() MemoryDesc     { return pd.hint.WeightsDesc() }
func (pd *BatchNormBackwardPrimitiveDesc) DiffWeightsDesc() MemoryDesc { return pd.hint.WeightsDesc() }
func (pd *BatchNormBackwardPrimitiveDesc) MeanDesc() MemoryDesc        { return pd.hint.MeanDesc() }
func (pd *BatchNormBackwardPrimitiveDesc) VarianceDesc() MemoryDesc    { return pd.hint.VarianceDesc() }

// Primitive compiles the backward primitive.
func (pd *BatchNormBackwardPrimitiveDesc) Primitive() (Primitive, error) {
	return &BatchNormBackward{pd: pd}, nil
}

// BatchNormForward is the compiled forward primitive.
type BatchNormForward struct {
	pd *BatchNormForwardPrimitiveDesc
}

// Execute submits the forward pass. Mean and variance are inputs when the
// descriptor uses global stats and outputs otherwise.
func (p *BatchNormForward) Execute(s *Stream, args map[Arg]*Memory) error {
	pd := p.pd
	required := map[Arg]MemoryDesc{
		ArgSrc:      pd.SrcDesc(),
		ArgDst:      pd.DstDesc(),
		ArgMean:     pd.MeanDesc(),
		ArgVariance: pd.VarianceDesc(),
	}
	if pd.flags.Has(UseScaleShift) {
		required[ArgScaleShift] = pd.WeightsDesc()
	}
	if err := checkArgs(args, required); err != nil {
		return err
	}

	k := forwardKernel{
		format:   pd.src.Format,
		batch:    int(pd.src.Dims[0]),
		channels: pd.src.Channels(),
		spatial:  pd.src.Spatial(),
		epsilon:  pd.epsilon,
		flags:    pd.flags,
		src:      args[ArgSrc].Data(),
		dst:      args[ArgDst].Data(),
		mean:     args[ArgMean].Data(),
		variance: args[ArgVariance].Data(),
	}
	if ss, ok := args[ArgScaleShift]; ok && pd.flags.Has(UseScaleShift) {
		k.weights = ss.Data()
	}

	primitiveExecutions.WithLabelValues("batch_normalization_forward", pd.propKind.String()).Inc()
	s.Submit(func() error {
		k.run()
		return nil
	})
	return nil
}

// BatchNormBackward is the compiled backward primitive.
type BatchNormBackward struct {
	pd *BatchNormBackwardPrimitiveDesc
}

// Execute submits the backward pass. Diff scale/shift is written only when
// the descriptor uses scale and shift.
func (p *BatchNormBackward) Execute(s *Stream, args map[Arg]*Memory) error {
	pd := p.pd
	required := map[Arg]MemoryDesc{
		ArgSrc:      pd.SrcDesc(),
		ArgMean:     pd.MeanDesc(),
		ArgVariance: pd.VarianceDesc(),
		ArgDiffDst:  pd.DiffDstDesc(),
		ArgDiffSrc:  pd.DiffSrcDesc(),
	}
	if pd.flags.Has(UseScaleShift) {
		required[ArgScaleShift] = pd.WeightsDesc()
		required[ArgDiffScaleShift] = pd.DiffWeightsDesc()
	}
	if err := checkArgs(args, required); err != nil {
		return err
	}

	k := backwardKernel{
		format:   pd.src.Format,
		batch:    int(pd.src.Dims[0]),
		channels: pd.src.Channels(),
		spatial:  pd.src.Spatial(),
		epsilon:  pd.epsilon,
		flags:    pd.flags,
		src:      args[ArgSrc].Data(),
		mean:     args[ArgMean].Data(),
		variance: args[ArgVariance].Data(),
		diffDst:  args[ArgDiffDst].Data(),
		diffSrc:  args[ArgDiffSrc].Data(),
	}
	if pd.flags.Has(UseScaleShift) {
		k.weights = args[ArgScaleShift].Data()
		k.diffWeights = args[ArgDiffScaleShift].Data()
	}

	primitiveExecutions.WithLabelValues("batch_normalization_backward", pd.propKind.String()).Inc()
	s.Submit(func() error {
		k.run()
		return nil
	})
	return nil
}

func checkArgs(args map[Arg]*Memory, required map[Arg]MemoryDesc) error {
	for arg, want := range required {
		m, ok := args[arg]
		if !ok || m == nil {
			return fmt.Errorf("%w: %s", ErrMissingArg, arg)
		}
		if len(m.Data()) < want.NumElements() {
			return fmt.Errorf("%w: %s holds %d elements, expected %s", ErrInvalidDesc, arg, len(m.Data()), want)
		}
		if m.Desc().NumElements() != want.NumElements() {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidDesc, arg, m.Desc(), want)
		}
	}
	return nil
}
