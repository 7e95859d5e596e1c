package runner

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-norm/internal/codec"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
	"github.com/23skdu/longbow-norm/internal/params"
)

// GenerateInputs builds n training forward requests over random inputs of
// the given NCHW dims using the parameters in set, which must have dims[1]
// channels. A nil set uses params.Default. The same seed yields the same
// requests.
func GenerateInputs(n int, dims []int64, set *params.Set, seed int64) []*codec.OpRequest {
	r := rand.New(rand.NewSource(seed))
	if len(dims) < 2 {
		return nil
	}
	if set == nil {
		set = params.Default(int(dims[1]))
	}

	reqs := make([]*codec.OpRequest, n)
	for i := range reqs {
		reqs[i] = ForwardRequest(fmt.Sprintf("synthetic-%d", i), dims, randomValues(r, elements(dims)), set, false)
	}
	return reqs
}

// ForwardRequest builds a batch_norm request for x with the parameters in
// set. isTest selects inference on the running statistics.
func ForwardRequest(id string, dims []int64, x []float32, set *params.Set, isTest bool) *codec.OpRequest {
	return &codec.OpRequest{
		ID: id,
		Op: batchnorm.OpBatchNorm,
		Inputs: map[string]codec.TensorPayload{
			batchnorm.InputX:        {Dims: dims, Layout: framework.LayoutNCHW.String(), Data: x},
			batchnorm.InputScale:    payload(set.Scale),
			batchnorm.InputBias:     payload(set.Bias),
			batchnorm.InputMean:     payload(set.Mean),
			batchnorm.InputVariance: payload(set.Variance),
		},
		Attrs: map[string]any{
			batchnorm.AttrEpsilon:  float64(batchnorm.DefaultEpsilon),
			batchnorm.AttrMomentum: float64(batchnorm.DefaultMomentum),
			batchnorm.AttrIsTest:   isTest,
		},
	}
}

// GradRequest builds the batch_norm_grad request matching a completed
// training forward pass, with upstream gradient dy.
func GradRequest(fwd *codec.OpRequest, resp *codec.OpResponse, dy []float32) (*codec.OpRequest, error) {
	x, ok := fwd.Inputs[batchnorm.InputX]
	if !ok {
		return nil, fmt.Errorf("forward request %s has no %s", fwd.ID, batchnorm.InputX)
	}
	savedMean, ok := resp.Outputs[batchnorm.OutputSavedMean]
	if !ok {
		return nil, fmt.Errorf("forward response %s has no %s", resp.ID, batchnorm.OutputSavedMean)
	}
	savedVariance, ok := resp.Outputs[batchnorm.OutputSavedVariance]
	if !ok {
		return nil, fmt.Errorf("forward response %s has no %s", resp.ID, batchnorm.OutputSavedVariance)
	}
	// Absent attributes stay absent so the kernel applies its defaults.
	attrs := make(map[string]any)
	for _, name := range []string{batchnorm.AttrEpsilon, batchnorm.AttrDataLayout} {
		if v, ok := fwd.Attrs[name]; ok && v != nil {
			attrs[name] = v
		}
	}
	return &codec.OpRequest{
		ID: fwd.ID + "-grad",
		Op: batchnorm.OpBatchNormGrad,
		Inputs: map[string]codec.TensorPayload{
			batchnorm.InputX:                         x,
			batchnorm.InputScale:                     fwd.Inputs[batchnorm.InputScale],
			batchnorm.InputBias:                      fwd.Inputs[batchnorm.InputBias],
			batchnorm.OutputSavedMean:                savedMean,
			batchnorm.OutputSavedVariance:            savedVariance,
			framework.GradVarName(batchnorm.OutputY): {Dims: x.Dims, Layout: x.Layout, Data: dy},
		},
		Attrs: attrs,
	}, nil
}

// RandomValues returns n standard normal values drawn from seed.
func RandomValues(n int, seed int64) []float32 {
	return randomValues(rand.New(rand.NewSource(seed)), n)
}

func randomValues(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64())
	}
	return out
}

func elements(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

func payload(t *framework.DenseTensor) codec.TensorPayload {
	return codec.PayloadFromTensor(t, false)
}
