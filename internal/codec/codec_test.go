package codec

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
)

func TestFloat16(t *testing.T) {
	tests := []struct {
		in   float32
		want float32
	}{
		{0, 0},
		{1, 1},
		{-2.5, -2.5},
		{0.333251953125, 0.333251953125},
		{100000, 65504},
		{-100000, -65504},
		{1e-8, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Float16ToFloat32(Float32ToFloat16(tt.in)), "value %v", tt.in)
	}

	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(1))))), 1))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(-1))))), -1))
	assert.Equal(t, uint16(0x8000), Float32ToFloat16(-1e-8))

	// Round to nearest: 1.0007 sits 0.72 ulp above 1.
	assert.Equal(t, uint16(0x3C01), Float32ToFloat16(1.0007))
	assert.Equal(t, uint16(0x3C00), Float32ToFloat16(1.0004))
	// Smallest subnormal survives instead of flushing to zero.
	assert.Equal(t, uint16(0x0001), Float32ToFloat16(5.9604645e-8))
	assert.Equal(t, float32(5.9604645e-8), Float16ToFloat32(0x0001))

	assert.Equal(t, []float32{1, -0.5, 2}, DecodeHalf(EncodeHalf([]float32{1, -0.5, 2})))
}

func sampleRequest() *OpRequest {
	return &OpRequest{
		ID: "req-1",
		Op: batchnorm.OpBatchNorm,
		Inputs: map[string]TensorPayload{
			batchnorm.InputX:        {Dims: []int64{2, 2, 1, 2}, Layout: "NCHW", Data: []float32{1, 3, 2, 4, 5, 7, 6, 8}},
			batchnorm.InputScale:    {Dims: []int64{2}, Data: []float32{1, 2}},
			batchnorm.InputBias:     {Dims: []int64{2}, Data: []float32{0, 1}},
			batchnorm.InputMean:     {Dims: []int64{2}, Data: []float32{0, 0}},
			batchnorm.InputVariance: {Dims: []int64{2}, Data: []float32{1, 1}},
		},
		Attrs: map[string]any{
			batchnorm.AttrEpsilon:  0.0,
			batchnorm.AttrMomentum: 0.9,
			batchnorm.AttrIsTest:   false,
		},
	}
}

func TestCBORRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, sampleRequest()))

	req, err := DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, batchnorm.OpBatchNorm, req.Op)
	assert.Equal(t, []float32{1, 2}, req.Inputs[batchnorm.InputScale].Data)
	assert.Equal(t, false, req.Attrs[batchnorm.AttrIsTest])

	_, err = DecodeRequest(bytes.NewReader([]byte{0xff}))
	assert.Error(t, err)
}

func TestBuildContextAndResponse(t *testing.T) {
	req := sampleRequest()
	req.Half = true

	dev := framework.NewDeviceContext(device.NewCPUEngine())
	ectx, err := BuildContext(context.Background(), req, dev)
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultOutputs(batchnorm.OpBatchNorm), ectx.OutputNames())

	x, err := ectx.Input(batchnorm.InputX)
	require.NoError(t, err)
	assert.Equal(t, framework.LayoutNCHW, x.Layout())

	require.NoError(t, batchnorm.ForwardKernel{}.Compute(ectx))

	resp := BuildResponse(req, ectx)
	assert.Equal(t, "req-1", resp.ID)
	require.Contains(t, resp.Outputs, batchnorm.OutputY)
	y := resp.Outputs[batchnorm.OutputY]
	assert.Equal(t, DTypeFloat16, y.DType)
	assert.Equal(t, "NCHW", y.Layout)
	assert.Empty(t, y.Data)
	assert.InDeltaSlice(t, []float32{-1.3416, -0.4472, -1.6833, 0.1056, 0.4472, 1.3416, 1.8944, 3.6833}, y.Values(), 3e-3)

	mean := resp.Outputs[batchnorm.OutputSavedMean]
	assert.Equal(t, []float32{4, 5}, mean.Values())
}

func TestBuildContextErrors(t *testing.T) {
	req := sampleRequest()
	req.Inputs[batchnorm.InputX] = TensorPayload{Dims: []int64{2, 2}, Data: []float32{1}}
	_, err := BuildContext(context.Background(), req, nil)
	assert.ErrorIs(t, err, framework.ErrInvalidArgument)

	req = sampleRequest()
	req.Inputs[batchnorm.InputX] = TensorPayload{Dims: []int64{1}, Layout: "NCDHWX", Data: []float32{1}}
	_, err = BuildContext(context.Background(), req, nil)
	assert.Error(t, err)
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(sampleRequest(), framework.InvalidArgument("bad scale"))
	assert.Equal(t, "(InvalidArgument) bad scale", resp.Error)

	var buf bytes.Buffer
	require.NoError(t, EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp.Error, got.Error)
	assert.Equal(t, "req-1", got.ID)
}

func TestArrowRequestRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	req := sampleRequest()
	req.Outputs = []string{batchnorm.OutputY, batchnorm.OutputSavedMean}
	req.Attrs[batchnorm.AttrDataLayout] = "NCHW"

	b := NewRecordBuilder(mem)
	rec, err := b.RequestToRecord(req)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(5), rec.NumRows())

	// Through an IPC stream, as the HTTP arrow endpoint sees it.
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	r, err := ipc.NewReader(&buf, ipc.WithAllocator(mem))
	require.NoError(t, err)
	defer r.Release()
	require.True(t, r.Next())

	got, err := RecordToRequest(r.Record())
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.Op, got.Op)
	assert.Equal(t, req.Outputs, got.Outputs)
	assert.Equal(t, req.Inputs[batchnorm.InputX].Dims, got.Inputs[batchnorm.InputX].Dims)
	assert.Equal(t, req.Inputs[batchnorm.InputX].Data, got.Inputs[batchnorm.InputX].Data)
	assert.Equal(t, "NCHW", got.Inputs[batchnorm.InputX].Layout)
	assert.Equal(t, 0.9, got.Attrs[batchnorm.AttrMomentum])
	assert.Equal(t, false, got.Attrs[batchnorm.AttrIsTest])
	assert.Equal(t, "NCHW", got.Attrs[batchnorm.AttrDataLayout])
}

func TestArrowResponseRoundTrip(t *testing.T) {
	b := NewRecordBuilder(nil)
	resp := &OpResponse{
		ID: "r",
		Op: batchnorm.OpBatchNormGrad,
		Outputs: map[string]TensorPayload{
			"Scale@GRAD": {Dims: []int64{2}, Layout: "NCHW", DType: DTypeFloat16, Half: EncodeHalf([]float32{0.5, -1})},
		},
		Error: "",
	}
	rec := b.ResponseToRecord(resp)
	defer rec.Release()

	got, err := RecordToResponse(rec)
	require.NoError(t, err)
	assert.Equal(t, "r", got.ID)
	assert.Equal(t, batchnorm.OpBatchNormGrad, got.Op)
	assert.Equal(t, []float32{0.5, -1}, got.Outputs["Scale@GRAD"].Data)
	assert.Equal(t, DTypeFloat32, got.Outputs["Scale@GRAD"].DType)
}

func TestRecordToRequestMissingOp(t *testing.T) {
	b := NewRecordBuilder(nil)
	rec, err := b.RequestToRecord(&OpRequest{Inputs: map[string]TensorPayload{}})
	require.NoError(t, err)
	defer rec.Release()

	_, err = RecordToRequest(rec)
	assert.Error(t, err)

	_, err = b.RequestToRecord(&OpRequest{Op: "batch_norm", Attrs: map[string]any{"bad": []int{1}}})
	assert.Error(t, err)
}

func TestAttrEncoding(t *testing.T) {
	for _, v := range []any{float32(0.5), 1e-5, 3, int64(-4), uint64(7), true, "NHWC"} {
		s, err := encodeAttr(v)
		require.NoError(t, err)
		_, err = decodeAttr(s)
		require.NoError(t, err)
	}
	_, err := decodeAttr("x:1")
	assert.Error(t, err)
	_, err = decodeAttr("nocolon")
	assert.Error(t, err)
}
