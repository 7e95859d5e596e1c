// Package codec converts operator requests and responses to and from their
// wire encodings: CBOR for the HTTP API and Arrow for IPC and Flight.
package codec

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
)

// Tensor element encodings.
const (
	DTypeFloat32 = "f32"
	DTypeFloat16 = "f16"
)

// TensorPayload is a dense tensor on the wire. Half carries the values when
// DType is f16.
type TensorPayload struct {
	Dims   []int64   `cbor:"dims"`
	Layout string    `cbor:"layout,omitempty"`
	DType  string    `cbor:"dtype,omitempty"`
	Data   []float32 `cbor:"data,omitempty"`
	Half   []uint16  `cbor:"half,omitempty"`
}

// OpRequest asks for one operator invocation.
type OpRequest struct {
	ID      string                   `cbor:"id,omitempty"`
	Op      string                   `cbor:"op"`
	Inputs  map[string]TensorPayload `cbor:"inputs"`
	Outputs []string                 `cbor:"outputs,omitempty"`
	Attrs   map[string]any           `cbor:"attrs,omitempty"`
	Half    bool                     `cbor:"half,omitempty"`
}

// OpResponse carries the outputs of an invocation, or the error it raised.
type OpResponse struct {
	ID      string                   `cbor:"id,omitempty"`
	Op      string                   `cbor:"op,omitempty"`
	Outputs map[string]TensorPayload `cbor:"outputs,omitempty"`
	Error   string                   `cbor:"error,omitempty"`
}

// DefaultOutputs lists the outputs created for op when a request names none.
func DefaultOutputs(op string) []string {
	switch op {
	case batchnorm.OpBatchNorm:
		return []string{
			batchnorm.OutputY,
			batchnorm.OutputMeanOut,
			batchnorm.OutputVarianceOut,
			batchnorm.OutputSavedMean,
			batchnorm.OutputSavedVariance,
		}
	case batchnorm.OpBatchNormGrad:
		return []string{
			framework.GradVarName(batchnorm.InputX),
			framework.GradVarName(batchnorm.InputScale),
			framework.GradVarName(batchnorm.InputBias),
		}
	}
	return nil
}

// Values returns the float32 values of p, widening half payloads.
func (p TensorPayload) Values() []float32 {
	if p.DType == DTypeFloat16 {
		return DecodeHalf(p.Half)
	}
	return p.Data
}

// Tensor builds a DenseTensor from p.
func (p TensorPayload) Tensor() (*framework.DenseTensor, error) {
	t, err := framework.NewDenseTensor(p.Dims, p.Values())
	if err != nil {
		return nil, err
	}
	if p.Layout != "" {
		l, err := framework.ParseDataLayout(p.Layout)
		if err != nil {
			return nil, err
		}
		t.SetLayout(l)
	}
	return t, nil
}

// PayloadFromTensor encodes t. Tensors carrying a primitive descriptor are
// reported in the plain layout their format corresponds to.
func PayloadFromTensor(t *framework.DenseTensor, half bool) TensorPayload {
	p := TensorPayload{Dims: t.Dims(), Layout: t.Layout().String()}
	if t.Layout() == framework.LayoutONEDNN {
		p.Layout = framework.LayoutNCHW.String()
		if t.MemDesc().Format.ChannelsLast() {
			p.Layout = framework.LayoutNHWC.String()
		}
	}
	n := t.NumElements()
	data := t.Data()
	if len(data) > n {
		data = data[:n]
	}
	if half {
		p.DType = DTypeFloat16
		p.Half = EncodeHalf(data)
	} else {
		p.DType = DTypeFloat32
		p.Data = data
	}
	return p
}

// BuildContext turns req into an execution context on dev. Outputs are
// created empty.
func BuildContext(ctx context.Context, req *OpRequest, dev *framework.DeviceContext) (*framework.ExecutionContext, error) {
	ectx := framework.NewExecutionContext(ctx, dev)

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := req.Inputs[name].Tensor()
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		ectx.SetInput(name, t)
	}

	outputs := req.Outputs
	if len(outputs) == 0 {
		outputs = DefaultOutputs(req.Op)
	}
	for _, name := range outputs {
		ectx.SetOutput(name, framework.NewEmptyTensor())
	}
	for k, v := range req.Attrs {
		ectx.SetAttr(k, v)
	}
	return ectx, nil
}

// BuildResponse collects the initialized outputs of ectx.
func BuildResponse(req *OpRequest, ectx *framework.ExecutionContext) *OpResponse {
	resp := &OpResponse{ID: req.ID, Op: req.Op, Outputs: make(map[string]TensorPayload)}
	for _, name := range ectx.OutputNames() {
		t, err := ectx.Output(name)
		if err != nil || !t.IsInitialized() {
			continue
		}
		resp.Outputs[name] = PayloadFromTensor(t, req.Half)
	}
	return resp
}

// ErrorResponse reports err for req.
func ErrorResponse(req *OpRequest, err error) *OpResponse {
	return &OpResponse{ID: req.ID, Op: req.Op, Error: err.Error()}
}

// DecodeRequest reads one CBOR request from r.
func DecodeRequest(r io.Reader) (*OpRequest, error) {
	var req OpRequest
	if err := cbor.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Op == "" {
		return nil, fmt.Errorf("decode request: missing op")
	}
	return &req, nil
}

// EncodeRequest writes req as CBOR.
func EncodeRequest(w io.Writer, req *OpRequest) error {
	return cbor.NewEncoder(w).Encode(req)
}

// DecodeResponse reads one CBOR response from r.
func DecodeResponse(r io.Reader) (*OpResponse, error) {
	var resp OpResponse
	if err := cbor.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// EncodeResponse writes resp as CBOR.
func EncodeResponse(w io.Writer, resp *OpResponse) error {
	return cbor.NewEncoder(w).Encode(resp)
}
