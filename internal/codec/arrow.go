package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema metadata keys.
const (
	MetaID      = "id"
	MetaOp      = "op"
	MetaOutputs = "outputs"
	MetaError   = "error"
	MetaHalf    = "half"
	metaAttr    = "attr."
)

// TensorSchema returns the schema of a tensor record carrying md. Each row
// is one named tensor.
func TensorSchema(md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "name", Type: arrow.BinaryTypes.String},
			{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
			{Name: "layout", Type: arrow.BinaryTypes.String},
			{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		},
		md,
	)
}

// RecordBuilder creates Arrow records from tensor payloads.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &RecordBuilder{mem: mem}
}

// TensorsToRecord writes tensors in name order. Half payloads are widened.
func (b *RecordBuilder) TensorsToRecord(tensors map[string]TensorPayload, md arrow.Metadata) arrow.RecordBatch {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	nameB := array.NewStringBuilder(b.mem)
	defer nameB.Release()
	dimsB := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer dimsB.Release()
	layoutB := array.NewStringBuilder(b.mem)
	defer layoutB.Release()
	dataB := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer dataB.Release()

	dimsV := dimsB.ValueBuilder().(*array.Int64Builder)
	dataV := dataB.ValueBuilder().(*array.Float32Builder)

	for _, name := range names {
		p := tensors[name]
		nameB.Append(name)
		dimsB.Append(true)
		dimsV.AppendValues(p.Dims, nil)
		layoutB.Append(p.Layout)
		dataB.Append(true)
		dataV.AppendValues(p.Values(), nil)
	}

	cols := []arrow.Array{nameB.NewArray(), dimsB.NewArray(), layoutB.NewArray(), dataB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(TensorSchema(&md), cols, int64(len(names)))
}

// RecordToTensors reads the rows of rec back into payloads.
func RecordToTensors(rec arrow.RecordBatch) (map[string]TensorPayload, error) {
	schema := rec.Schema()
	col := func(name string) (arrow.Array, error) {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("record has no %q column", name)
		}
		return rec.Column(idx[0]), nil
	}

	nameCol, err := col("name")
	if err != nil {
		return nil, err
	}
	dimsCol, err := col("dims")
	if err != nil {
		return nil, err
	}
	layoutCol, err := col("layout")
	if err != nil {
		return nil, err
	}
	dataCol, err := col("data")
	if err != nil {
		return nil, err
	}

	names, ok := nameCol.(*array.String)
	if !ok {
		return nil, fmt.Errorf("name column is %s, want utf8", nameCol.DataType())
	}
	layouts, ok := layoutCol.(*array.String)
	if !ok {
		return nil, fmt.Errorf("layout column is %s, want utf8", layoutCol.DataType())
	}
	dimsList, ok := dimsCol.(*array.List)
	if !ok {
		return nil, fmt.Errorf("dims column is %s, want list<int64>", dimsCol.DataType())
	}
	dimsValues, ok := dimsList.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("dims values are %s, want int64", dimsList.ListValues().DataType())
	}
	dataList, ok := dataCol.(*array.List)
	if !ok {
		return nil, fmt.Errorf("data column is %s, want list<float32>", dataCol.DataType())
	}
	dataValues, ok := dataList.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("data values are %s, want float32", dataList.ListValues().DataType())
	}

	out := make(map[string]TensorPayload, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		ds, de := dimsList.ValueOffsets(i)
		vs, ve := dataList.ValueOffsets(i)

		dims := append([]int64(nil), dimsValues.Int64Values()[ds:de]...)
		data := append([]float32(nil), dataValues.Float32Values()[vs:ve]...)
		out[names.Value(i)] = TensorPayload{
			Dims:   dims,
			Layout: layouts.Value(i),
			DType:  DTypeFloat32,
			Data:   data,
		}
	}
	return out, nil
}

// RequestToRecord encodes req with its op, id, outputs and attributes in
// the schema metadata.
func (b *RecordBuilder) RequestToRecord(req *OpRequest) (arrow.RecordBatch, error) {
	keys := []string{MetaID, MetaOp, MetaOutputs, MetaHalf}
	values := []string{req.ID, req.Op, strings.Join(req.Outputs, ","), strconv.FormatBool(req.Half)}

	attrNames := make([]string, 0, len(req.Attrs))
	for k := range req.Attrs {
		attrNames = append(attrNames, k)
	}
	sort.Strings(attrNames)
	for _, k := range attrNames {
		v, err := encodeAttr(req.Attrs[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		keys = append(keys, metaAttr+k)
		values = append(values, v)
	}
	return b.TensorsToRecord(req.Inputs, arrow.NewMetadata(keys, values)), nil
}

// RecordToRequest decodes a record written by RequestToRecord.
func RecordToRequest(rec arrow.RecordBatch) (*OpRequest, error) {
	inputs, err := RecordToTensors(rec)
	if err != nil {
		return nil, err
	}
	req := &OpRequest{Inputs: inputs, Attrs: make(map[string]any)}

	md := rec.Schema().Metadata()
	for i, k := range md.Keys() {
		v := md.Values()[i]
		switch {
		case k == MetaID:
			req.ID = v
		case k == MetaOp:
			req.Op = v
		case k == MetaOutputs:
			if v != "" {
				req.Outputs = strings.Split(v, ",")
			}
		case k == MetaHalf:
			req.Half = v == "true"
		case strings.HasPrefix(k, metaAttr):
			a, err := decodeAttr(v)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", strings.TrimPrefix(k, metaAttr), err)
			}
			req.Attrs[strings.TrimPrefix(k, metaAttr)] = a
		}
	}
	if req.Op == "" {
		return nil, fmt.Errorf("record metadata has no %q key", MetaOp)
	}
	return req, nil
}

// ResponseToRecord encodes resp; errors travel in the metadata.
func (b *RecordBuilder) ResponseToRecord(resp *OpResponse) arrow.RecordBatch {
	md := arrow.NewMetadata(
		[]string{MetaID, MetaOp, MetaError},
		[]string{resp.ID, resp.Op, resp.Error},
	)
	return b.TensorsToRecord(resp.Outputs, md)
}

// RecordToResponse decodes a record written by ResponseToRecord.
func RecordToResponse(rec arrow.RecordBatch) (*OpResponse, error) {
	outputs, err := RecordToTensors(rec)
	if err != nil {
		return nil, err
	}
	resp := &OpResponse{Outputs: outputs}
	md := rec.Schema().Metadata()
	if i := md.FindKey(MetaID); i >= 0 {
		resp.ID = md.Values()[i]
	}
	if i := md.FindKey(MetaOp); i >= 0 {
		resp.Op = md.Values()[i]
	}
	if i := md.FindKey(MetaError); i >= 0 {
		resp.Error = md.Values()[i]
	}
	return resp, nil
}

// Attribute values are typed by a one-letter prefix: f, i, b or s.
func encodeAttr(v any) (string, error) {
	switch a := v.(type) {
	case float32:
		return "f:" + strconv.FormatFloat(float64(a), 'g', -1, 32), nil
	case float64:
		return "f:" + strconv.FormatFloat(a, 'g', -1, 64), nil
	case int:
		return "i:" + strconv.Itoa(a), nil
	case int64:
		return "i:" + strconv.FormatInt(a, 10), nil
	case uint64:
		return "i:" + strconv.FormatUint(a, 10), nil
	case bool:
		return "b:" + strconv.FormatBool(a), nil
	case string:
		return "s:" + a, nil
	}
	return "", fmt.Errorf("unsupported attribute type %T", v)
}

func decodeAttr(s string) (any, error) {
	kind, val, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed attribute %q", s)
	}
	switch kind {
	case "f":
		return strconv.ParseFloat(val, 64)
	case "i":
		return strconv.ParseInt(val, 10, 64)
	case "b":
		return strconv.ParseBool(val)
	case "s":
		return val, nil
	}
	return nil, fmt.Errorf("unknown attribute kind %q", kind)
}
