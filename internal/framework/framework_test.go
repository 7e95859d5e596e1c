package framework

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-norm/internal/device"
)

func TestError_Is(t *testing.T) {
	err := InvalidArgument("Dims of scale tensor must be 1, but received scale's size is %d", 2)

	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "(InvalidArgument) Dims of scale tensor must be 1, but received scale's size is 2", err.Error())

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidArgument, fe.Code)

	assert.ErrorIs(t, NotFound("x"), ErrNotFound)
	assert.ErrorIs(t, Unimplemented("x"), ErrUnimplemented)
	assert.ErrorIs(t, PreconditionNotMet("x"), ErrPreconditionNotMet)
}

func TestDenseTensor(t *testing.T) {
	t.Run("Length mismatch", func(t *testing.T) {
		_, err := NewDenseTensor([]int64{2, 3}, []float32{1, 2})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("MemDesc from layout", func(t *testing.T) {
		x, err := NewDenseTensor([]int64{2, 3, 4, 5}, nil)
		require.NoError(t, err)
		assert.Equal(t, 120, x.NumElements())
		assert.False(t, x.IsInitialized())
		assert.Equal(t, device.FormatNCHW, x.MemDesc().Format)

		x.SetLayout(LayoutNHWC)
		assert.Equal(t, device.FormatNHWC, x.MemDesc().Format)

		x.SetLayout(LayoutAny)
		assert.Equal(t, device.FormatAny, x.MemDesc().Format)
	})

	t.Run("SetMemDesc", func(t *testing.T) {
		y := NewEmptyTensor()
		md := device.NewMemoryDesc([]int64{2, 3}, device.Float32, device.FormatNC)
		y.SetMemDesc(md)

		assert.Equal(t, LayoutONEDNN, y.Layout())
		assert.Equal(t, []int64{2, 3}, y.Dims())
		assert.True(t, y.MemDesc().Equal(md))
	})

	t.Run("MutableData", func(t *testing.T) {
		y := NewEmptyTensor()
		data := y.MutableData(4)
		assert.Len(t, data, 4)
		assert.Equal(t, []int64{4}, y.Dims())

		data[0] = 7
		again := y.MutableData(4)
		assert.Equal(t, float32(7), again[0])

		grown := y.MutableData(8)
		assert.Len(t, grown, 8)
		assert.Equal(t, float32(7), grown[0])
	})
}

func TestParseDataLayout(t *testing.T) {
	cases := map[string]DataLayout{
		"NCHW":      LayoutNCHW,
		"kNCHW":     LayoutNCHW,
		"nhwc":      LayoutNHWC,
		"NDHWC":     LayoutNHWC,
		"AnyLayout": LayoutAny,
		"kMKLDNN":   LayoutONEDNN,
		"":          LayoutNCHW,
	}
	for in, want := range cases {
		got, err := ParseDataLayout(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDataLayout("HWCN")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestExecutionContext(t *testing.T) {
	dev := NewDeviceContext(device.NewCPUEngine())
	ctx := NewExecutionContext(context.Background(), dev)

	x, _ := NewDenseTensor([]int64{1, 2}, []float32{1, 2})
	ctx.SetInput("X", x).
		SetOutput("Y", NewEmptyTensor()).
		SetAttr("epsilon", 1e-5).
		SetAttr("is_test", true).
		SetAttr("data_layout", "NCHW").
		SetAttr("momentum", 1)

	got, err := ctx.Input("X")
	require.NoError(t, err)
	assert.Same(t, x, got)

	_, err = ctx.Input("Scale")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ctx.Output("Y")
	assert.NoError(t, err)
	_, err = ctx.Output(GradVarName("X"))
	assert.ErrorIs(t, err, ErrNotFound)

	eps, err := ctx.AttrFloat32("epsilon")
	require.NoError(t, err)
	assert.InDelta(t, 1e-5, eps, 1e-12)

	m, err := ctx.AttrFloat32("momentum")
	require.NoError(t, err)
	assert.Equal(t, float32(1), m)

	isTest, err := ctx.AttrBool("is_test")
	require.NoError(t, err)
	assert.True(t, isTest)

	_, err = ctx.AttrBool("epsilon")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ctx.AttrFloat32("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	layout, err := ctx.AttrString("data_layout")
	require.NoError(t, err)
	assert.Equal(t, "NCHW", layout)

	assert.True(t, ctx.HasAttr("is_test"))
	assert.False(t, ctx.HasAttr("fuse_with_relu"))
	assert.Equal(t, "X@GRAD", GradVarName("X"))
	assert.NotNil(t, ctx.DeviceContext().Stream())
}
