package framework

import (
	"context"

	"github.com/23skdu/longbow-norm/internal/device"
)

// GradVarName returns the name of the gradient variable for name.
func GradVarName(name string) string {
	return name + "@GRAD"
}

// DeviceContext binds an engine to kernel invocations.
type DeviceContext struct {
	engine device.Engine
}

func NewDeviceContext(engine device.Engine) *DeviceContext {
	return &DeviceContext{engine: engine}
}

func (d *DeviceContext) Engine() device.Engine {
	return d.engine
}

// Stream returns a stream owned by the calling invocation.
func (d *DeviceContext) Stream() *device.Stream {
	return d.engine.NewStream()
}

// ExecutionContext carries one operator invocation: its named inputs,
// outputs, attributes and device.
type ExecutionContext struct {
	ctx     context.Context
	dev     *DeviceContext
	inputs  map[string]*DenseTensor
	outputs map[string]*DenseTensor
	attrs   map[string]any
}

func NewExecutionContext(ctx context.Context, dev *DeviceContext) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ExecutionContext{
		ctx:     ctx,
		dev:     dev,
		inputs:  make(map[string]*DenseTensor),
		outputs: make(map[string]*DenseTensor),
		attrs:   make(map[string]any),
	}
}

func (c *ExecutionContext) Context() context.Context {
	return c.ctx
}

func (c *ExecutionContext) DeviceContext() *DeviceContext {
	return c.dev
}

func (c *ExecutionContext) SetInput(name string, t *DenseTensor) *ExecutionContext {
	c.inputs[name] = t
	return c
}

func (c *ExecutionContext) SetOutput(name string, t *DenseTensor) *ExecutionContext {
	c.outputs[name] = t
	return c
}

func (c *ExecutionContext) SetAttr(name string, v any) *ExecutionContext {
	c.attrs[name] = v
	return c
}

// Input returns the named input or a NotFound error.
func (c *ExecutionContext) Input(name string) (*DenseTensor, error) {
	t, ok := c.inputs[name]
	if !ok || t == nil {
		return nil, NotFound("input %q is not set", name)
	}
	return t, nil
}

// Output returns the named output or a NotFound error.
func (c *ExecutionContext) Output(name string) (*DenseTensor, error) {
	t, ok := c.outputs[name]
	if !ok || t == nil {
		return nil, NotFound("output %q is not set", name)
	}
	return t, nil
}

// OutputNames lists the outputs registered on the context.
func (c *ExecutionContext) OutputNames() []string {
	names := make([]string, 0, len(c.outputs))
	for n := range c.outputs {
		names = append(names, n)
	}
	return names
}

func (c *ExecutionContext) HasAttr(name string) bool {
	_, ok := c.attrs[name]
	return ok
}

// AttrFloat32 accepts any numeric attribute value.
func (c *ExecutionContext) AttrFloat32(name string) (float32, error) {
	v, ok := c.attrs[name]
	if !ok {
		return 0, NotFound("attribute %q is not set", name)
	}
	switch n := v.(type) {
	case float32:
		return n, nil
	case float64:
		return float32(n), nil
	case int:
		return float32(n), nil
	case int64:
		return float32(n), nil
	case uint64:
		return float32(n), nil
	}
	return 0, InvalidArgument("attribute %q must be a float, got %T", name, v)
}

func (c *ExecutionContext) AttrBool(name string) (bool, error) {
	v, ok := c.attrs[name]
	if !ok {
		return false, NotFound("attribute %q is not set", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, InvalidArgument("attribute %q must be a bool, got %T", name, v)
	}
	return b, nil
}

func (c *ExecutionContext) AttrString(name string) (string, error) {
	v, ok := c.attrs[name]
	if !ok {
		return "", NotFound("attribute %q is not set", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", InvalidArgument("attribute %q must be a string, got %T", name, v)
	}
	return s, nil
}

// Attrs returns a copy of the attributes.
func (c *ExecutionContext) Attrs() map[string]any {
	out := make(map[string]any, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}
