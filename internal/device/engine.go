package device

import (
	"fmt"
	"strings"
)

// EngineKind names an engine implementation.
type EngineKind string

const (
	KindCPU   EngineKind = "cpu"
	KindMetal EngineKind = "metal"
	KindCUDA  EngineKind = "cuda"
)

// Engine creates streams and owns device memory.
type Engine interface {
	Name() string
	Kind() EngineKind

	// NewStream returns an in-order stream bound to this engine.
	NewStream() *Stream

	// Allocate gets a zeroed buffer of n elements from the pool or creates a new one.
	Allocate(n int) []float32

	// Free returns a buffer to the pool.
	Free(buf []float32)
}

// NewEngine returns the engine for kind. Only the CPU engine is built in;
// GPU kinds return ErrUnsupportedEngine.
func NewEngine(kind string) (Engine, error) {
	switch EngineKind(strings.ToLower(kind)) {
	case KindCPU, "":
		return NewCPUEngine(), nil
	case KindMetal, KindCUDA:
		return nil, fmt.Errorf("%w: %s batch normalization kernels are not built into this binary", ErrUnsupportedEngine, kind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, kind)
	}
}
