package device

import (
	"math/bits"
	"runtime"
	"sync"
)

// ensure interface compliance
var _ Engine = (*CPUEngine)(nil)

// numWorkers defines the default parallelism for CPU primitives
var numWorkers = runtime.NumCPU()

// CPUEngine pools buffers in power-of-two capacity buckets. Bucket b holds
// buffers with capacity in [1<<b, 1<<(b+1)).
type CPUEngine struct {
	pools [bits.UintSize]sync.Pool
}

func NewCPUEngine() *CPUEngine {
	return &CPUEngine{}
}

// allocBucket is the smallest bucket whose buffers all hold n elements.
func allocBucket(n int) int {
	return bits.Len(uint(n - 1))
}

// freeBucket is the bucket a buffer of capacity c belongs to.
func freeBucket(c int) int {
	return bits.Len(uint(c)) - 1
}

func (e *CPUEngine) Name() string {
	return "CPU (" + blasBackend + ")"
}

func (e *CPUEngine) Kind() EngineKind {
	return KindCPU
}

func (e *CPUEngine) NewStream() *Stream {
	return newStream(e)
}

func (e *CPUEngine) Allocate(n int) []float32 {
	if n <= 0 {
		return []float32{}
	}
	b := allocBucket(n)
	bp, ok := e.pools[b].Get().(*[]float32)
	if !ok {
		poolMisses.Inc()
		return make([]float32, n, 1<<b)
	}
	buf := *bp
	poolBuffers.Dec()
	poolSizeBytes.Sub(float64(cap(buf) * 4))
	poolHits.Inc()

	buf = buf[:n]
	// Zero-initialize
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func (e *CPUEngine) Free(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	poolBuffers.Inc()
	poolSizeBytes.Add(float64(cap(buf) * 4))
	b := buf[:0]
	e.pools[freeBucket(cap(buf))].Put(&b)
}
