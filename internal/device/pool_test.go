package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPUEngine_PoolMetrics(t *testing.T) {
	engine := NewCPUEngine()

	// Metrics are global, so we track deltas
	startMisses := getMetricValue(poolMisses)

	// Fresh engine pool is empty: the first allocation is a miss.
	buf := engine.Allocate(1024)
	if len(buf) != 1024 {
		t.Fatalf("Allocate returned %d elements, want 1024", len(buf))
	}
	if miss := getMetricValue(poolMisses); miss-startMisses != 1 {
		t.Errorf("Expected 1 miss, got %v", miss-startMisses)
	}

	buf[0] = 42
	engine.Free(buf)

	// sync.Pool may drop entries, so a hit is not guaranteed; the buffer must
	// come back zeroed either way.
	buf2 := engine.Allocate(512)
	if len(buf2) != 512 {
		t.Fatalf("Allocate returned %d elements, want 512", len(buf2))
	}
	if buf2[0] != 0 {
		t.Errorf("Pooled buffer not zeroed: got %f", buf2[0])
	}
}

func TestCPUEngine_Buckets(t *testing.T) {
	tests := []struct {
		n, alloc int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{1000, 10},
		{1024, 10},
		{1025, 11},
	}
	for _, tt := range tests {
		if got := allocBucket(tt.n); got != tt.alloc {
			t.Errorf("allocBucket(%d) = %d, want %d", tt.n, got, tt.alloc)
		}
		// Every buffer in the chosen bucket can hold n elements.
		if 1<<tt.alloc < tt.n {
			t.Errorf("bucket %d too small for %d", tt.alloc, tt.n)
		}
	}
	if got := freeBucket(1024); got != 10 {
		t.Errorf("freeBucket(1024) = %d, want 10", got)
	}
	if got := freeBucket(1500); got != 10 {
		t.Errorf("freeBucket(1500) = %d, want 10", got)
	}

	engine := NewCPUEngine()
	buf := engine.Allocate(1000)
	if len(buf) != 1000 || cap(buf) != 1024 {
		t.Fatalf("Allocate(1000) returned len %d cap %d, want 1000/1024", len(buf), cap(buf))
	}
	engine.Free(buf)

	// A smaller request in the same bucket may reuse it; a larger one never
	// gets a buffer that is too short.
	small := engine.Allocate(600)
	if len(small) != 600 || cap(small) < 600 {
		t.Errorf("Allocate(600) returned len %d cap %d", len(small), cap(small))
	}
	big := engine.Allocate(1025)
	if len(big) != 1025 {
		t.Errorf("Allocate(1025) returned len %d", len(big))
	}
	if got := engine.Allocate(0); len(got) != 0 {
		t.Errorf("Allocate(0) returned %d elements", len(got))
	}
}
