package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-norm/internal/codec"
)

// ErrCircuitOpen is returned while the breaker rejects sends.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Putter uploads a record to a dataset.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Forwarder ships operator responses to a dataset, guarded by a breaker.
type Forwarder struct {
	putter  Putter
	breaker *CircuitBreaker
	dataset string
	builder *codec.RecordBuilder
}

func NewForwarder(p Putter, breaker *CircuitBreaker, dataset string, mem memory.Allocator) *Forwarder {
	return &Forwarder{
		putter:  p,
		breaker: breaker,
		dataset: dataset,
		builder: codec.NewRecordBuilder(mem),
	}
}

// Forward encodes resp as a tensor record and uploads it. Responses that
// carry an error are not forwarded.
func (f *Forwarder) Forward(ctx context.Context, resp *codec.OpResponse) error {
	if resp.Error != "" || len(resp.Outputs) == 0 {
		return nil
	}
	if !f.breaker.Allow() {
		forwardedRecords.WithLabelValues("skipped").Inc()
		return ErrCircuitOpen
	}

	rec := f.builder.ResponseToRecord(resp)
	defer rec.Release()

	if err := f.putter.DoPut(ctx, f.dataset, rec); err != nil {
		f.breaker.Failure()
		forwardedRecords.WithLabelValues("error").Inc()
		return fmt.Errorf("forward %s to %s: %w", resp.ID, f.dataset, err)
	}
	f.breaker.Success()
	forwardedRecords.WithLabelValues("ok").Inc()
	return nil
}
