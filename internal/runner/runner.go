// Package runner executes operator requests on a pool of workers.
package runner

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-norm/internal/codec"
	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
)

// StreamResult is the outcome of the request at Offset. Err is set when the
// request failed or was cancelled; Response then carries the error text.
type StreamResult struct {
	Offset   int
	Response *codec.OpResponse
	Err      error
}

// Runner dispatches requests to workers. Each worker owns a DeviceContext.
type Runner struct {
	engine  device.Engine
	workers int
}

// New returns a runner with the given number of workers. A non-positive
// count uses one worker per CPU, capped at 16.
func New(engine device.Engine, workers int) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 16 {
			workers = 16
		}
	}
	return &Runner{engine: engine, workers: workers}
}

func (r *Runner) Workers() int {
	return r.workers
}

func (r *Runner) Engine() device.Engine {
	return r.engine
}

// Execute runs a single request on dev.
func Execute(ctx context.Context, dev *framework.DeviceContext, req *codec.OpRequest) (*codec.OpResponse, error) {
	kernel, err := batchnorm.Lookup(req.Op)
	if err != nil {
		return codec.ErrorResponse(req, err), err
	}
	ectx, err := codec.BuildContext(ctx, req, dev)
	if err != nil {
		return codec.ErrorResponse(req, err), err
	}
	if err := kernel.Compute(ectx); err != nil {
		return codec.ErrorResponse(req, err), err
	}
	return codec.BuildResponse(req, ectx), nil
}

// Execute runs req on a fresh DeviceContext.
func (r *Runner) Execute(ctx context.Context, req *codec.OpRequest) (*codec.OpResponse, error) {
	start := time.Now()
	resp, err := Execute(ctx, framework.NewDeviceContext(r.engine), req)
	observe(req, start, err)
	return resp, err
}

// Run executes reqs concurrently and streams results as they complete. The
// channel closes once every request has been answered or ctx is done.
// After cancellation, requests already handed to a worker report ctx.Err()
// and the rest are dropped.
func (r *Runner) Run(ctx context.Context, reqs []*codec.OpRequest) <-chan StreamResult {
	out := make(chan StreamResult, r.workers)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev := framework.NewDeviceContext(r.engine)
			for i := range jobs {
				req := reqs[i]
				var res StreamResult
				if err := ctx.Err(); err != nil {
					res = StreamResult{Offset: i, Response: codec.ErrorResponse(req, err), Err: err}
				} else {
					start := time.Now()
					resp, err := Execute(ctx, dev, req)
					observe(req, start, err)
					res = StreamResult{Offset: i, Response: resp, Err: err}
				}
				select {
				case out <- res:
				case <-ctx.Done():
				}
			}
		}()
	}

	go func() {
		defer close(out)
		defer wg.Wait()
		defer close(jobs)
		for i := range reqs {
			select {
			case jobs <- i:
				queueDepth.Set(float64(len(reqs) - i - 1))
			case <-ctx.Done():
				log.Warn().Err(ctx.Err()).Int("dispatched", i).Int("total", len(reqs)).Msg("Run cancelled")
				queueDepth.Set(0)
				return
			}
		}
	}()
	return out
}

func observe(req *codec.OpRequest, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	status := "ok"
	if err != nil {
		status = "error"
		log.Error().Err(err).Str("op", req.Op).Str("id", req.ID).Msg("Request failed")
	}
	requestsTotal.WithLabelValues(req.Op, status).Inc()
	requestDuration.WithLabelValues(req.Op).Observe(elapsed)

	if x, ok := req.Inputs[batchnorm.InputX]; ok && elapsed > 0 && err == nil {
		n := 1
		for _, d := range x.Dims {
			n *= int(d)
		}
		elementsProcessed.WithLabelValues(req.Op).Add(float64(n))
		throughput.WithLabelValues(req.Op).Set(float64(n) / elapsed)
	}
}
