package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-norm/internal/codec"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
)

var (
	requestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "norm_http_requests_total",
		Help: "The total number of operator requests served over HTTP",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "norm_http_request_duration_seconds",
		Help:    "Time spent serving operator requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	admissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "norm_http_admission_wait_seconds",
		Help:    "Time spent waiting for admission",
		Buckets: prometheus.DefBuckets,
	})
)

const requestIDHeader = "X-Request-ID"

type Executor interface {
	Execute(ctx context.Context, req *codec.OpRequest) (*codec.OpResponse, error)
}

type ForwarderInterface interface {
	Forward(ctx context.Context, resp *codec.OpResponse) error
}

type Server struct {
	exec      Executor
	forwarder ForwarderInterface
	builder   *codec.RecordBuilder
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxWeight int64
	half      bool
}

// NewServer admits at most maxConcurrent input elements at a time.
func NewServer(exec Executor, fwd ForwarderInterface, maxConcurrent int64, half bool) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	alloc := memory.NewGoAllocator()
	return &Server{
		exec:      exec,
		forwarder: fwd,
		builder:   codec.NewRecordBuilder(alloc),
		alloc:     alloc,
		sem:       semaphore.NewWeighted(maxConcurrent),
		maxWeight: maxConcurrent,
		half:      half,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/batch_norm", s.handleBatchNorm)
	mux.HandleFunc("/batch_norm/arrow", s.handleBatchNormArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, exec Executor, fwd ForwarderInterface, maxConcurrent int64, half bool) {
	srv := NewServer(exec, fwd, maxConcurrent, half)

	log.Info().Str("addr", addr).Int64("max_concurrent", maxConcurrent).Msg("Starting norm HTTP server")
	if fwd != nil {
		log.Info().Msg("Forwarding outputs to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("longbow-norm-server")

// weight is the number of X elements, clamped to the semaphore size so that
// oversized requests run alone instead of waiting forever.
func (s *Server) weight(req *codec.OpRequest) int64 {
	var n int64 = 1
	if x, ok := req.Inputs[batchnorm.InputX]; ok {
		for _, d := range x.Dims {
			n *= d
		}
	}
	if n < 1 {
		n = 1
	}
	if n > s.maxWeight {
		n = s.maxWeight
	}
	return n
}

// run executes req under admission control and forwards successful
// responses.
func (s *Server) run(ctx context.Context, req *codec.OpRequest) (*codec.OpResponse, error) {
	if s.half {
		req.Half = true
	}

	w := s.weight(req)
	waitStart := time.Now()
	if err := s.sem.Acquire(ctx, w); err != nil {
		return codec.ErrorResponse(req, err), err
	}
	admissionWait.Observe(time.Since(waitStart).Seconds())
	defer s.sem.Release(w)

	resp, err := s.exec.Execute(ctx, req)
	if err != nil {
		return resp, err
	}
	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, resp); err != nil {
			log.Error().Err(err).Str("id", req.ID).Msg("Error forwarding outputs to Longbow")
		}
	}
	return resp, nil
}

func requestID(r *http.Request, req *codec.OpRequest) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	if req != nil && req.ID != "" {
		return req.ID
	}
	return uuid.New().String()
}

// statusFor maps operator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, framework.ErrInvalidArgument), errors.Is(err, framework.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, framework.ErrUnimplemented):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleBatchNorm(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleBatchNorm", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("cbor").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := codec.DecodeRequest(r.Body)
	if err != nil {
		span.RecordError(err)
		requestsServed.WithLabelValues("cbor", "400").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	req.ID = requestID(r, req)
	w.Header().Set(requestIDHeader, req.ID)
	span.SetAttributes(attribute.String("op", req.Op), attribute.String("request_id", req.ID))

	resp, err := s.run(ctx, req)
	code := http.StatusOK
	if err != nil {
		span.RecordError(err)
		code = statusFor(err)
		log.Warn().Err(err).Str("id", req.ID).Str("op", req.Op).Int("status", code).Msg("Request failed")
	}
	requestsServed.WithLabelValues("cbor", fmt.Sprint(code)).Inc()

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(code)
	if err := codec.EncodeResponse(w, resp); err != nil {
		log.Error().Err(err).Str("id", req.ID).Msg("Failed to encode response")
	}
}

// handleBatchNormArrow takes an Arrow IPC stream holding one request record
// and answers with an IPC stream holding the response record.
func (s *Server) handleBatchNormArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleBatchNormArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		requestsServed.WithLabelValues("arrow", "400").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	if !reader.Next() {
		msg := "Empty Arrow stream"
		if reader.Err() != nil {
			msg = fmt.Sprintf("Error reading Arrow stream: %v", reader.Err())
		}
		requestsServed.WithLabelValues("arrow", "400").Inc()
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	req, err := codec.RecordToRequest(reader.Record())
	if err != nil {
		requestsServed.WithLabelValues("arrow", "400").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (Arrow decode): %v", err), http.StatusBadRequest)
		return
	}
	if reader.Next() {
		log.Warn().Str("op", req.Op).Msg("Arrow stream holds more than one record; extra records ignored")
	}
	req.ID = requestID(r, req)
	w.Header().Set(requestIDHeader, req.ID)
	span.SetAttributes(attribute.String("op", req.Op), attribute.String("request_id", req.ID))

	resp, err := s.run(ctx, req)
	code := http.StatusOK
	if err != nil {
		span.RecordError(err)
		code = statusFor(err)
		log.Warn().Err(err).Str("id", req.ID).Str("op", req.Op).Int("status", code).Msg("Request failed")
	}
	requestsServed.WithLabelValues("arrow", fmt.Sprint(code)).Inc()

	rec := s.builder.ResponseToRecord(resp)
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(code)
	if err := writeArrowStream(w, rec); err != nil {
		log.Error().Err(err).Str("id", req.ID).Msg("Failed to write arrow response")
	}
}

type healthStatus struct {
	Status           string  `json:"status"`
	Goroutines       int     `json:"goroutines"`
	MemUsedPercent   float64 `json:"mem_used_percent,omitempty"`
	MemAvailableByte uint64  `json:"mem_available_bytes,omitempty"`
	CPUPercent       float64 `json:"cpu_percent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{Status: "OK", Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		st.MemUsedPercent = vm.UsedPercent
		st.MemAvailableByte = vm.Available
	} else {
		log.Debug().Err(err).Msg("Host memory stats unavailable")
	}
	if pct, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}
