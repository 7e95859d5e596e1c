package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-norm/internal/codec"
)

// NormFlightServer runs operator requests received over DoExchange.
type NormFlightServer struct {
	flight.BaseFlightServer
	exec    Executor
	alloc   memory.Allocator
	builder *codec.RecordBuilder
	half    bool
}

func NewNormFlightServer(exec Executor, half bool) *NormFlightServer {
	alloc := memory.NewGoAllocator()
	return &NormFlightServer{
		exec:    exec,
		alloc:   alloc,
		builder: codec.NewRecordBuilder(alloc),
		half:    half,
	}
}

// DoExchange reads one request record and answers with one response record.
// Operator errors travel in the response metadata; only malformed streams
// fail the call.
func (s *NormFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to create record reader: %v", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return status.Errorf(codes.InvalidArgument, "reading exchange stream: %v", reader.Err())
		}
		return status.Error(codes.InvalidArgument, "exchange stream holds no record")
	}

	req, err := codec.RecordToRequest(reader.Record())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	if reader.Next() {
		return status.Error(codes.InvalidArgument, "exchange stream holds more than one record")
	}
	if s.half {
		req.Half = true
	}
	span.SetAttributes(attribute.String("op", req.Op), attribute.String("request_id", req.ID))

	resp, err := s.exec.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("id", req.ID).Str("op", req.Op).Msg("Exchange request failed")
	}

	rec := s.builder.ResponseToRecord(resp)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *NormFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, exec Executor, half bool) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewNormFlightServer(exec, half))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting norm Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
