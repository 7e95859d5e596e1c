package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-norm/internal/client"
	"github.com/23skdu/longbow-norm/internal/codec"
	"github.com/23skdu/longbow-norm/internal/device"
	"github.com/23skdu/longbow-norm/internal/framework"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
	"github.com/23skdu/longbow-norm/internal/params"
	"github.com/23skdu/longbow-norm/internal/runner"
)

var (
	engineKind    = flag.String("engine", "cpu", "Primitive engine (cpu)")
	paramsPath    = flag.String("params", "", "Path to a batch_norm parameter file (scale, bias, mean, variance) for demo and soak runs; servers take parameters from each request")
	channels      = flag.Int("channels", 16, "Number of channels (C)")
	batchSize     = flag.Int("batch", 8, "Batch size (N)")
	height        = flag.Int("height", 14, "Spatial height (H)")
	width         = flag.Int("width", 14, "Spatial width (W)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	requests      = flag.Int("requests", 32, "Requests per soak iteration")
	workers       = flag.Int("workers", 0, "Runner workers (0 = one per CPU)")
	serverAddr    = flag.String("server", "", "Longbow server address to forward outputs to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "norm_dataset", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int64("max-concurrent", 1<<24, "Maximum number of input elements processed concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	transportFmt  = flag.String("transport-fmt", "fp32", "Transport format for output tensors: 'fp32' (default) or 'fp16'")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	half := *transportFmt == "fp16"
	if !half && *transportFmt != "fp32" {
		log.Fatal().Str("transport_fmt", *transportFmt).Msg("Unknown transport format")
	}

	engine, err := device.NewEngine(*engineKind)
	if err != nil {
		log.Fatal().Err(err).Str("engine", *engineKind).Msg("Failed to create engine")
	}
	log.Info().Str("engine", engine.Name()).Msg("Engine ready")

	set := params.Default(*channels)
	if *paramsPath != "" {
		if set, err = params.Load(*paramsPath, *channels); err != nil {
			log.Fatal().Err(err).Msg("Failed to load params")
		}
	}

	r := runner.New(engine, *workers)

	var fwd ForwarderInterface
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding outputs to Longbow")
		fwd = client.NewForwarder(fc, client.NewCircuitBreaker(5, 30*time.Second), *datasetName, memory.NewGoAllocator())
	}

	if *listenAddr != "" {
		go startServer(*listenAddr, r, fwd, *maxConcurrent, half)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, r, half)
		return
	}

	dims := []int64{int64(*batchSize), int64(*channels), int64(*height), int64(*width)}

	if *duration > 0 {
		soak(r, fwd, set, dims)
		return
	}

	demo(r, fwd, set, dims, half)
}

// soak repeatedly runs batches of synthetic training requests.
func soak(r *runner.Runner, fwd ForwarderInterface, set *params.Set, dims []int64) {
	log.Info().Str("duration", duration.String()).Ints64("dims", dims).Int("workers", r.Workers()).Msg("Starting soak test")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	startTime := time.Now()
	var total, failed int64
	iter := 0
	for ctx.Err() == nil {
		reqs := runner.GenerateInputs(*requests, dims, set, int64(iter))
		for res := range r.Run(ctx, reqs) {
			if res.Err != nil {
				failed++
				continue
			}
			total++
			if fwd != nil {
				if err := fwd.Forward(ctx, res.Response); err != nil {
					log.Warn().Err(err).Msg("Forward failed")
				}
			}
		}
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_requests", total).
				Float64("rps", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	p := message.NewPrinter(language.English)
	log.Info().
		Int64("total_requests", total).
		Int64("failed", failed).
		Dur("total_time", totalElapsed).
		Str("avg_elements_per_sec", p.Sprintf("%.0f", float64(total)*float64(elements(dims))/totalElapsed.Seconds())).
		Msg("Soak test complete")
}

// demo runs one forward and one backward pass on random data.
func demo(r *runner.Runner, fwd ForwarderInterface, set *params.Set, dims []int64, half bool) {
	ctx := context.Background()
	n := elements(dims)

	req := runner.ForwardRequest("demo", dims, runner.RandomValues(n, 1), set, false)
	req.Half = half

	start := time.Now()
	resp, err := r.Execute(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("batch_norm failed")
	}
	fwdElapsed := time.Since(start)

	grad, err := runner.GradRequest(req, resp, runner.RandomValues(n, 2))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build gradient request")
	}
	start = time.Now()
	gresp, err := r.Execute(ctx, grad)
	if err != nil {
		log.Fatal().Err(err).Msg("batch_norm_grad failed")
	}
	bwdElapsed := time.Since(start)

	p := message.NewPrinter(language.English)
	_, _ = p.Fprintf(os.Stderr, "batch_norm      %v: %d elements in %v (%.0f elements/s)\n",
		dims, n, fwdElapsed, float64(n)/fwdElapsed.Seconds())
	_, _ = p.Fprintf(os.Stderr, "batch_norm_grad %v: %d elements in %v (%.0f elements/s)\n",
		dims, n, bwdElapsed, float64(n)/bwdElapsed.Seconds())
	if m, ok := resp.Outputs[batchnorm.OutputSavedMean]; ok {
		_, _ = p.Fprintf(os.Stderr, "saved mean      %v\n", m.Values())
	}
	if g, ok := gresp.Outputs[framework.GradVarName(batchnorm.InputScale)]; ok {
		_, _ = p.Fprintf(os.Stderr, "scale gradient  %v\n", g.Values())
	}

	if fwd != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, resp); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent outputs to Longbow")
		return
	}

	rec := codec.NewRecordBuilder(memory.NewGoAllocator()).ResponseToRecord(resp)
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func elements(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-norm"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
