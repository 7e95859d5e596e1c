//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-norm/internal/client"
	"github.com/23skdu/longbow-norm/internal/codec"
	"github.com/23skdu/longbow-norm/internal/operators/batchnorm"
	"github.com/23skdu/longbow-norm/internal/params"
	"github.com/23skdu/longbow-norm/internal/runner"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to norm Flight server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	dims := []int64{4, 8, 7, 7}
	n := 4 * 8 * 7 * 7
	req := runner.ForwardRequest("verify", dims, runner.RandomValues(n, 1), params.Default(8), false)

	rec, err := codec.NewRecordBuilder(memory.NewGoAllocator()).RequestToRecord(req)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode request")
	}
	defer rec.Release()

	start := time.Now()
	out, err := c.DoExchange(context.Background(), rec)
	if err != nil {
		log.Fatal().Err(err).Msg("DoExchange failed")
	}
	defer out.Release()
	log.Info().Dur("elapsed", time.Since(start)).Msg("Received response")

	resp, err := codec.RecordToResponse(out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode response")
	}
	if resp.Error != "" {
		log.Fatal().Str("error", resp.Error).Msg("Server reported an error")
	}

	y := resp.Outputs[batchnorm.OutputY].Data
	if len(y) != n {
		log.Fatal().Int("expected", n).Int("got", len(y)).Msg("Output size mismatch")
	}

	// Identity scale and zero shift leave every channel with zero mean.
	hw := 7 * 7
	for ch := 0; ch < 8; ch++ {
		var sum float64
		for b := 0; b < 4; b++ {
			for _, v := range y[(b*8+ch)*hw : (b*8+ch+1)*hw] {
				sum += float64(v)
			}
		}
		if math.Abs(sum/float64(4*hw)) > 1e-4 {
			log.Fatal().Int("channel", ch).Float64("mean", sum/float64(4*hw)).Msg("Channel not normalized")
		}
		log.Info().Int("channel", ch).Msg("Channel valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
