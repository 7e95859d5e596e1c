//go:build cgo

package device

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// With cgo the channel reductions (sdot, saxpy, sscal) run on the system
// BLAS: Accelerate on macOS, OpenBLAS on Linux.
const blasBackend = "netlib"

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("blas", blasBackend).Msg("Native BLAS registered for batch norm reductions")
}
