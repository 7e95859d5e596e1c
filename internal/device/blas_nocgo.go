//go:build !cgo

package device

// Without cgo blas32 keeps its pure Go implementation.
const blasBackend = "gonum"
