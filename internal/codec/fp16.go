package codec

import (
	"math"

	"github.com/x448/float16"
)

// maxHalf is the largest finite binary16 value.
const maxHalf = 65504

// Float32ToFloat16 converts f to IEEE 754 binary16 bits, rounding to nearest
// even. NaN and Inf are preserved; finite values beyond the half range
// saturate to ±65504 instead of overflowing to Inf.
func Float32ToFloat16(f float32) uint16 {
	if !math.IsInf(float64(f), 0) {
		if f > maxHalf {
			f = maxHalf
		} else if f < -maxHalf {
			f = -maxHalf
		}
	}
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 widens binary16 bits. The conversion is exact.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// EncodeHalf converts a float32 slice to binary16.
func EncodeHalf(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = Float32ToFloat16(v)
	}
	return out
}

// DecodeHalf converts binary16 values back to float32.
func DecodeHalf(src []uint16) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = Float16ToFloat32(v)
	}
	return out
}
