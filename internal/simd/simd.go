package simd

// Sum returns the sum of a float32 vector.
// Accumulates in float64 so long channels do not drift.
func Sum(data []float32) float32 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i <= len(data)-4; i += 4 {
		s0 += float64(data[i])
		s1 += float64(data[i+1])
		s2 += float64(data[i+2])
		s3 += float64(data[i+3])
	}
	for ; i < len(data); i++ {
		s0 += float64(data[i])
	}
	return float32(s0 + s1 + s2 + s3)
}

// SubScalar performs dst = src - val
func SubScalar(dst, src []float32, val float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = src[i] - val
		dst[i+1] = src[i+1] - val
		dst[i+2] = src[i+2] - val
		dst[i+3] = src[i+3] - val
	}
	for ; i < len(dst); i++ {
		dst[i] = src[i] - val
	}
}

// ScaleShift performs dst = src * scale + shift
func ScaleShift(dst, src []float32, scale, shift float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = src[i]*scale + shift
		dst[i+1] = src[i+1]*scale + shift
		dst[i+2] = src[i+2]*scale + shift
		dst[i+3] = src[i+3]*scale + shift
	}
	for ; i < len(dst); i++ {
		dst[i] = src[i]*scale + shift
	}
}

// ReLU clamps negative values to zero in-place.
func ReLU(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}
