package simd

import "math"

// Softmax applies softmax in-place to a row, subtracting the row max
// for numerical stability.
func Softmax(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// Gelu applies the tanh-approximated GELU in-place.
func Gelu(data []float32) {
	const (
		sqrt2overPi = 0.7978845608028654
		coeff       = 0.044715
	)
	for i, x := range data {
		x64 := float64(x)
		data[i] = float32(0.5 * x64 * (1 + math.Tanh(sqrt2overPi*(x64+coeff*x64*x64*x64))))
	}
}

// Relu applies max(0, x) in-place.
func Relu(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// Tanh applies tanh in-place.
func Tanh(data []float32) {
	for i, x := range data {
		data[i] = float32(math.Tanh(float64(x)))
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Argmax returns the index of the largest value in a row.
// Ties resolve to the lowest index.
func Argmax(row []float32) int {
	best := 0
	bestVal := row[0]
	for i, v := range row {
		if v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best
}
