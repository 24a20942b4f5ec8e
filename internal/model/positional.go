package model

import (
	"math"

	"github.com/23skdu/longbow-babel/internal/device"
)

// SinusoidalEmbedding produces fixed (non-learned) positional encodings.
// Even embedding indices use sine and odd indices use cosine of
// position / 10000^(2i/dim). The output is a pure function of shape and
// offset, so incremental decoding at offset k reproduces exactly the slice
// [k, k+n) of a full-sequence encoding.
type SinusoidalEmbedding struct {
	backend device.Backend
	dim     int
}

func NewSinusoidalEmbedding(dim int, backend device.Backend) *SinusoidalEmbedding {
	return &SinusoidalEmbedding{backend: backend, dim: dim}
}

// Forward returns a [batch*seqLen, dim] tensor of position encodings where
// the position index of row (b, s) is offset + s. The offset is the number
// of previously generated positions during incremental decoding.
func (p *SinusoidalEmbedding) Forward(batch, seqLen, offset int) device.Tensor {
	data := make([]float32, batch*seqLen*p.dim)

	// One sequence worth of encodings, replicated across the batch.
	row := make([]float32, seqLen*p.dim)
	for s := 0; s < seqLen; s++ {
		pos := float64(offset + s)
		for j := 0; j < p.dim; j++ {
			pair := j / 2
			angle := pos / math.Pow(10000, float64(2*pair)/float64(p.dim))
			if j%2 == 0 {
				row[s*p.dim+j] = float32(math.Sin(angle))
			} else {
				row[s*p.dim+j] = float32(math.Cos(angle))
			}
		}
	}
	for b := 0; b < batch; b++ {
		copy(data[b*seqLen*p.dim:], row)
	}

	return p.backend.NewTensor(batch*seqLen, p.dim, data)
}
