package model

import (
	"github.com/23skdu/longbow-babel/internal/device"
)

// Linear is a dense projection y = x*W + b. Weight is stored [in, out] so the
// forward pass is a single row-major matmul over flattened [batch*seq, in]
// activations.
type Linear struct {
	backend device.Backend
	Weight  device.Tensor
	Bias    device.Tensor // nil when the projection carries no bias
}

func NewLinear(in, out int, bias bool, backend device.Backend) *Linear {
	l := &Linear{
		backend: backend,
		Weight:  backend.NewTensor(in, out, nil),
	}
	if bias {
		l.Bias = backend.NewTensor(1, out, nil)
	}
	return l
}

func (l *Linear) Forward(x device.Tensor) device.Tensor {
	r, _ := x.Dims()
	_, out := l.Weight.Dims()

	y := l.backend.GetTensor(r, out)
	y.Mul(x, l.Weight)
	if l.Bias != nil {
		y.AddBias(l.Bias)
	}
	return y
}

// LayerNorm implements layer normalization over the hidden axis.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   1e-5,
	}
}

// Forward normalizes in-place and returns the input for chaining. Callers
// that need the pre-norm residual must Clone first.
func (l *LayerNorm) Forward(x device.Tensor) device.Tensor {
	x.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return x
}

// Embedding is a token-id lookup table of shape [vocab, dim].
type Embedding struct {
	Weight device.Tensor
}

func NewEmbedding(vocab, dim int, backend device.Backend) *Embedding {
	return &Embedding{Weight: backend.NewTensor(vocab, dim, nil)}
}

func (e *Embedding) Forward(ids []int) device.Tensor {
	return e.Weight.Gather(ids)
}

// applyActivation dispatches the configured FFN activation.
func applyActivation(t device.Tensor, kind string) {
	switch kind {
	case "relu":
		t.Relu()
	default:
		t.Gelu()
	}
}
