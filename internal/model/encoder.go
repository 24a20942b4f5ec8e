package model

import (
	"math"

	"github.com/23skdu/longbow-babel/internal/device"
)

// EncoderLayer is one pre-norm residual block: self-attention followed by a
// two-layer feed-forward network.
type EncoderLayer struct {
	backend device.Backend

	SelfAttn          *Attention
	SelfAttnLayerNorm *LayerNorm
	FC1               *Linear
	FC2               *Linear
	FinalLayerNorm    *LayerNorm

	activation string
}

func NewEncoderLayer(cfg *Config, backend device.Backend) (*EncoderLayer, error) {
	attn, err := NewAttention(cfg.DModel, cfg.EncoderAttentionHeads, false, backend)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		backend:           backend,
		SelfAttn:          attn,
		SelfAttnLayerNorm: NewLayerNorm(cfg.DModel, backend),
		FC1:               NewLinear(cfg.DModel, cfg.EncoderFFNDim, true, backend),
		FC2:               NewLinear(cfg.EncoderFFNDim, cfg.DModel, true, backend),
		FinalLayerNorm:    NewLayerNorm(cfg.DModel, backend),
		activation:        cfg.ActivationFunction,
	}, nil
}

func (l *EncoderLayer) Forward(hidden device.Tensor, batch int, mask *AdditiveMask) (device.Tensor, error) {
	residual := hidden

	x := hidden.Clone()
	l.SelfAttnLayerNorm.Forward(x)
	attnOut, _, err := l.SelfAttn.Forward(x, batch, nil, nil, mask)
	if err != nil {
		return nil, err
	}
	attnOut.Add(residual)

	residual = attnOut
	y := attnOut.Clone()
	l.FinalLayerNorm.Forward(y)
	ff := l.FC1.Forward(y)
	applyActivation(ff, l.activation)
	out := l.FC2.Forward(ff)
	out.Add(residual)

	l.backend.PutTensor(attnOut)
	l.backend.PutTensor(ff)

	return out, nil
}

// Encoder stacks encoder layers over token and positional embeddings.
type Encoder struct {
	backend device.Backend
	cfg     *Config

	EmbedTokens    *Embedding
	EmbedPositions *SinusoidalEmbedding
	Layers         []*EncoderLayer
	LayerNorm      *LayerNorm

	embedScale float32
}

func NewEncoder(cfg *Config, shared *Embedding, backend device.Backend) (*Encoder, error) {
	layers := make([]*EncoderLayer, cfg.EncoderLayers)
	for i := range layers {
		layer, err := NewEncoderLayer(cfg, backend)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}

	embedScale := float32(1.0)
	if cfg.ScaleEmbedding {
		embedScale = float32(math.Sqrt(float64(cfg.DModel)))
	}

	return &Encoder{
		backend:        backend,
		cfg:            cfg,
		EmbedTokens:    shared,
		EmbedPositions: NewSinusoidalEmbedding(cfg.DModel, backend),
		Layers:         layers,
		LayerNorm:      NewLayerNorm(cfg.DModel, backend),
		embedScale:     embedScale,
	}, nil
}

// Forward embeds inputIDs [batch, seqLen] (flattened row-major), adds
// positional encodings at offset 0, and runs the layer stack. attnMask is
// the [batch, seqLen] padding mask (1 = real, 0 = pad); the additive bias is
// built once here and shared by every layer. Output is the [batch*seqLen,
// d_model] hidden states; the caller keeps the boolean mask for the
// decoder's cross-attention.
func (e *Encoder) Forward(inputIDs []int, attnMask []int, batch, seqLen int) (device.Tensor, error) {
	if len(inputIDs) != batch*seqLen {
		return nil, &ShapeError{
			Context:  "encoder input ids",
			Expected: []int{batch, seqLen},
			Actual:   []int{1, len(inputIDs)},
		}
	}

	hidden := e.EmbedTokens.Forward(inputIDs)
	hidden.Scale(e.embedScale)

	pos := e.EmbedPositions.Forward(batch, seqLen, 0)
	hidden.Add(pos)

	var mask *AdditiveMask
	if attnMask != nil {
		if len(attnMask) != batch*seqLen {
			return nil, &ShapeError{
				Context:  "encoder attention mask",
				Expected: []int{batch, seqLen},
				Actual:   []int{1, len(attnMask)},
			}
		}
		mask = ExpandMask(attnMask, batch, seqLen, seqLen)
	}

	for _, layer := range e.Layers {
		next, err := layer.Forward(hidden, batch, mask)
		if err != nil {
			return nil, err
		}
		hidden = next
	}

	e.LayerNorm.Forward(hidden)
	return hidden, nil
}
