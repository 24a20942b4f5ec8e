package model

import (
	"math"

	"github.com/23skdu/longbow-babel/internal/device"
)

// LayerCache carries the per-layer key/value caches threaded through
// incremental decoding: the growing self-attention cache and the fixed
// cross-attention cache. Owned by one decode loop, discarded at the end.
type LayerCache struct {
	SelfAttn  *KVCache
	CrossAttn *KVCache
}

// DecoderLayer is one pre-norm residual block: causal incremental
// self-attention, cross-attention against the encoder output, then the
// feed-forward network.
type DecoderLayer struct {
	backend device.Backend

	SelfAttn             *Attention
	SelfAttnLayerNorm    *LayerNorm
	EncoderAttn          *Attention
	EncoderAttnLayerNorm *LayerNorm
	FC1                  *Linear
	FC2                  *Linear
	FinalLayerNorm       *LayerNorm

	activation string
}

func NewDecoderLayer(cfg *Config, backend device.Backend) (*DecoderLayer, error) {
	selfAttn, err := NewAttention(cfg.DModel, cfg.DecoderAttentionHeads, true, backend)
	if err != nil {
		return nil, err
	}
	encAttn, err := NewAttention(cfg.DModel, cfg.DecoderAttentionHeads, true, backend)
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{
		backend:              backend,
		SelfAttn:             selfAttn,
		SelfAttnLayerNorm:    NewLayerNorm(cfg.DModel, backend),
		EncoderAttn:          encAttn,
		EncoderAttnLayerNorm: NewLayerNorm(cfg.DModel, backend),
		FC1:                  NewLinear(cfg.DModel, cfg.DecoderFFNDim, true, backend),
		FC2:                  NewLinear(cfg.DecoderFFNDim, cfg.DModel, true, backend),
		FinalLayerNorm:       NewLayerNorm(cfg.DModel, backend),
		activation:           cfg.ActivationFunction,
	}, nil
}

// Forward runs one decoder block over the newly supplied positions and
// returns the updated hidden states plus the updated layer cache.
func (l *DecoderLayer) Forward(
	hidden device.Tensor,
	batch int,
	encoderHidden device.Tensor,
	selfMask, crossMask *AdditiveMask,
	cache *LayerCache,
) (device.Tensor, *LayerCache, error) {
	if cache == nil {
		cache = &LayerCache{}
	}

	residual := hidden
	x := hidden.Clone()
	l.SelfAttnLayerNorm.Forward(x)
	attnOut, selfPresent, err := l.SelfAttn.Forward(x, batch, nil, cache.SelfAttn, selfMask)
	if err != nil {
		return nil, nil, err
	}
	attnOut.Add(residual)
	updated := &LayerCache{SelfAttn: selfPresent, CrossAttn: cache.CrossAttn}

	if encoderHidden != nil {
		residual = attnOut
		y := attnOut.Clone()
		l.EncoderAttnLayerNorm.Forward(y)
		crossOut, crossPresent, err := l.EncoderAttn.Forward(y, batch, encoderHidden, cache.CrossAttn, crossMask)
		if err != nil {
			return nil, nil, err
		}
		crossOut.Add(residual)
		updated.CrossAttn = crossPresent
		l.backend.PutTensor(attnOut)
		attnOut = crossOut
	}

	residual = attnOut
	z := attnOut.Clone()
	l.FinalLayerNorm.Forward(z)
	ff := l.FC1.Forward(z)
	applyActivation(ff, l.activation)
	out := l.FC2.Forward(ff)
	out.Add(residual)

	l.backend.PutTensor(attnOut)
	l.backend.PutTensor(ff)

	return out, updated, nil
}

// Decoder stacks decoder layers and threads their caches across incremental
// calls. On each call it embeds only the unprocessed suffix of the target
// sequence; positional encodings are offset by the running cache length.
type Decoder struct {
	backend device.Backend
	cfg     *Config

	EmbedTokens    *Embedding
	EmbedPositions *SinusoidalEmbedding
	Layers         []*DecoderLayer
	LayerNorm      *LayerNorm

	embedScale float32
}

func NewDecoder(cfg *Config, shared *Embedding, backend device.Backend) (*Decoder, error) {
	layers := make([]*DecoderLayer, cfg.DecoderLayers)
	for i := range layers {
		layer, err := NewDecoderLayer(cfg, backend)
		if err != nil {
			return nil, err
		}
		layers[i] = layer
	}

	embedScale := float32(1.0)
	if cfg.ScaleEmbedding {
		embedScale = float32(math.Sqrt(float64(cfg.DModel)))
	}

	return &Decoder{
		backend:        backend,
		cfg:            cfg,
		EmbedTokens:    shared,
		EmbedPositions: NewSinusoidalEmbedding(cfg.DModel, backend),
		Layers:         layers,
		LayerNorm:      NewLayerNorm(cfg.DModel, backend),
		embedScale:     embedScale,
	}, nil
}

// Forward runs the decoder over inputIDs, the batch*newLen flattened ids of
// the not-yet-processed suffix. decoderMask covers every target position
// seen so far (cached plus new); encoderMask is the source padding mask kept
// from the encoder call. Returns hidden states for the new positions only
// and the updated per-layer caches.
func (d *Decoder) Forward(
	inputIDs []int,
	decoderMask []int,
	batch int,
	encoderHidden device.Tensor,
	encoderMask []int,
	caches []*LayerCache,
) (device.Tensor, []*LayerCache, error) {
	if batch <= 0 || len(inputIDs)%batch != 0 {
		return nil, nil, &ShapeError{
			Context:  "decoder input ids",
			Expected: []int{batch, -1},
			Actual:   []int{1, len(inputIDs)},
		}
	}
	newLen := len(inputIDs) / batch

	pastLen := 0
	if caches != nil && caches[0] != nil && caches[0].SelfAttn != nil {
		pastLen = caches[0].SelfAttn.SeqLen
	}

	hidden := d.EmbedTokens.Forward(inputIDs)
	hidden.Scale(d.embedScale)

	pos := d.EmbedPositions.Forward(batch, newLen, pastLen)
	hidden.Add(pos)

	if decoderMask != nil && len(decoderMask) != batch*(pastLen+newLen) {
		return nil, nil, &ShapeError{
			Context:  "decoder attention mask",
			Expected: []int{batch, pastLen + newLen},
			Actual:   []int{1, len(decoderMask)},
		}
	}

	// Causal bias over cached + new positions. With a single new token the
	// cache length already bounds what can be attended, but the seed call
	// processes several positions at once.
	selfMask := CausalMask(decoderMask, batch, newLen, pastLen)

	var crossMask *AdditiveMask
	if encoderHidden != nil && encoderMask != nil {
		encRows, _ := encoderHidden.Dims()
		crossMask = ExpandMask(encoderMask, batch, encRows/batch, newLen)
	}

	if caches == nil {
		caches = make([]*LayerCache, len(d.Layers))
	}
	if len(caches) != len(d.Layers) {
		return nil, nil, &ShapeError{
			Context:  "decoder layer caches",
			Expected: []int{len(d.Layers)},
			Actual:   []int{len(caches)},
		}
	}

	for i, layer := range d.Layers {
		next, updated, err := layer.Forward(hidden, batch, encoderHidden, selfMask, crossMask, caches[i])
		if err != nil {
			return nil, nil, err
		}
		hidden = next
		caches[i] = updated
	}

	d.LayerNorm.Forward(hidden)
	return hidden, caches, nil
}
