package model

import (
	"math"

	"github.com/23skdu/longbow-babel/internal/device"
)

// KVCache holds the projected key/value states of one attention module,
// flattened [batch*SeqLen, d_model]. For self-attention the sequence axis
// grows as decoding proceeds; for cross-attention it is computed once and
// reused verbatim since the encoder output never changes across steps.
type KVCache struct {
	Key    device.Tensor
	Value  device.Tensor
	SeqLen int
}

// Attention is multi-head scaled dot-product attention with q/k/v/out
// projections. A single module serves self-attention (keyValue nil),
// cross-attention (keyValue = encoder hidden states), and single-step
// incremental decoding via the KVCache.
type Attention struct {
	backend   device.Backend
	embedDim  int
	numHeads  int
	headDim   int
	scaling   float32
	isDecoder bool

	QProj   *Linear
	KProj   *Linear
	VProj   *Linear
	OutProj *Linear
}

func NewAttention(embedDim, numHeads int, isDecoder bool, backend device.Backend) (*Attention, error) {
	if embedDim%numHeads != 0 {
		return nil, &ConfigError{
			Field:  "attention heads",
			Detail: "embed dim must be divisible by head count",
		}
	}
	headDim := embedDim / numHeads
	return &Attention{
		backend:   backend,
		embedDim:  embedDim,
		numHeads:  numHeads,
		headDim:   headDim,
		scaling:   float32(1.0 / math.Sqrt(float64(headDim))),
		isDecoder: isDecoder,
		QProj:     NewLinear(embedDim, embedDim, true, backend),
		KProj:     NewLinear(embedDim, embedDim, true, backend),
		VProj:     NewLinear(embedDim, embedDim, true, backend),
		OutProj:   NewLinear(embedDim, embedDim, true, backend),
	}, nil
}

// Forward computes attention over hidden [batch*tgtLen, embedDim].
//
// keyValue selects the mode: nil for self-attention, encoder hidden states
// for cross-attention. past is the cache from the previous decode step.
// For cross-attention a cache whose key length already matches the source
// length is reused without reprojection. For self-attention with a cache,
// only the newly supplied positions are projected and concatenated onto the
// cached key/value along the sequence axis.
//
// When the module belongs to a decoder layer the updated cache is returned;
// the caller persists it across decode steps.
func (a *Attention) Forward(hidden device.Tensor, batch int, keyValue device.Tensor, past *KVCache, mask *AdditiveMask) (device.Tensor, *KVCache, error) {
	rows, cols := hidden.Dims()
	if cols != a.embedDim || batch <= 0 || rows%batch != 0 {
		return nil, nil, &ShapeError{
			Context:  "attention input",
			Expected: []int{batch, -1, a.embedDim},
			Actual:   []int{batch, rows / max(batch, 1), cols},
		}
	}
	tgtLen := rows / batch
	isCross := keyValue != nil

	query := a.QProj.Forward(hidden)

	var key, value device.Tensor
	cacheReused := false
	switch {
	case isCross && past != nil && sameCrossLength(past, keyValue, batch):
		// Encoder output is fixed for the whole generation, so a complete
		// cross-attention cache never needs extension.
		key, value = past.Key, past.Value
		cacheReused = true
	case isCross:
		key = a.KProj.Forward(keyValue)
		value = a.VProj.Forward(keyValue)
	case past != nil:
		newKey := a.KProj.Forward(hidden)
		newValue := a.VProj.Forward(hidden)
		key = concatSeq(a.backend, past.Key, newKey, batch, past.SeqLen, tgtLen)
		value = concatSeq(a.backend, past.Value, newValue, batch, past.SeqLen, tgtLen)
		a.backend.PutTensor(newKey)
		a.backend.PutTensor(newValue)
	default:
		key = a.KProj.Forward(hidden)
		value = a.VProj.Forward(hidden)
	}

	keyRows, _ := key.Dims()
	srcLen := keyRows / batch

	var present *KVCache
	if a.isDecoder {
		present = &KVCache{Key: key, Value: value, SeqLen: srcLen}
	}

	if mask != nil {
		if mask.Batch != batch || mask.TgtLen != tgtLen || mask.SrcLen != srcLen {
			return nil, nil, &ShapeError{
				Context:  "attention mask",
				Expected: []int{batch, 1, tgtLen, srcLen},
				Actual:   []int{mask.Batch, 1, mask.TgtLen, mask.SrcLen},
			}
		}
	}

	out := a.backend.GetTensor(rows, a.embedDim)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.numHeads; h++ {
			c0 := h * a.headDim
			c1 := c0 + a.headDim

			qbh := query.Slice(b*tgtLen, (b+1)*tgtLen, c0, c1)
			kbh := key.Slice(b*srcLen, (b+1)*srcLen, c0, c1)
			vbh := value.Slice(b*srcLen, (b+1)*srcLen, c0, c1)

			scores := a.backend.GetTensor(tgtLen, srcLen)
			scores.Mul(qbh, kbh.T())
			scores.Scale(a.scaling)

			if sr, sc := scores.Dims(); sr != tgtLen || sc != srcLen {
				return nil, nil, &ShapeError{
					Context:  "attention scores",
					Expected: []int{batch * a.numHeads, tgtLen, srcLen},
					Actual:   []int{batch * a.numHeads, sr, sc},
				}
			}

			if mask != nil {
				mask.addTo(scores, b)
			}
			scores.Softmax()

			ctx := a.backend.GetTensor(tgtLen, a.headDim)
			ctx.Mul(scores, vbh)
			out.SetSubmatrix(b*tgtLen, c0, ctx)

			a.backend.PutTensor(scores)
			a.backend.PutTensor(ctx)
		}
	}

	final := a.OutProj.Forward(out)

	a.backend.PutTensor(query)
	a.backend.PutTensor(out)
	// key/value live on in the returned cache for decoder modules; encoder
	// self-attention can recycle them immediately.
	if present == nil && !cacheReused {
		a.backend.PutTensor(key)
		a.backend.PutTensor(value)
	}

	return final, present, nil
}

func sameCrossLength(past *KVCache, keyValue device.Tensor, batch int) bool {
	kvRows, _ := keyValue.Dims()
	return past.SeqLen*batch == kvRows
}

// concatSeq concatenates two [batch*len, dim] tensors along the per-batch
// sequence axis, producing [batch*(oldLen+newLen), dim].
func concatSeq(backend device.Backend, old, new device.Tensor, batch, oldLen, newLen int) device.Tensor {
	_, dim := old.Dims()
	total := oldLen + newLen
	out := backend.NewTensor(batch*total, dim, nil)
	for b := 0; b < batch; b++ {
		out.SetSubmatrix(b*total, 0, old.Slice(b*oldLen, (b+1)*oldLen, 0, dim))
		out.SetSubmatrix(b*total+oldLen, 0, new.Slice(b*newLen, (b+1)*newLen, 0, dim))
	}
	return out
}
