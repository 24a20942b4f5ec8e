package model

import (
	"github.com/23skdu/longbow-babel/internal/device"
)

// maskValue is the additive bias applied to masked attention scores. Large
// enough to zero the position out after softmax, small enough to stay finite
// in float32.
const maskValue = float32(-1e9)

// AdditiveMask is an attention bias of logical shape [batch, 1, tgtLen,
// srcLen]: zero where attention is allowed, maskValue where it is not. It is
// broadcast over heads when added to attention scores.
type AdditiveMask struct {
	Batch  int
	TgtLen int
	SrcLen int
	data   []float32
}

// ExpandMask builds the additive padding bias from a [batch, srcLen]
// attention mask (1 = real token, 0 = padding), broadcast over tgtLen query
// positions. Built once per encoder call and reused by every layer.
func ExpandMask(mask []int, batch, srcLen, tgtLen int) *AdditiveMask {
	m := &AdditiveMask{
		Batch:  batch,
		TgtLen: tgtLen,
		SrcLen: srcLen,
		data:   make([]float32, batch*tgtLen*srcLen),
	}
	for b := 0; b < batch; b++ {
		for s := 0; s < srcLen; s++ {
			if mask[b*srcLen+s] != 0 {
				continue
			}
			for t := 0; t < tgtLen; t++ {
				m.data[(b*tgtLen+t)*srcLen+s] = maskValue
			}
		}
	}
	return m
}

// CausalMask builds the decoder self-attention bias for tgtLen newly supplied
// positions following pastLen cached ones: query t may attend to cached
// positions and to new positions up to and including itself. The optional
// padMask covers all pastLen+tgtLen key positions and is folded in when
// present.
func CausalMask(padMask []int, batch, tgtLen, pastLen int) *AdditiveMask {
	srcLen := pastLen + tgtLen
	m := &AdditiveMask{
		Batch:  batch,
		TgtLen: tgtLen,
		SrcLen: srcLen,
		data:   make([]float32, batch*tgtLen*srcLen),
	}
	for b := 0; b < batch; b++ {
		for t := 0; t < tgtLen; t++ {
			row := m.data[(b*tgtLen+t)*srcLen : (b*tgtLen+t+1)*srcLen]
			for s := 0; s < srcLen; s++ {
				if s > pastLen+t {
					row[s] = maskValue
				} else if padMask != nil && padMask[b*srcLen+s] == 0 {
					row[s] = maskValue
				}
			}
		}
	}
	return m
}

// addTo adds the bias rows of batch element b to a [tgtLen, srcLen] score
// tensor. The same rows serve every head of that batch element.
func (m *AdditiveMask) addTo(scores device.Tensor, b int) {
	for t := 0; t < m.TgtLen; t++ {
		row := m.data[(b*m.TgtLen+t)*m.SrcLen : (b*m.TgtLen+t+1)*m.SrcLen]
		for s, v := range row {
			if v != 0 {
				scores.Set(t, s, scores.At(t, s)+v)
			}
		}
	}
}
