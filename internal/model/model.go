package model

import (
	"github.com/23skdu/longbow-babel/internal/device"
)

// Model is the encoder-decoder body with the token embedding table shared
// between both sides.
type Model struct {
	Config  *Config
	backend device.Backend

	Shared  *Embedding
	Encoder *Encoder
	Decoder *Decoder
}

func NewModel(cfg *Config, backend device.Backend) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shared := NewEmbedding(cfg.VocabSize, cfg.DModel, backend)

	encoder, err := NewEncoder(cfg, shared, backend)
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoder(cfg, shared, backend)
	if err != nil {
		return nil, err
	}

	return &Model{
		Config:  cfg,
		backend: backend,
		Shared:  shared,
		Encoder: encoder,
		Decoder: decoder,
	}, nil
}

// ForConditionalGeneration wraps the encoder-decoder body with the
// vocabulary projection head used for generation.
type ForConditionalGeneration struct {
	Config  *Config
	Model   *Model
	LMHead  *Linear // bias-free d_model -> vocab projection
	backend device.Backend
}

func NewForConditionalGeneration(cfg *Config, backend device.Backend) (*ForConditionalGeneration, error) {
	body, err := NewModel(cfg, backend)
	if err != nil {
		return nil, err
	}
	return &ForConditionalGeneration{
		Config:  cfg,
		Model:   body,
		LMHead:  NewLinear(cfg.DModel, cfg.VocabSize, false, backend),
		backend: backend,
	}, nil
}

// Encode runs the encoder over a padded batch of token ids.
func (m *ForConditionalGeneration) Encode(inputIDs, attnMask []int, batch, seqLen int) (device.Tensor, error) {
	return m.Model.Encoder.Forward(inputIDs, attnMask, batch, seqLen)
}

// Decode runs one incremental decoder call over the unprocessed suffix.
func (m *ForConditionalGeneration) Decode(
	inputIDs, decoderMask []int,
	batch int,
	encoderHidden device.Tensor,
	encoderMask []int,
	caches []*LayerCache,
) (device.Tensor, []*LayerCache, error) {
	return m.Model.Decoder.Forward(inputIDs, decoderMask, batch, encoderHidden, encoderMask, caches)
}

// LastLogits projects the final position of each batch row to vocabulary
// logits. hidden is [batch*newLen, d_model]; output is [batch, vocab].
func (m *ForConditionalGeneration) LastLogits(hidden device.Tensor, batch int) device.Tensor {
	rows, _ := hidden.Dims()
	newLen := rows / batch

	last := make([]int, batch)
	for b := 0; b < batch; b++ {
		last[b] = b*newLen + newLen - 1
	}
	finalHidden := hidden.Gather(last)
	logits := m.LMHead.Forward(finalHidden)
	return logits
}
