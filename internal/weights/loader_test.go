package weights

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-babel/internal/device"
	"github.com/23skdu/longbow-babel/internal/model"
)

func tinyConfig() *model.Config {
	return &model.Config{
		VocabSize:             50,
		DModel:                8,
		EncoderLayers:         1,
		EncoderFFNDim:         16,
		EncoderAttentionHeads: 2,
		DecoderLayers:         1,
		DecoderFFNDim:         16,
		DecoderAttentionHeads: 2,
		ActivationFunction:    "relu",
		MaxPositionEmbeddings: 64,
		ScaleEmbedding:        true,
		PadTokenID:            1,
		EOSTokenID:            2,
		DecoderStartTokenID:   2,
	}
}

// tinyCheckpoint produces a complete parameter set for tinyConfig with
// distinct values per tensor so binding mistakes show up.
func tinyCheckpoint(cfg *model.Config) map[string]TensorData {
	ck := map[string]TensorData{}
	seq := float32(0)
	mk := func(shape ...int) TensorData {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			seq += 0.001
			data[i] = seq
		}
		return TensorData{Shape: shape, Data: data}
	}

	d := cfg.DModel
	addLN := func(name string) {
		ck[name+".weight"] = mk(d)
		ck[name+".bias"] = mk(d)
	}
	addAttn := func(prefix string) {
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			ck[prefix+proj+".weight"] = mk(d, d)
			ck[prefix+proj+".bias"] = mk(d)
		}
	}

	ck["model.shared.weight"] = mk(cfg.VocabSize, d)

	for i := 0; i < cfg.EncoderLayers; i++ {
		p := fmt.Sprintf("model.encoder.layers.%d.", i)
		addAttn(p + "self_attn.")
		addLN(p + "self_attn_layer_norm")
		ck[p+"fc1.weight"] = mk(cfg.EncoderFFNDim, d)
		ck[p+"fc1.bias"] = mk(cfg.EncoderFFNDim)
		ck[p+"fc2.weight"] = mk(d, cfg.EncoderFFNDim)
		ck[p+"fc2.bias"] = mk(d)
		addLN(p + "final_layer_norm")
	}
	addLN("model.encoder.layer_norm")

	for i := 0; i < cfg.DecoderLayers; i++ {
		p := fmt.Sprintf("model.decoder.layers.%d.", i)
		addAttn(p + "self_attn.")
		addLN(p + "self_attn_layer_norm")
		addAttn(p + "encoder_attn.")
		addLN(p + "encoder_attn_layer_norm")
		ck[p+"fc1.weight"] = mk(cfg.DecoderFFNDim, d)
		ck[p+"fc1.bias"] = mk(cfg.DecoderFFNDim)
		ck[p+"fc2.weight"] = mk(d, cfg.DecoderFFNDim)
		ck[p+"fc2.bias"] = mk(d)
		addLN(p + "final_layer_norm")
	}
	addLN("model.decoder.layer_norm")

	return ck
}

func newGraph(t *testing.T, cfg *model.Config) *model.ForConditionalGeneration {
	t.Helper()
	m, err := model.NewForConditionalGeneration(cfg, device.NewCPUBackend())
	require.NoError(t, err)
	return m
}

func TestBindFullCheckpoint(t *testing.T) {
	cfg := tinyConfig()
	m := newGraph(t, cfg)
	ck := tinyCheckpoint(cfg)

	require.NoError(t, NewLoader(m).Bind(ck))

	// Embedding binds untransposed.
	shared := ck["model.shared.weight"].Data
	d := cfg.DModel
	for v := 0; v < 3; v++ {
		for j := 0; j < d; j++ {
			require.Equal(t, shared[v*d+j], m.Model.Shared.Weight.At(v, j))
		}
	}

	// Linear weights bind transposed: checkpoint [out, in] to device [in, out].
	q := ck["model.encoder.layers.0.self_attn.q_proj.weight"].Data
	qw := m.Model.Encoder.Layers[0].SelfAttn.QProj.Weight
	for o := 0; o < d; o++ {
		for i := 0; i < d; i++ {
			require.Equal(t, q[o*d+i], qw.At(i, o))
		}
	}

	// No standalone lm_head: tied to the shared embedding, transposed.
	for v := 0; v < 3; v++ {
		for j := 0; j < d; j++ {
			require.Equal(t, shared[v*d+j], m.LMHead.Weight.At(j, v))
		}
	}
}

func TestBindStandaloneLMHead(t *testing.T) {
	cfg := tinyConfig()
	m := newGraph(t, cfg)
	ck := tinyCheckpoint(cfg)

	head := make([]float32, cfg.VocabSize*cfg.DModel)
	for i := range head {
		head[i] = float32(i) * 0.5
	}
	ck["lm_head.weight"] = TensorData{Shape: []int{cfg.VocabSize, cfg.DModel}, Data: head}

	require.NoError(t, NewLoader(m).Bind(ck))
	require.Equal(t, head[0], m.LMHead.Weight.At(0, 0))
	require.Equal(t, head[cfg.DModel], m.LMHead.Weight.At(0, 1))
}

func TestBindMissingParam(t *testing.T) {
	cfg := tinyConfig()
	m := newGraph(t, cfg)
	ck := tinyCheckpoint(cfg)
	delete(ck, "model.decoder.layers.0.fc1.bias")

	err := NewLoader(m).Bind(ck)
	var weightErr *model.WeightError
	require.ErrorAs(t, err, &weightErr)
	require.Equal(t, "model.decoder.layers.0.fc1.bias", weightErr.Name)
}

func TestBindShapeMismatch(t *testing.T) {
	cfg := tinyConfig()
	m := newGraph(t, cfg)
	ck := tinyCheckpoint(cfg)
	ck["model.shared.weight"] = TensorData{Shape: []int{10, 4}, Data: make([]float32, 40)}

	err := NewLoader(m).Bind(ck)
	var weightErr *model.WeightError
	require.ErrorAs(t, err, &weightErr)
	require.Equal(t, "model.shared.weight", weightErr.Name)
}

func TestLoadFromSafetensorsEndToEnd(t *testing.T) {
	cfg := tinyConfig()
	m := newGraph(t, cfg)
	ck := tinyCheckpoint(cfg)

	// Precomputed position tables in the file are ignored, not bound.
	ck["model.encoder.embed_positions.weight"] = TensorData{Shape: []int{4, cfg.DModel}, Data: make([]float32, 4*cfg.DModel)}

	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, ck)

	require.NoError(t, NewLoader(m).LoadFromSafetensors(path))

	shared := ck["model.shared.weight"].Data
	require.Equal(t, shared[0], m.Model.Shared.Weight.At(0, 0))
}
