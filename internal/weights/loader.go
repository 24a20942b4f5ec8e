package weights

import (
	"fmt"

	"github.com/23skdu/longbow-babel/internal/device"
	"github.com/23skdu/longbow-babel/internal/model"
)

// Loader binds a name -> tensor mapping onto a constructed model graph,
// using the Hugging Face M2M100/NLLB parameter naming scheme.
type Loader struct {
	Model *model.ForConditionalGeneration
}

func NewLoader(m *model.ForConditionalGeneration) *Loader {
	return &Loader{Model: m}
}

// LoadFromSafetensors reads the weight file and binds every parameter the
// module graph requires. Names present in the file but unknown to the graph
// (such as the precomputed sinusoidal position tables some checkpoints
// carry) are ignored; required names that are absent or mis-shaped produce
// a WeightError.
func (l *Loader) LoadFromSafetensors(path string) error {
	tensors, err := LoadSafetensors(path)
	if err != nil {
		return err
	}
	return l.Bind(tensors)
}

// Bind applies a weight mapping to the model.
func (l *Loader) Bind(tensors map[string]TensorData) error {
	m := l.Model.Model

	if err := l.setEmbedding(tensors, "model.shared.weight", m.Shared); err != nil {
		return err
	}

	for i, layer := range m.Encoder.Layers {
		p := fmt.Sprintf("model.encoder.layers.%d.", i)
		if err := l.setAttention(tensors, p+"self_attn.", layer.SelfAttn); err != nil {
			return err
		}
		if err := l.setLayerNorm(tensors, p+"self_attn_layer_norm", layer.SelfAttnLayerNorm); err != nil {
			return err
		}
		if err := l.setLinear(tensors, p+"fc1", layer.FC1); err != nil {
			return err
		}
		if err := l.setLinear(tensors, p+"fc2", layer.FC2); err != nil {
			return err
		}
		if err := l.setLayerNorm(tensors, p+"final_layer_norm", layer.FinalLayerNorm); err != nil {
			return err
		}
	}
	if err := l.setLayerNorm(tensors, "model.encoder.layer_norm", m.Encoder.LayerNorm); err != nil {
		return err
	}

	for i, layer := range m.Decoder.Layers {
		p := fmt.Sprintf("model.decoder.layers.%d.", i)
		if err := l.setAttention(tensors, p+"self_attn.", layer.SelfAttn); err != nil {
			return err
		}
		if err := l.setLayerNorm(tensors, p+"self_attn_layer_norm", layer.SelfAttnLayerNorm); err != nil {
			return err
		}
		if err := l.setAttention(tensors, p+"encoder_attn.", layer.EncoderAttn); err != nil {
			return err
		}
		if err := l.setLayerNorm(tensors, p+"encoder_attn_layer_norm", layer.EncoderAttnLayerNorm); err != nil {
			return err
		}
		if err := l.setLinear(tensors, p+"fc1", layer.FC1); err != nil {
			return err
		}
		if err := l.setLinear(tensors, p+"fc2", layer.FC2); err != nil {
			return err
		}
		if err := l.setLayerNorm(tensors, p+"final_layer_norm", layer.FinalLayerNorm); err != nil {
			return err
		}
	}
	if err := l.setLayerNorm(tensors, "model.decoder.layer_norm", m.Decoder.LayerNorm); err != nil {
		return err
	}

	// NLLB ties the generation head to the shared embedding; standalone
	// lm_head weights take precedence when the checkpoint carries them.
	if _, ok := tensors["lm_head.weight"]; ok {
		return l.setLinearWeight(tensors, "lm_head.weight", l.Model.LMHead)
	}
	return l.setLinearWeight(tensors, "model.shared.weight", l.Model.LMHead)
}

func (l *Loader) setAttention(tensors map[string]TensorData, prefix string, attn *model.Attention) error {
	if err := l.setLinear(tensors, prefix+"q_proj", attn.QProj); err != nil {
		return err
	}
	if err := l.setLinear(tensors, prefix+"k_proj", attn.KProj); err != nil {
		return err
	}
	if err := l.setLinear(tensors, prefix+"v_proj", attn.VProj); err != nil {
		return err
	}
	return l.setLinear(tensors, prefix+"out_proj", attn.OutProj)
}

// setLinear binds <name>.weight (and <name>.bias when the projection has
// one). Checkpoint linear weights are [out, in]; the device layout is
// [in, out], so the weight is transposed during binding.
func (l *Loader) setLinear(tensors map[string]TensorData, name string, lin *model.Linear) error {
	if err := l.setLinearWeight(tensors, name+".weight", lin); err != nil {
		return err
	}
	if lin.Bias == nil {
		return nil
	}

	bias, ok := tensors[name+".bias"]
	if !ok {
		return &model.WeightError{Name: name + ".bias", Detail: "not found in weight file"}
	}
	_, cols := lin.Bias.Dims()
	if len(bias.Data) != cols {
		return &model.WeightError{
			Name:   name + ".bias",
			Detail: fmt.Sprintf("has %d values, module expects %d", len(bias.Data), cols),
		}
	}
	lin.Bias.CopyFromFloat32(bias.Data)
	return nil
}

func (l *Loader) setLinearWeight(tensors map[string]TensorData, name string, lin *model.Linear) error {
	td, ok := tensors[name]
	if !ok {
		return &model.WeightError{Name: name, Detail: "not found in weight file"}
	}

	in, out := lin.Weight.Dims()
	if td.Rows() != out || td.Cols() != in {
		return &model.WeightError{
			Name:   name,
			Detail: fmt.Sprintf("shape %v, module expects [%d %d]", td.Shape, out, in),
		}
	}
	lin.Weight.CopyFromFloat32(transpose(td.Data, td.Rows(), td.Cols()))
	return nil
}

func (l *Loader) setLayerNorm(tensors map[string]TensorData, name string, ln *model.LayerNorm) error {
	if err := l.setVector(tensors, name+".weight", ln.Gamma); err != nil {
		return err
	}
	return l.setVector(tensors, name+".bias", ln.Beta)
}

func (l *Loader) setVector(tensors map[string]TensorData, name string, dst device.Tensor) error {
	td, ok := tensors[name]
	if !ok {
		return &model.WeightError{Name: name, Detail: "not found in weight file"}
	}
	_, cols := dst.Dims()
	if len(td.Data) != cols {
		return &model.WeightError{
			Name:   name,
			Detail: fmt.Sprintf("has %d values, module expects %d", len(td.Data), cols),
		}
	}
	dst.CopyFromFloat32(td.Data)
	return nil
}

func (l *Loader) setEmbedding(tensors map[string]TensorData, name string, emb *model.Embedding) error {
	td, ok := tensors[name]
	if !ok {
		return &model.WeightError{Name: name, Detail: "not found in weight file"}
	}
	rows, cols := emb.Weight.Dims()
	if td.Rows() != rows || td.Cols() != cols {
		return &model.WeightError{
			Name:   name,
			Detail: fmt.Sprintf("shape %v, module expects [%d %d]", td.Shape, rows, cols),
		}
	}
	emb.Weight.CopyFromFloat32(td.Data)
	return nil
}

func transpose(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return out
}
