package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the architecture hyperparameters for an M2M100/NLLB model.
// Field names follow the Hugging Face config.json schema so a pretrained
// config can be decoded directly. The struct is created once at model
// construction and read-only thereafter.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	DModel                int     `json:"d_model"`
	EncoderLayers         int     `json:"encoder_layers"`
	EncoderFFNDim         int     `json:"encoder_ffn_dim"`
	EncoderAttentionHeads int     `json:"encoder_attention_heads"`
	DecoderLayers         int     `json:"decoder_layers"`
	DecoderFFNDim         int     `json:"decoder_ffn_dim"`
	DecoderAttentionHeads int     `json:"decoder_attention_heads"`
	ActivationFunction    string  `json:"activation_function"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	ScaleEmbedding        bool    `json:"scale_embedding"`

	// Dropout rates are part of the pretrained config but unused at inference.
	Dropout           float32 `json:"dropout"`
	AttentionDropout  float32 `json:"attention_dropout"`
	ActivationDropout float32 `json:"activation_dropout"`

	PadTokenID          int `json:"pad_token_id"`
	BOSTokenID          int `json:"bos_token_id"`
	EOSTokenID          int `json:"eos_token_id"`
	DecoderStartTokenID int `json:"decoder_start_token_id"`
}

// LoadConfig reads and validates a Hugging Face style config.json.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the forward pass relies on. In particular
// the embedding dimension must split evenly across attention heads on both
// the encoder and decoder side.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return &ConfigError{Field: "vocab_size", Detail: fmt.Sprintf("must be positive, got %d", c.VocabSize)}
	}
	if c.DModel <= 0 {
		return &ConfigError{Field: "d_model", Detail: fmt.Sprintf("must be positive, got %d", c.DModel)}
	}
	if c.EncoderLayers <= 0 || c.DecoderLayers <= 0 {
		return &ConfigError{Field: "encoder_layers/decoder_layers", Detail: "layer counts must be positive"}
	}
	if c.EncoderFFNDim <= 0 || c.DecoderFFNDim <= 0 {
		return &ConfigError{Field: "encoder_ffn_dim/decoder_ffn_dim", Detail: "feed-forward dims must be positive"}
	}
	if c.EncoderAttentionHeads <= 0 {
		return &ConfigError{Field: "encoder_attention_heads", Detail: "must be positive"}
	}
	if c.DecoderAttentionHeads <= 0 {
		return &ConfigError{Field: "decoder_attention_heads", Detail: "must be positive"}
	}
	if c.DModel%c.EncoderAttentionHeads != 0 {
		return &ConfigError{
			Field:  "encoder_attention_heads",
			Detail: fmt.Sprintf("d_model %d not divisible by %d heads", c.DModel, c.EncoderAttentionHeads),
		}
	}
	if c.DModel%c.DecoderAttentionHeads != 0 {
		return &ConfigError{
			Field:  "decoder_attention_heads",
			Detail: fmt.Sprintf("d_model %d not divisible by %d heads", c.DModel, c.DecoderAttentionHeads),
		}
	}
	switch c.ActivationFunction {
	case "gelu", "relu":
	default:
		return &ConfigError{
			Field:  "activation_function",
			Detail: fmt.Sprintf("unsupported activation %q (want gelu or relu)", c.ActivationFunction),
		}
	}
	if c.MaxPositionEmbeddings <= 0 {
		return &ConfigError{Field: "max_position_embeddings", Detail: "must be positive"}
	}
	return nil
}
