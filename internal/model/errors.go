package model

import "fmt"

// ConfigError reports a missing or inconsistent model hyperparameter.
// It is fatal: the architecture cannot be constructed from a bad config.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model config: %s: %s", e.Field, e.Detail)
}

// ShapeError reports a tensor whose shape violates a documented contract,
// such as an attention mask that does not match [batch, 1, tgtLen, srcLen].
// It indicates a caller mistake, not a recoverable runtime condition.
type ShapeError struct {
	Context  string
	Expected []int
	Actual   []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: expected %v, got %v", e.Context, e.Expected, e.Actual)
}

// WeightError reports a parameter that could not be bound during weight
// loading: the name is absent from the weight file or its shape does not
// match the constructed module graph.
type WeightError struct {
	Name   string
	Detail string
}

func (e *WeightError) Error() string {
	return fmt.Sprintf("weight %q: %s", e.Name, e.Detail)
}
