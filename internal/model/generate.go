package model

// GenerateOptions parameterizes one greedy generation run.
type GenerateOptions struct {
	// TargetLangID seeds the decoder alongside the start token, steering
	// generation toward the target language.
	TargetLangID int
	// MaxSteps is the fixed number of decode steps. Generation always runs
	// the full count: there is no early stop on an end-of-sequence token,
	// matching the reference decode loop.
	MaxSteps int
}

// Generate runs the greedy decode loop over an encoded source batch.
//
// The loop state is (decoder ids so far, decoder mask so far, per-layer
// cache, step count). Each transition runs the decoder on the most recently
// appended token(s), takes the argmax of the last-position logits, appends
// it, and extends the mask with 1. The returned sequences include the
// two-token seed, so their length is 2 + MaxSteps.
func (m *ForConditionalGeneration) Generate(inputIDs, attnMask []int, batch, seqLen int, opts GenerateOptions) ([][]int, error) {
	encoderHidden, err := m.Encode(inputIDs, attnMask, batch, seqLen)
	if err != nil {
		return nil, err
	}
	defer m.backend.PutTensor(encoderHidden)

	// Seed every row with [decoder_start, target_lang].
	decoderIDs := make([][]int, batch)
	for b := range decoderIDs {
		decoderIDs[b] = []int{m.Config.DecoderStartTokenID, opts.TargetLangID}
	}

	// Greedy decoding never pads target positions, so the running decoder
	// mask stays all ones and only grows by one per step.
	totalLen := 2
	pending := make([]int, 0, batch*2)
	for b := 0; b < batch; b++ {
		pending = append(pending, decoderIDs[b]...)
	}

	var caches []*LayerCache
	for step := 0; step < opts.MaxSteps; step++ {
		decoderMask := onesMask(batch * totalLen)

		hidden, updated, err := m.Decode(pending, decoderMask, batch, encoderHidden, attnMask, caches)
		if err != nil {
			return nil, err
		}
		caches = updated

		logits := m.LastLogits(hidden, batch)
		next := logits.ArgmaxRows()
		m.backend.PutTensor(hidden)
		m.backend.PutTensor(logits)

		pending = pending[:0]
		for b := 0; b < batch; b++ {
			decoderIDs[b] = append(decoderIDs[b], next[b])
			pending = append(pending, next[b])
		}
		totalLen++
	}

	return decoderIDs, nil
}

func onesMask(n int) []int {
	mask := make([]int, n)
	for i := range mask {
		mask[i] = 1
	}
	return mask
}
