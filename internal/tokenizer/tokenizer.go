package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Encoding is the tokenized form of one input text.
type Encoding struct {
	InputIDs      []int
	AttentionMask []int
}

// Tokenizer is the external-collaborator seam the model consumes. The core
// never re-implements subword tokenization; production callers plug a real
// SentencePiece implementation behind this interface.
type Tokenizer interface {
	Encode(text string) Encoding
	Decode(ids []int) string
	// LangID resolves a language code (e.g. "fra_Latn") to its token id.
	LangID(code string) (int, bool)
}

// VocabTokenizer is a vocabulary-file lookup tokenizer following the NLLB
// conventions: NFKC normalization, SentencePiece-style "▁" word-boundary
// pieces, a source-language token prefix and an EOS suffix. It performs no
// subword merging; whole words missing from the vocabulary map to <unk>.
type VocabTokenizer struct {
	vocab    map[string]int
	invVocab map[int]string

	srcLang   string
	srcLangID int
	eosID     int
	unkID     int
	padID     int
}

const wordBoundary = "▁" // SentencePiece ▁

// NewVocabTokenizer loads a JSON vocabulary (token -> id) and fixes the
// source language for subsequent Encode calls.
func NewVocabTokenizer(vocabPath, srcLang string) (*VocabTokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}

	var vocab map[string]int
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}

	invVocab := make(map[int]string, len(vocab))
	for k, v := range vocab {
		invVocab[v] = k
	}

	t := &VocabTokenizer{
		vocab:    vocab,
		invVocab: invVocab,
		srcLang:  srcLang,
	}

	var ok bool
	if t.srcLangID, ok = vocab[srcLang]; !ok {
		return nil, fmt.Errorf("source language %q not in vocabulary", srcLang)
	}
	if t.eosID, ok = vocab["</s>"]; !ok {
		return nil, fmt.Errorf("vocabulary has no </s> token")
	}
	if t.unkID, ok = vocab["<unk>"]; !ok {
		return nil, fmt.Errorf("vocabulary has no <unk> token")
	}
	if t.padID, ok = vocab["<pad>"]; !ok {
		return nil, fmt.Errorf("vocabulary has no <pad> token")
	}

	return t, nil
}

// Encode tokenizes text as [src_lang] piece... [</s>] with an all-ones
// attention mask.
func (t *VocabTokenizer) Encode(text string) Encoding {
	normalized := norm.NFKC.String(strings.TrimSpace(text))

	ids := []int{t.srcLangID}
	for _, word := range strings.Fields(normalized) {
		if id, ok := t.vocab[wordBoundary+word]; ok {
			ids = append(ids, id)
		} else if id, ok := t.vocab[word]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.unkID)
		}
	}
	ids = append(ids, t.eosID)

	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{InputIDs: ids, AttentionMask: mask}
}

// Decode maps ids back to text, dropping special and language tokens and
// resolving "▁" word boundaries to spaces.
func (t *VocabTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		piece, ok := t.invVocab[id]
		if !ok || t.isSpecial(piece) {
			continue
		}
		sb.WriteString(piece)
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), wordBoundary, " "))
}

// LangID resolves a language code token such as "fra_Latn".
func (t *VocabTokenizer) LangID(code string) (int, bool) {
	id, ok := t.vocab[code]
	return id, ok
}

// PadID returns the padding token id for batch assembly.
func (t *VocabTokenizer) PadID() int {
	return t.padID
}

// SrcLang returns the language code Encode prefixes onto every text.
func (t *VocabTokenizer) SrcLang() string {
	return t.srcLang
}

func (t *VocabTokenizer) isSpecial(piece string) bool {
	switch piece {
	case "<s>", "</s>", "<pad>", "<unk>", "<mask>":
		return true
	}
	// Language code tokens: xxx_Yyyy
	if len(piece) == 8 && piece[3] == '_' {
		return true
	}
	return false
}
