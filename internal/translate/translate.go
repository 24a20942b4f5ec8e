package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/23skdu/longbow-babel/internal/cache"
	"github.com/23skdu/longbow-babel/internal/model"
	"github.com/23skdu/longbow-babel/internal/tokenizer"
)

var tracer trace.Tracer = otel.Tracer("babel-translate")

// Tokenizer is what the service needs from a tokenizer implementation.
// *tokenizer.VocabTokenizer satisfies it.
type Tokenizer interface {
	Encode(text string) tokenizer.Encoding
	Decode(ids []int) string
	LangID(code string) (int, bool)
	PadID() int
	SrcLang() string
}

// Translator composes tokenizer, model and translation cache into a
// text-in text-out service.
type Translator struct {
	model    *model.ForConditionalGeneration
	tok      Tokenizer
	cache    cache.TranslationCache
	maxSteps int
}

func NewTranslator(m *model.ForConditionalGeneration, tok Tokenizer, c cache.TranslationCache, maxSteps int) (*Translator, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("maxSteps must be positive, got %d", maxSteps)
	}
	if c == nil {
		c = cache.NewMapCache()
	}
	return &Translator{model: m, tok: tok, cache: c, maxSteps: maxSteps}, nil
}

// Translate translates a single text from srcLang to tgtLang. srcLang must
// match the language the tokenizer was built for.
func (t *Translator) Translate(ctx context.Context, text, srcLang, tgtLang string) (string, error) {
	results, err := t.TranslateBatch(ctx, []string{text}, srcLang, tgtLang)
	if err != nil {
		return "", err
	}
	return results[0], nil
}

// TranslateBatch translates texts as one padded batch. Cached entries are
// served directly; the model runs once over the remaining texts, padded to
// the longest tokenized length with the padding masked out.
func (t *Translator) TranslateBatch(ctx context.Context, texts []string, srcLang, tgtLang string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "TranslateBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("src_lang", srcLang),
		attribute.String("tgt_lang", tgtLang),
		attribute.Int("batch_size", len(texts)),
	)

	if len(texts) == 0 {
		return nil, nil
	}
	if err := t.validatePair(srcLang, tgtLang); err != nil {
		span.RecordError(err)
		return nil, err
	}
	tgtID, ok := t.tok.LangID(tgtLang)
	if !ok {
		err := fmt.Errorf("target language %q not in vocabulary", tgtLang)
		span.RecordError(err)
		return nil, err
	}

	results := make([]string, len(texts))
	var missIdx []int
	for i, text := range texts {
		if cached, ok := t.cache.Get(cacheKey(text, srcLang, tgtLang)); ok {
			cacheHitsTotal.Inc()
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return results, nil
	}

	tokStart := time.Now()
	encodings := make([]tokenizer.Encoding, len(missIdx))
	maxLen := 0
	for j, i := range missIdx {
		encodings[j] = t.tok.Encode(texts[i])
		if n := len(encodings[j].InputIDs); n > maxLen {
			maxLen = n
		}
	}
	tokenizationDuration.Observe(time.Since(tokStart).Seconds())

	batch := len(missIdx)
	inputIDs := make([]int, 0, batch*maxLen)
	attnMask := make([]int, 0, batch*maxLen)
	padID := t.tok.PadID()
	for _, enc := range encodings {
		inputIDs = append(inputIDs, enc.InputIDs...)
		attnMask = append(attnMask, enc.AttentionMask...)
		for k := len(enc.InputIDs); k < maxLen; k++ {
			inputIDs = append(inputIDs, padID)
			attnMask = append(attnMask, 0)
		}
	}

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	genStart := time.Now()
	sequences, err := t.model.Generate(inputIDs, attnMask, batch, maxLen, model.GenerateOptions{
		TargetLangID: tgtID,
		MaxSteps:     t.maxSteps,
	})
	generateDuration.Observe(time.Since(genStart).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for j, i := range missIdx {
		out := t.tok.Decode(sequences[j])
		tokensGenerated.Add(float64(len(sequences[j]) - 2))
		results[i] = out
		t.cache.Put(cacheKey(texts[i], srcLang, tgtLang), out)
	}
	translationsTotal.Add(float64(batch))

	log.Debug().
		Int("batch", batch).
		Int("seq_len", maxLen).
		Str("src_lang", srcLang).
		Str("tgt_lang", tgtLang).
		Dur("generate", time.Since(genStart)).
		Msg("Batch translated")

	return results, nil
}

// validatePair checks the codes against the NLLB xxx_Yyyy convention and the
// tokenizer's configured source language.
func (t *Translator) validatePair(srcLang, tgtLang string) error {
	if srcLang != t.tok.SrcLang() {
		return fmt.Errorf("tokenizer is built for source language %q, got %q", t.tok.SrcLang(), srcLang)
	}
	for _, code := range []string{srcLang, tgtLang} {
		if err := validateLangCode(code); err != nil {
			return err
		}
	}
	return nil
}

func validateLangCode(code string) error {
	parts := strings.SplitN(code, "_", 2)
	if len(parts) != 2 {
		return fmt.Errorf("language code %q is not of the form xxx_Yyyy", code)
	}
	if _, err := language.ParseBase(parts[0]); err != nil {
		return fmt.Errorf("language code %q: %w", code, err)
	}
	if _, err := language.ParseScript(parts[1]); err != nil {
		return fmt.Errorf("language code %q: %w", code, err)
	}
	return nil
}

func cacheKey(text, srcLang, tgtLang string) string {
	return srcLang + "\x00" + tgtLang + "\x00" + text
}
