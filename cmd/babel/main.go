package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-babel/internal/cache"
	"github.com/23skdu/longbow-babel/internal/device"
	"github.com/23skdu/longbow-babel/internal/model"
	"github.com/23skdu/longbow-babel/internal/tokenizer"
	"github.com/23skdu/longbow-babel/internal/translate"
	"github.com/23skdu/longbow-babel/internal/weights"
)

var (
	configPath  = flag.String("config", "config.json", "Path to model config file")
	vocabPath   = flag.String("vocab", "vocab.json", "Path to vocab file")
	weightsPath = flag.String("weights", "model.safetensors", "Path to safetensors weights file")
	srcLang     = flag.String("src", "eng_Latn", "Source language code")
	tgtLang     = flag.String("tgt", "fra_Latn", "Target language code")
	maxSteps    = flag.Int("max-steps", 64, "Number of greedy decode steps per text")
	interactive = flag.Bool("interactive", false, "Read texts from stdin, one per line")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	translator := buildTranslator()

	var texts []string
	if *interactive {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				texts = append(texts, line)
			}
		}
	} else if flag.NArg() > 0 {
		texts = flag.Args()
	} else {
		texts = []string{"Hello world"}
	}

	start := time.Now()
	results, err := translator.TranslateBatch(context.Background(), texts, *srcLang, *tgtLang)
	if err != nil {
		log.Fatal().Err(err).Msg("Translation failed")
	}
	elapsed := time.Since(start)

	for i, text := range texts {
		fmt.Printf("%s\t%s\n", text, results[i])
	}

	log.Info().
		Int("count", len(texts)).
		Dur("elapsed", elapsed).
		Float64("tps", float64(len(texts))/elapsed.Seconds()).
		Msg("Translated texts")
}

func buildTranslator() *translate.Translator {
	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model config")
	}

	backend := device.NewCPUBackend()
	log.Info().Str("backend", backend.Name()).
		Int("d_model", cfg.DModel).
		Int("encoder_layers", cfg.EncoderLayers).
		Int("decoder_layers", cfg.DecoderLayers).
		Msg("Building model")

	m, err := model.NewForConditionalGeneration(cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build model graph")
	}

	loadStart := time.Now()
	if err := weights.NewLoader(m).LoadFromSafetensors(*weightsPath); err != nil {
		log.Fatal().Err(err).Msg("Failed to load weights")
	}
	log.Info().Dur("elapsed", time.Since(loadStart)).Str("path", *weightsPath).Msg("Weights loaded")

	tok, err := tokenizer.NewVocabTokenizer(*vocabPath, *srcLang)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tokenizer")
	}

	translator, err := translate.NewTranslator(m, tok, cache.NewMapCache(), *maxSteps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create translator")
	}
	return translator
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("babel"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
