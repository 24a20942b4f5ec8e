package translate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	translationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_translations_total",
		Help: "Total number of texts translated",
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_translation_cache_hits_total",
		Help: "Total number of translations served from the cache",
	})

	tokenizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "babel_tokenization_duration_seconds",
		Help:    "Time spent tokenizing source texts",
		Buckets: prometheus.DefBuckets,
	})

	generateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "babel_generate_duration_seconds",
		Help:    "Time spent in encode + greedy decode",
		Buckets: prometheus.DefBuckets,
	})

	tokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babel_tokens_generated_total",
		Help: "Total number of decoder tokens produced",
	})
)
