// Package app wires configuration into the providers and services shared by
// the api, worker and cli binaries. Everything is built once per process and
// passed down explicitly.
package app

import (
	"fmt"
	"log/slog"

	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/elasticsearch"
	"github.com/DeafMist/sigma-rag/internal/embedding"
	"github.com/DeafMist/sigma-rag/internal/embedding/hashing"
	embopenai "github.com/DeafMist/sigma-rag/internal/embedding/openai"
	"github.com/DeafMist/sigma-rag/internal/extract"
	"github.com/DeafMist/sigma-rag/internal/ingest"
	"github.com/DeafMist/sigma-rag/internal/llm"
	llmopenai "github.com/DeafMist/sigma-rag/internal/llm/openai"
	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/rag"
	"github.com/DeafMist/sigma-rag/internal/report"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/memory"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/qdrant"
)

// Services bundles the long-lived components of a process.
type Services struct {
	Store    *vectorindex.Store
	Reports  *report.Fetcher
	Pipeline *ingest.Pipeline
	Engine   *rag.Engine
}

// Overrides replaces providers, mainly for tests.
type Overrides struct {
	Backend   vectorindex.Backend
	Embedder  embedding.Provider
	Generator llm.Generator
}

// Build constructs all services from cfg.
func Build(cfg *config.Common, log *slog.Logger, ov Overrides) (*Services, error) {
	log = logger.OrDiscard(log)

	embedder := ov.Embedder
	if embedder == nil {
		embedder = NewEmbedder(cfg)
	}
	if embedder.Dimension() != cfg.VectorDim {
		return nil, fmt.Errorf("embedder produces %d dimensions, VECTOR_DIM is %d", embedder.Dimension(), cfg.VectorDim)
	}

	backend := ov.Backend
	if backend == nil {
		var err error
		backend, err = NewBackend(cfg, log)
		if err != nil {
			return nil, err
		}
	}

	generator := ov.Generator
	if generator == nil {
		generator = NewGenerator(cfg)
	}

	extractor, err := NewExtractor(cfg)
	if err != nil {
		return nil, err
	}

	metric := models.Metric(cfg.VectorDistance)
	if !metric.Valid() {
		return nil, fmt.Errorf("VECTOR_DISTANCE %q is not supported", cfg.VectorDistance)
	}

	store := vectorindex.NewStore(backend, embedder, log.With(slog.String("component", "vectorindex")))
	fetcher := report.NewFetcher(report.Config{
		BaseURL: cfg.Report.BaseURL,
		APIKey:  cfg.Report.APIKey,
		DataDir: cfg.Report.DataDir,
		Timeout: cfg.Report.Timeout,
	}, log.With(slog.String("component", "report")))

	pipeline := ingest.New(fetcher, extractor, store, ingest.Options{
		Dimension:  cfg.VectorDim,
		Metric:     metric,
		ReportHash: cfg.Report.Hash,
	}, log.With(slog.String("component", "ingest")))

	engine := rag.NewEngine(store, generator, rag.Options{
		Collection: cfg.CollectionName,
		TopK:       cfg.TopK,
	}, log.With(slog.String("component", "rag")))

	return &Services{Store: store, Reports: fetcher, Pipeline: pipeline, Engine: engine}, nil
}

// NewEmbedder returns the configured embedding provider.
func NewEmbedder(cfg *config.Common) embedding.Provider {
	switch cfg.Embedding.Provider {
	case "hashing":
		return hashing.New(cfg.VectorDim)
	default:
		return embopenai.NewClient(embopenai.Config{
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.VectorDim,
			Timeout:   cfg.Embedding.Timeout,
		})
	}
}

// NewBackend returns the configured vector database client.
func NewBackend(cfg *config.Common, log *slog.Logger) (vectorindex.Backend, error) {
	log = logger.OrDiscard(log)
	switch cfg.VectorBackend {
	case "memory":
		return memory.New(), nil
	case "elasticsearch":
		es, err := elasticsearch.New(cfg.ElasticsearchAddr, log.With(slog.String("component", "elasticsearch")))
		if err != nil {
			return nil, err
		}
		return es, nil
	case "qdrant":
		return qdrant.New(qdrant.Config{URL: cfg.QdrantURL(), APIKey: cfg.QdrantAPIKey}), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

// NewGenerator returns the configured language model client.
func NewGenerator(cfg *config.Common) llm.Generator {
	return llmopenai.NewClient(llmopenai.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
}

// NewExtractor returns the configured record extractor.
func NewExtractor(cfg *config.Common) (*extract.Extractor, error) {
	ex, err := extract.New(extract.Options{
		Selector:     cfg.Extraction.Selector,
		TextMode:     extract.TextMode(cfg.Extraction.TextMode),
		ContentField: cfg.Extraction.ContentField,
	})
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}
	return ex, nil
}
