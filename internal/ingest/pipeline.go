// Package ingest builds a collection from a threat report: fetch, extract,
// create the collection and upsert the records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/processing"
	"github.com/DeafMist/sigma-rag/internal/report"
	"github.com/DeafMist/sigma-rag/internal/vectorindex"
)

var (
	// ErrReportUnavailable is returned when the report could not be fetched.
	ErrReportUnavailable = errors.New("report unavailable")
	// ErrEmptyReport is returned when the report holds no rule matches.
	ErrEmptyReport = errors.New("report has no records")
	// ErrCollectionMismatch is returned when an existing collection was
	// created with a different dimension or metric.
	ErrCollectionMismatch = errors.New("collection schema mismatch")
)

// ReportSource fetches reports by hash.
type ReportSource interface {
	Fetch(ctx context.Context, hash string) report.Result
}

// RecordExtractor turns a cached report into records.
type RecordExtractor interface {
	Extract(ctx context.Context, path string) ([]models.Record, error)
}

// Options configures a Pipeline.
type Options struct {
	Dimension  int
	Metric     models.Metric
	ReportHash string
}

// Pipeline ingests reports into collections of one vector store.
type Pipeline struct {
	reports   ReportSource
	extractor RecordExtractor
	store     *vectorindex.Store
	opts      Options
	log       *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	ready map[string]struct{}
}

// New creates a Pipeline.
func New(reports ReportSource, extractor RecordExtractor, store *vectorindex.Store, opts Options, log *slog.Logger) *Pipeline {
	if opts.Metric == "" {
		opts.Metric = models.MetricCosine
	}
	return &Pipeline{
		reports:   reports,
		extractor: extractor,
		store:     store,
		opts:      opts,
		log:       logger.OrDiscard(log),
		ready:     make(map[string]struct{}),
	}
}

// Ingest fetches the report with the given hash and writes its records into
// the collection, creating it if absent. It returns the number of entries.
// Entry IDs derive from the collection and record ID, so ingesting the same
// report twice overwrites instead of duplicating.
func (p *Pipeline) Ingest(ctx context.Context, collection, hash string) (int, error) {
	start := time.Now()

	res := p.reports.Fetch(ctx, hash)
	if !res.Available() {
		if res.Err != nil {
			return 0, fmt.Errorf("%w: %s (%s): %v", ErrReportUnavailable, hash, res.Status, res.Err)
		}
		return 0, fmt.Errorf("%w: %s (%s)", ErrReportUnavailable, hash, res.Status)
	}

	records, err := p.extractor.Extract(ctx, res.Path)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", res.Path, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyReport, hash)
	}

	entries := make([]models.IndexEntry, len(records))
	for i, rec := range records {
		entries[i] = models.IndexEntry{
			ID:       processing.PointID(collection, rec.ID),
			Text:     rec.FullText,
			Metadata: rec.Metadata(),
		}
	}
	// embed first: a provider failure must not leave an empty collection
	entries, err = p.store.Embed(ctx, entries)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if len(e.Vector) != p.opts.Dimension {
			return 0, fmt.Errorf("%w: entry %s has %d, want %d",
				vectorindex.ErrDimensionMismatch, e.ID, len(e.Vector), p.opts.Dimension)
		}
	}

	created, err := p.store.CreateCollection(ctx, collection, p.opts.Dimension, p.opts.Metric)
	if err != nil {
		return 0, err
	}
	if err := p.store.Upsert(ctx, collection, entries); err != nil {
		if created {
			p.rollback(ctx, collection)
		}
		return 0, err
	}

	p.markReady(collection)
	p.log.Info("report ingested",
		slog.String("collection", collection),
		slog.String("hash", hash),
		slog.Int("records", len(entries)),
		slog.Duration("took", time.Since(start)),
	)
	return len(entries), nil
}

// EnsureCollection makes sure the collection exists, ingesting the configured
// report on first use. Concurrent callers for the same name share a single
// bootstrap; an existing collection must match the configured schema.
func (p *Pipeline) EnsureCollection(ctx context.Context, collection string) error {
	if p.isReady(collection) {
		return nil
	}

	// the shared bootstrap outlives a single caller's cancellation
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(collection, func() (any, error) {
		return nil, p.bootstrap(shared, collection)
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) bootstrap(ctx context.Context, collection string) error {
	exists, err := p.store.Exists(ctx, collection)
	if err != nil {
		return err
	}
	if !exists {
		p.log.Info("collection missing, ingesting report",
			slog.String("collection", collection),
			slog.String("hash", p.opts.ReportHash),
		)
		_, err := p.Ingest(ctx, collection, p.opts.ReportHash)
		return err
	}

	info, err := p.store.Describe(ctx, collection)
	if err != nil {
		return err
	}
	if info.Dimension != p.opts.Dimension || info.Metric != p.opts.Metric {
		return fmt.Errorf("%w: %s has dim=%d metric=%s, want dim=%d metric=%s",
			ErrCollectionMismatch, collection, info.Dimension, info.Metric, p.opts.Dimension, p.opts.Metric)
	}
	p.markReady(collection)
	return nil
}

// rollback drops a collection this ingest created but could not fill.
func (p *Pipeline) rollback(ctx context.Context, collection string) {
	if err := p.store.DropCollection(context.WithoutCancel(ctx), collection); err != nil {
		p.log.Error("drop empty collection",
			slog.String("collection", collection),
			slog.Any("err", err),
		)
	}
}

func (p *Pipeline) isReady(collection string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ready[collection]
	return ok
}

func (p *Pipeline) markReady(collection string) {
	p.mu.Lock()
	p.ready[collection] = struct{}{}
	p.mu.Unlock()
}
