package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/metrics"
	"github.com/loomworks/deepresearch/internal/models"
	"github.com/loomworks/deepresearch/internal/tools"
)

// Executor fans out (query, tool) pairs concurrently and collects the
// successful batches. A failing call never aborts its siblings: every
// dispatched call is awaited, failures are logged and dropped, and the
// executor itself never returns an error.
type Executor struct {
	registry *tools.Registry
	logger   *zap.Logger
	// maxConcurrent bounds in-flight fetches; <= 0 means unbounded.
	maxConcurrent int
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrent bounds the number of in-flight fetches. Bounding changes
// throughput only, never which results come back.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) { e.maxConcurrent = n }
}

// NewExecutor creates a fan-out executor over the given registry.
func NewExecutor(registry *tools.Registry, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type pair struct {
	query string
	tool  models.ToolID
}

// Execute expands each planned query across its tool set and runs every
// resulting (query, tool) pair concurrently. Output order follows fetch
// completion, not input order; consumers must not depend on it.
func (e *Executor) Execute(ctx context.Context, queries []models.PlannedQuery) []models.SearchBatch {
	var pairs []pair
	for _, q := range queries {
		for _, t := range q.Tools {
			pairs = append(pairs, pair{query: q.Query, tool: t})
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	var sem chan struct{}
	if e.maxConcurrent > 0 {
		sem = make(chan struct{}, e.maxConcurrent)
	}

	results := make(chan models.SearchBatch, len(pairs))
	var wg sync.WaitGroup
	for _, p := range pairs {
		fetcher, err := e.registry.Lookup(p.tool)
		if err != nil {
			// Unknown tool is a plan defect, not a batch failure.
			metrics.SearchesSkipped.Inc()
			e.logger.Warn("Skipping unregistered tool",
				zap.String("tool", string(p.tool)),
				zap.String("query", p.query),
			)
			continue
		}

		wg.Add(1)
		metrics.SearchesDispatched.WithLabelValues(string(p.tool)).Inc()
		go func(p pair, fetcher tools.Fetcher) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			res, err := e.fetch(ctx, p, fetcher)
			if err != nil {
				metrics.SearchesFailed.WithLabelValues(string(p.tool)).Inc()
				e.logger.Warn("Search call failed, dropping pair",
					zap.String("tool", string(p.tool)),
					zap.String("query", p.query),
					zap.Error(err),
				)
				return
			}
			results <- models.SearchBatch{
				Query:      p.query,
				Tool:       p.tool,
				SourceType: fetcher.SourceType(),
				Timestamp:  time.Now(),
				Results:    res,
			}
		}(p, fetcher)
	}

	wg.Wait()
	close(results)

	batches := make([]models.SearchBatch, 0, len(pairs))
	for b := range results {
		batches = append(batches, b)
	}

	e.logger.Info("Search fan-out completed",
		zap.Int("dispatched", len(pairs)),
		zap.Int("succeeded", len(batches)),
	)
	return batches
}

// fetch invokes one fetcher, converting panics into ordinary errors so a
// misbehaving tool cannot take down the batch.
func (e *Executor) fetch(ctx context.Context, p pair, fetcher tools.Fetcher) (res []models.SearchResult, err error) {
	ctx, span := otel.Tracer("deepresearch/search").Start(ctx, "tool.fetch")
	span.SetAttributes(
		attribute.String("tool.id", string(p.tool)),
		attribute.String("query", p.query),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fetcher.Fetch(ctx, p.query)
}
