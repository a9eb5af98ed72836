// Package vectorindex is the namespaced nearest-neighbour store used for both
// document chunks and the reference catalog. Texts are embedded here; the
// Backend only ever sees vectors.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize   = 100
	DefaultTopK        = 5
	DefaultMaxTopK     = 100
	defaultConcurrency = 4

	// TextKey is the metadata key that always carries the source text.
	TextKey = "text"
)

var (
	ErrEmbeddingsUnavailable = errors.New("embeddings unavailable")
	ErrIndexUnavailable      = errors.New("vector index unavailable")
	ErrDimensionMismatch     = errors.New("embedding dimension mismatch")
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Vector is what a Backend stores.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// Filter restricts a query to records whose metadata fields equal the given values.
type Filter map[string]string

// Match is one search hit. Score is cosine similarity.
type Match struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// Backend is the persistent store behind an Index.
type Backend interface {
	// EnsureIndex provisions storage for vectors of the given dimension with a
	// cosine metric. It must be a no-op when the storage already exists.
	EnsureIndex(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error)
}

// Record is a text to be embedded and stored.
type Record struct {
	ID       string
	Text     string
	Metadata map[string]any
}

type Options struct {
	// Dimension of the embedder output. Zero means take it from the first embedding.
	Dimension   int
	BatchSize   int
	DefaultTopK int
	MaxTopK     int
	// Concurrency bounds how many batches are upserted at once.
	Concurrency int
	Logger      *zap.Logger
}

type Index struct {
	backend  Backend
	embedder Embedder
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	provisioned bool
	dimension   int
}

func New(backend Backend, embedder Embedder, opts Options) *Index {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = DefaultMaxTopK
	}
	if opts.DefaultTopK > opts.MaxTopK {
		opts.DefaultTopK = opts.MaxTopK
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		backend:   backend,
		embedder:  embedder,
		opts:      opts,
		logger:    logger.With(zap.String("component", "vector_index")),
		dimension: opts.Dimension,
	}
}

// BatchResult reports the outcome of one upsert batch.
type BatchResult struct {
	Batch int
	Count int
	Err   error
}

type UpsertReport struct {
	Total   int
	Batches []BatchResult
}

// Committed is the number of records in batches that succeeded.
func (r *UpsertReport) Committed() int {
	n := 0
	for _, b := range r.Batches {
		if b.Err == nil {
			n += b.Count
		}
	}
	return n
}

func (r *UpsertReport) Failed() []BatchResult {
	var failed []BatchResult
	for _, b := range r.Batches {
		if b.Err != nil {
			failed = append(failed, b)
		}
	}
	return failed
}

func (r *UpsertReport) OK() bool {
	return len(r.Failed()) == 0
}

// Upsert embeds every record and writes them in batches. A failed batch does
// not undo or stop the others; per-batch outcomes are in the report. The
// returned error is only set when nothing could be attempted (embeddings or
// provisioning unavailable).
func (ix *Index) Upsert(ctx context.Context, namespace string, records []Record) (*UpsertReport, error) {
	report := &UpsertReport{Total: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	vectors := make([]Vector, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("record[%d] has empty id", i)
		}
		values, err := ix.embed(ctx, rec.Text)
		if err != nil {
			return nil, err
		}
		meta := make(map[string]any, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta[TextKey] = rec.Text
		vectors[i] = Vector{ID: rec.ID, Values: values, Metadata: meta}
	}

	if err := ix.ensureProvisioned(ctx, len(vectors[0].Values)); err != nil {
		return nil, err
	}

	size := ix.opts.BatchSize
	batchCount := (len(vectors) + size - 1) / size
	report.Batches = make([]BatchResult, batchCount)

	var g errgroup.Group
	g.SetLimit(ix.opts.Concurrency)
	for b := 0; b < batchCount; b++ {
		start := b * size
		end := start + size
		if end > len(vectors) {
			end = len(vectors)
		}
		batch := vectors[start:end]
		idx := b
		g.Go(func() error {
			err := ix.backend.Upsert(ctx, namespace, batch)
			report.Batches[idx] = BatchResult{Batch: idx, Count: len(batch), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range report.Failed() {
		ix.logger.Error("upsert batch failed",
			zap.String("namespace", namespace),
			zap.Int("batch", f.Batch),
			zap.Int("count", f.Count),
			zap.Error(f.Err),
		)
	}
	ix.logger.Info("upserted records",
		zap.String("namespace", namespace),
		zap.Int("total", report.Total),
		zap.Int("committed", report.Committed()),
	)
	return report, nil
}

type SearchOptions struct {
	Namespace string
	TopK      int
	Filter    Filter
}

// Search returns up to TopK matches ordered by descending score.
func (ix *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Match, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = ix.opts.DefaultTopK
	}
	if topK > ix.opts.MaxTopK {
		topK = ix.opts.MaxTopK
	}

	values, err := ix.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := ix.ensureProvisioned(ctx, len(values)); err != nil {
		return nil, err
	}

	matches, err := ix.backend.Query(ctx, opts.Namespace, values, topK, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	for i := range matches {
		if matches[i].Text == "" && matches[i].Metadata != nil {
			if s, ok := matches[i].Metadata[TextKey].(string); ok {
				matches[i].Text = s
			}
		}
	}
	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (ix *Index) embed(ctx context.Context, text string) ([]float32, error) {
	if ix.embedder == nil {
		return nil, ErrEmbeddingsUnavailable
	}
	values, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingsUnavailable, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingsUnavailable)
	}
	ix.mu.Lock()
	dim := ix.dimension
	ix.mu.Unlock()
	if dim > 0 && len(values) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(values), dim)
	}
	return values, nil
}

func (ix *Index) ensureProvisioned(ctx context.Context, dimension int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.provisioned {
		return nil
	}
	if ix.dimension == 0 {
		ix.dimension = dimension
	}
	if err := ix.backend.EnsureIndex(ctx, ix.dimension); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	ix.provisioned = true
	return nil
}
