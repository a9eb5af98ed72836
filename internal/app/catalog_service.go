package app

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"medibuddy/internal/catalog"
	"medibuddy/internal/vectorindex"
)

const (
	defaultCatalogSearchTopK = 10
	catalogSourceTag         = "approved_otc_list"
)

// VectorIndex is the full read/write surface used by services that own a namespace.
type VectorIndex interface {
	Searcher
	Upserter
}

type CatalogService struct {
	index      VectorIndex
	catalog    *catalog.Catalog
	namespace  string
	searchTopK int
	logger     *zap.Logger
}

func NewCatalogService(index VectorIndex, c *catalog.Catalog, namespace string, searchTopK int, logger *zap.Logger) *CatalogService {
	if searchTopK <= 0 {
		searchTopK = defaultCatalogSearchTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{
		index:      index,
		catalog:    c,
		namespace:  namespace,
		searchTopK: searchTopK,
		logger:     logger.With(zap.String("component", "catalog")),
	}
}

// Seed embeds every catalog entry into the catalog namespace. Record ids are
// content derived, so seeding again overwrites in place.
func (s *CatalogService) Seed(ctx context.Context) (*vectorindex.UpsertReport, error) {
	records := make([]vectorindex.Record, 0, len(s.catalog.Entries))
	for _, e := range s.catalog.Entries {
		records = append(records, vectorindex.Record{
			ID:   vectorindex.ContentID(s.namespace, e.CanonicalName),
			Text: e.CanonicalName,
			Metadata: map[string]any{
				"category": e.Category,
				"source":   catalogSourceTag,
			},
		})
	}
	report, err := s.index.Upsert(ctx, s.namespace, records)
	if err != nil {
		return nil, err
	}
	s.logger.Info("seeded catalog",
		zap.String("namespace", s.namespace),
		zap.Int("entries", len(records)),
		zap.Int("committed", report.Committed()),
	)
	return report, nil
}

func (s *CatalogService) Entries() []catalog.Entry {
	return s.catalog.Entries
}

type CatalogMatch struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Search returns catalog entries semantically close to query, scores rounded
// to two decimals.
func (s *CatalogService) Search(ctx context.Context, query string, topK int) ([]CatalogMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrInvalidInput
	}
	if topK <= 0 {
		topK = s.searchTopK
	}
	matches, err := s.index.Search(ctx, query, vectorindex.SearchOptions{Namespace: s.namespace, TopK: topK})
	if err != nil {
		return nil, err
	}
	out := make([]CatalogMatch, 0, len(matches))
	for _, m := range matches {
		category, _ := m.Metadata["category"].(string)
		if category == "" {
			category = "Unknown"
		}
		out = append(out, CatalogMatch{
			Name:     m.Text,
			Category: category,
			Score:    math.Round(m.Score*100) / 100,
		})
	}
	return out, nil
}
