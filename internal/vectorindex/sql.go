package vectorindex

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medibuddy/internal/model"
)

// SQLBackend keeps embeddings as JSON rows and scores them in Go. It suits
// small corpora where a dedicated vector database is not available.
type SQLBackend struct {
	db *gorm.DB
}

func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) EnsureIndex(ctx context.Context, _ int) error {
	if err := b.db.WithContext(ctx).AutoMigrate(&model.VectorRecord{}); err != nil {
		return fmt.Errorf("migrate vector records failed: %w", err)
	}
	return nil
}

func (b *SQLBackend) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	rows := make([]model.VectorRecord, 0, len(vectors))
	for _, v := range vectors {
		row := model.VectorRecord{Namespace: namespace, RecordID: v.ID}
		row.SetEmbedding(v.Values)
		if err := row.SetMetadata(v.Metadata); err != nil {
			return fmt.Errorf("encode metadata for %q failed: %w", v.ID, err)
		}
		rows = append(rows, row)
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"metadata", "embedding", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert vector records failed: %w", err)
	}
	return nil
}

func (b *SQLBackend) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	var rows []model.VectorRecord
	if err := b.db.WithContext(ctx).Where("namespace = ?", namespace).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list vector records failed: %w", err)
	}
	matches := make([]Match, 0, len(rows))
	for i := range rows {
		meta := rows[i].MetadataMap()
		if !matchesFilter(meta, filter) {
			continue
		}
		matches = append(matches, Match{
			ID:       rows[i].RecordID,
			Metadata: meta,
			Score:    cosineSimilarity(vector, rows[i].EmbeddingVector()),
		})
	}
	return topKMatches(matches, topK), nil
}
