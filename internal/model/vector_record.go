package model

import (
	"encoding/json"
	"time"
)

// VectorRecord stores one embedded text for the SQL vector backend.
// Embedding and Metadata are stored as JSON for portability.
type VectorRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Namespace string    `gorm:"size:64;not null;uniqueIndex:idx_vector_records_ns_record" json:"namespace"`
	RecordID  string    `gorm:"size:128;not null;uniqueIndex:idx_vector_records_ns_record" json:"record_id"`
	Metadata  string    `gorm:"type:text" json:"-"`
	Embedding string    `gorm:"type:longtext" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingVector returns the parsed embedding slice; empty on parse error.
func (r *VectorRecord) EmbeddingVector() []float32 {
	if r.Embedding == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(r.Embedding), &v)
	return v
}

// SetEmbedding stores the embedding as JSON.
func (r *VectorRecord) SetEmbedding(vec []float32) {
	if len(vec) == 0 {
		r.Embedding = "[]"
		return
	}
	b, _ := json.Marshal(vec)
	r.Embedding = string(b)
}

// MetadataMap returns the parsed metadata; nil on parse error.
func (r *VectorRecord) MetadataMap() map[string]any {
	if r.Metadata == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Metadata), &m); err != nil {
		return nil
	}
	return m
}

// SetMetadata stores the metadata as JSON.
func (r *VectorRecord) SetMetadata(meta map[string]any) error {
	if meta == nil {
		r.Metadata = "{}"
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	r.Metadata = string(b)
	return nil
}
