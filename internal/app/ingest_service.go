package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medibuddy/internal/model"
	"medibuddy/internal/pkg/pdfextract"
	"medibuddy/internal/vectorindex"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 64
)

var ErrUnsupportedFile = errors.New("unsupported file type")

// Upserter is the write side of the vector index.
type Upserter interface {
	Upsert(ctx context.Context, namespace string, records []vectorindex.Record) (*vectorindex.UpsertReport, error)
}

type IngestConfig struct {
	Namespace    string
	ChunkSize    int
	ChunkOverlap int
}

// IngestService turns an extracted prescription into a topic: indexed chunks
// plus a session carrying the title and medicine details.
type IngestService struct {
	index         Upserter
	conversations *ConversationService
	extractor     *Extractor
	cfg           IngestConfig
	logger        *zap.Logger
	newTopicID    func() string
}

func NewIngestService(index Upserter, conversations *ConversationService, extractor *Extractor, cfg IngestConfig, logger *zap.Logger) *IngestService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		index:         index,
		conversations: conversations,
		extractor:     extractor,
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "ingest")),
		newTopicID:    uuid.NewString,
	}
}

type IngestInput struct {
	UserID       string
	SourceName   string
	Prescription model.Prescription
}

type IngestResult struct {
	TopicID   string `json:"topic_id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Details   string `json:"details"`
	// Duplicate is set when the source was uploaded before. Only a topic that
	// was never indexed is written again.
	Duplicate bool `json:"duplicate"`
	// Indexed is false when some or all chunks could not be stored in the index.
	Indexed bool `json:"indexed"`
	Chunks  int  `json:"chunks"`
}

// IngestPrescription stores a structured prescription under a new topic.
// Uploads are deduplicated per user by source name.
func (s *IngestService) IngestPrescription(ctx context.Context, input IngestInput) (*IngestResult, error) {
	userID := strings.TrimSpace(input.UserID)
	sourceName := strings.TrimSpace(input.SourceName)
	if userID == "" || sourceName == "" {
		return nil, ErrInvalidInput
	}

	if existing, err := s.duplicate(ctx, userID, sourceName); err != nil || existing != nil {
		return existing, err
	}

	p := input.Prescription
	p.Normalize()
	topicID := s.newTopicID()
	session, err := s.conversations.FindOrCreateSession(ctx, model.SessionSeed{
		UserID:     userID,
		TopicID:    topicID,
		Title:      p.Title(sourceName),
		SourceName: sourceName,
		Details:    p.Details(),
		Content:    p.Content(),
	})
	if err != nil {
		return nil, fmt.Errorf("create topic session failed: %w", err)
	}

	chunks, indexed := s.indexSession(ctx, session)
	s.logger.Info("ingested prescription",
		zap.String("topic_id", topicID),
		zap.String("source_name", sourceName),
		zap.Int("medicines", len(p.Medicines)),
		zap.Bool("indexed", indexed),
	)
	return &IngestResult{
		TopicID:   topicID,
		SessionID: session.SessionID,
		Title:     session.Title,
		Details:   session.Details,
		Indexed:   indexed,
		Chunks:    chunks,
	}, nil
}

// indexSession upserts the session's content chunks and records success on
// the session. A failed or partial upsert leaves the session unindexed so a
// later upload of the same source retries it.
func (s *IngestService) indexSession(ctx context.Context, session *model.Session) (int, bool) {
	content := session.Content
	if strings.TrimSpace(content) == "" {
		content = session.Details
	}
	chunks := chunkText(content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	records := make([]vectorindex.Record, 0, len(chunks))
	for i, chunk := range chunks {
		records = append(records, vectorindex.Record{
			ID:   vectorindex.ChunkID(session.TopicID, i),
			Text: chunk,
			Metadata: map[string]any{
				"topic_id":    session.TopicID,
				"user_id":     session.UserID,
				"source_name": session.SourceName,
				"chunk_index": i,
			},
		})
	}

	report, err := s.index.Upsert(ctx, s.cfg.Namespace, records)
	switch {
	case err != nil:
		s.logger.Warn("index prescription failed, topic stored without chunks",
			zap.String("topic_id", session.TopicID),
			zap.Error(err),
		)
		return len(records), false
	case !report.OK():
		s.logger.Warn("index prescription partially failed",
			zap.String("topic_id", session.TopicID),
			zap.Int("committed", report.Committed()),
			zap.Int("total", report.Total),
		)
		return len(records), false
	}

	if err := s.conversations.MarkIndexed(ctx, session.SessionID); err != nil {
		s.logger.Warn("mark topic indexed failed",
			zap.String("topic_id", session.TopicID),
			zap.Error(err),
		)
	}
	session.Indexed = true
	return len(records), true
}

// IngestUpload extracts a prescription from an uploaded file and ingests it.
// PDF and plain text files are accepted.
func (s *IngestService) IngestUpload(ctx context.Context, userID, filename string, data []byte) (*IngestResult, error) {
	userID = strings.TrimSpace(userID)
	filename = strings.TrimSpace(filepath.Base(filename))
	if userID == "" || filename == "" || filename == "." || len(data) == 0 {
		return nil, ErrInvalidInput
	}
	if existing, err := s.duplicate(ctx, userID, filename); err != nil || existing != nil {
		return existing, err
	}
	if s.extractor == nil {
		return nil, ErrExtractionFailed
	}

	var text string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		extracted, err := pdfextract.ExtractText(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		text = extracted
	case ".txt", ".md":
		text = string(data)
	default:
		return nil, ErrUnsupportedFile
	}

	p, err := s.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.IngestPrescription(ctx, IngestInput{UserID: userID, SourceName: filename, Prescription: *p})
}

// duplicate returns the topic already created for sourceName. A topic whose
// chunks never reached the index is indexed again from its stored content.
func (s *IngestService) duplicate(ctx context.Context, userID, sourceName string) (*IngestResult, error) {
	existing, err := s.conversations.TopicBySourceName(ctx, userID, sourceName)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	res := &IngestResult{
		TopicID:   existing.TopicID,
		SessionID: existing.SessionID,
		Title:     existing.Title,
		Details:   existing.Details,
		Duplicate: true,
		Indexed:   existing.Indexed,
	}
	if !existing.Indexed {
		res.Chunks, res.Indexed = s.indexSession(ctx, existing)
	}
	return res, nil
}

// chunkText splits text into overlapping chunks by rune count.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap >= size {
		overlap = size / 2
	}
	runes := []rune(strings.TrimSpace(text))
	var chunks []string
	for i := 0; i < len(runes); {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
		i += size - overlap
	}
	return chunks
}
