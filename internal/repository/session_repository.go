package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medibuddy/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindOrCreate returns the session for (user, topic), inserting it when
// absent. The unique (user_id, topic_id) index makes concurrent first calls
// converge on one row. Optional fields are backfilled only where the stored
// value is empty.
func (r *SessionRepository) FindOrCreate(ctx context.Context, seed model.SessionSeed) (*model.Session, error) {
	now := time.Now().UTC()
	candidate := model.Session{
		SessionID:     uuid.NewString(),
		UserID:        seed.UserID,
		TopicID:       seed.TopicID,
		Title:         seed.Title,
		SourceName:    seed.SourceName,
		Details:       seed.Details,
		Content:       seed.Content,
		SchemaVersion: model.SessionSchemaVersion,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("create session failed: %w", err)
	}

	session, err := r.GetByUserAndTopic(ctx, seed.UserID, seed.TopicID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session for user %s topic %s vanished after upsert", seed.UserID, seed.TopicID)
	}

	backfill := []struct {
		column string
		value  string
		target *string
	}{
		{"title", seed.Title, &session.Title},
		{"source_name", seed.SourceName, &session.SourceName},
		{"details", seed.Details, &session.Details},
		{"content", seed.Content, &session.Content},
	}
	for _, f := range backfill {
		if f.value == "" || *f.target != "" {
			continue
		}
		err := db.Model(&model.Session{}).
			Where("id = ? AND ("+f.column+" = '' OR "+f.column+" IS NULL)", session.ID).
			Update(f.column, f.value).Error
		if err != nil {
			return nil, fmt.Errorf("backfill session %s failed: %w", f.column, err)
		}
		*f.target = f.value
	}
	return session, nil
}

func (r *SessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.Session, error) {
	return r.first(ctx, "session_id = ?", sessionID)
}

func (r *SessionRepository) GetByUserAndTopic(ctx context.Context, userID, topicID string) (*model.Session, error) {
	return r.first(ctx, "user_id = ? AND topic_id = ?", userID, topicID)
}

func (r *SessionRepository) GetBySourceName(ctx context.Context, userID, sourceName string) (*model.Session, error) {
	return r.first(ctx, "user_id = ? AND source_name = ?", userID, sourceName)
}

func (r *SessionRepository) first(ctx context.Context, query string, args ...any) (*model.Session, error) {
	var session model.Session
	if err := r.db.WithContext(ctx).Where(query, args...).Order("id ASC").First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	if err := session.CheckSchema(); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListByUserID returns the user's sessions, most recently active first.
func (r *SessionRepository) ListByUserID(ctx context.Context, userID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at DESC").
		Order("id DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	for i := range sessions {
		if err := sessions[i].CheckSchema(); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// SetIndexed records whether the session's chunks are in the vector index.
func (r *SessionRepository) SetIndexed(ctx context.Context, sessionID string, indexed bool) error {
	return r.updateBySessionID(ctx, sessionID, "indexed", indexed)
}

// SetOTCResult stores the encoded verdict; an empty value clears it.
func (r *SessionRepository) SetOTCResult(ctx context.Context, sessionID, raw string) error {
	return r.updateBySessionID(ctx, sessionID, "otc_result", raw)
}

func (r *SessionRepository) updateBySessionID(ctx context.Context, sessionID, column string, value any) error {
	res := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("session_id = ?", sessionID).
		Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("update session %s failed: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		exists, err := r.GetBySessionID(ctx, sessionID)
		if err != nil {
			return err
		}
		if exists == nil {
			return ErrSessionNotFound
		}
	}
	return nil
}
