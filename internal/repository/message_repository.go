package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"medibuddy/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append inserts the message and touches the owning session's
// last_active_at in one transaction.
func (r *MessageRepository) Append(ctx context.Context, message *model.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Session{}).
			Where("session_id = ?", message.SessionID).
			Update("last_active_at", message.CreatedAt)
		if res.Error != nil {
			return fmt.Errorf("touch session failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.Session{}).Where("session_id = ?", message.SessionID).Count(&count).Error; err != nil {
				return fmt.Errorf("check session failed: %w", err)
			}
			if count == 0 {
				return ErrSessionNotFound
			}
		}
		if err := tx.Create(message).Error; err != nil {
			return fmt.Errorf("create message failed: %w", err)
		}
		return nil
	})
}

// ListRecent returns the newest limit messages in ascending order.
func (r *MessageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
