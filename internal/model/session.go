package model

import (
	"errors"
	"fmt"
	"time"
)

// SessionSchemaVersion is the current shape of Session records.
const SessionSchemaVersion = 1

var ErrSessionSchema = errors.New("incompatible session schema")

// GlobalTopicID is the reserved topic used for questions asked across all of
// a user's documents.
const GlobalTopicID = "GLOBAL"

// Session is the unique (user, topic) conversation context.
type Session struct {
	ID            uint      `gorm:"primaryKey" json:"-" bson:"-"`
	SessionID     string    `gorm:"size:36;not null;uniqueIndex" json:"session_id" bson:"session_id"`
	UserID        string    `gorm:"size:64;not null;uniqueIndex:idx_sessions_user_topic" json:"user_id" bson:"user_id"`
	TopicID       string    `gorm:"size:64;not null;uniqueIndex:idx_sessions_user_topic" json:"topic_id" bson:"topic_id"`
	Title         string    `gorm:"size:256" json:"title" bson:"title"`
	SourceName    string    `gorm:"size:256;index" json:"source_name" bson:"source_name"`
	Details       string    `gorm:"type:text" json:"details" bson:"details"`
	Content       string    `gorm:"type:text" json:"-" bson:"content"`
	Indexed       bool      `gorm:"not null;default:false" json:"indexed" bson:"indexed"`
	OTCResult     string    `gorm:"type:text" json:"-" bson:"otc_result"`
	SchemaVersion int       `gorm:"not null;default:1" json:"schema_version" bson:"schema_version"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastActiveAt  time.Time `gorm:"index" json:"last_active_at" bson:"last_active_at"`
}

// SessionSeed carries the lookup key and the optional fields used to create
// or backfill a session.
type SessionSeed struct {
	UserID     string
	TopicID    string
	Title      string
	SourceName string
	Details    string
	// Content is the text embedded for retrieval; kept so a topic can be
	// re-indexed without the original upload.
	Content string
}

// CheckSchema rejects records written with another SessionSchemaVersion.
func (s *Session) CheckSchema() error {
	if s.SchemaVersion != SessionSchemaVersion {
		return fmt.Errorf("%w: session %s has version %d, want %d", ErrSessionSchema, s.SessionID, s.SchemaVersion, SessionSchemaVersion)
	}
	return nil
}

// TopicSummary is one entry of a user's topic listing.
type TopicSummary struct {
	TopicID      string    `json:"topic_id"`
	Title        string    `json:"title"`
	LastActiveAt time.Time `json:"last_active_at"`
}
