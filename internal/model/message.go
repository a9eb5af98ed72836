package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is append-only; ordering is by CreatedAt then ID.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"-" bson:"-"`
	SessionID string    `gorm:"size:36;not null;index:idx_messages_session_created" json:"session_id" bson:"session_id"`
	Role      string    `gorm:"size:16;not null" json:"role" bson:"role"`
	Content   string    `gorm:"type:text;not null" json:"content" bson:"content"`
	CreatedAt time.Time `gorm:"index:idx_messages_session_created" json:"timestamp" bson:"timestamp"`
}

// ValidRole reports whether role is one the store accepts.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
