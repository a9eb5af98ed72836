package repository

import (
	"context"

	"gorm.io/gorm"

	"medibuddy/internal/model"
)

// SQLConversationStore is the relational conversation store.
type SQLConversationStore struct {
	db       *gorm.DB
	sessions *SessionRepository
	messages *MessageRepository
}

func NewSQLConversationStore(db *gorm.DB) *SQLConversationStore {
	return &SQLConversationStore{
		db:       db,
		sessions: NewSessionRepository(db),
		messages: NewMessageRepository(db),
	}
}

func (s *SQLConversationStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Session{}, &model.Message{})
}

func (s *SQLConversationStore) FindOrCreateSession(ctx context.Context, seed model.SessionSeed) (*model.Session, error) {
	return s.sessions.FindOrCreate(ctx, seed)
}

func (s *SQLConversationStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.sessions.GetBySessionID(ctx, sessionID)
}

func (s *SQLConversationStore) GetSessionByTopic(ctx context.Context, userID, topicID string) (*model.Session, error) {
	return s.sessions.GetByUserAndTopic(ctx, userID, topicID)
}

func (s *SQLConversationStore) FindSessionBySourceName(ctx context.Context, userID, sourceName string) (*model.Session, error) {
	return s.sessions.GetBySourceName(ctx, userID, sourceName)
}

func (s *SQLConversationStore) ListSessions(ctx context.Context, userID string) ([]model.Session, error) {
	return s.sessions.ListByUserID(ctx, userID)
}

func (s *SQLConversationStore) AppendMessage(ctx context.Context, message *model.Message) error {
	return s.messages.Append(ctx, message)
}

func (s *SQLConversationStore) History(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	return s.messages.ListRecent(ctx, sessionID, limit)
}

func (s *SQLConversationStore) SetVerdict(ctx context.Context, sessionID, raw string) error {
	return s.sessions.SetOTCResult(ctx, sessionID, raw)
}

func (s *SQLConversationStore) SetIndexed(ctx context.Context, sessionID string, indexed bool) error {
	return s.sessions.SetIndexed(ctx, sessionID, indexed)
}
