package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"medibuddy/internal/model"
	"medibuddy/internal/repository"
)

// defaultHistoryCacheDepth is how many trailing messages are kept in the cache.
const defaultHistoryCacheDepth = 50

// ConversationStore persists sessions and their messages.
type ConversationStore interface {
	FindOrCreateSession(ctx context.Context, seed model.SessionSeed) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetSessionByTopic(ctx context.Context, userID, topicID string) (*model.Session, error)
	FindSessionBySourceName(ctx context.Context, userID, sourceName string) (*model.Session, error)
	// ListSessions returns sessions most recently active first.
	ListSessions(ctx context.Context, userID string) ([]model.Session, error)
	AppendMessage(ctx context.Context, message *model.Message) error
	// History returns the newest limit messages in ascending order.
	History(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
	SetVerdict(ctx context.Context, sessionID, raw string) error
	SetIndexed(ctx context.Context, sessionID string, indexed bool) error
}

// AsyncMessagePublisher hands a message to a background persister.
type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID string, messages []model.Message) error
	Invalidate(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

type ConversationService struct {
	store      ConversationStore
	publisher  AsyncMessagePublisher
	cache      HistoryCache
	cacheDepth int
	logger     *zap.Logger
}

type ConversationOption func(*ConversationService)

// WithPublisher routes appends through an asynchronous publisher.
func WithPublisher(p AsyncMessagePublisher) ConversationOption {
	return func(s *ConversationService) { s.publisher = p }
}

func WithHistoryCache(c HistoryCache, depth int) ConversationOption {
	return func(s *ConversationService) {
		s.cache = c
		if depth > 0 {
			s.cacheDepth = depth
		}
	}
}

func NewConversationService(store ConversationStore, logger *zap.Logger, opts ...ConversationOption) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ConversationService{
		store:      store,
		cacheDepth: defaultHistoryCacheDepth,
		logger:     logger.With(zap.String("component", "conversation")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ConversationService) FindOrCreateSession(ctx context.Context, seed model.SessionSeed) (*model.Session, error) {
	seed.UserID = strings.TrimSpace(seed.UserID)
	seed.TopicID = strings.TrimSpace(seed.TopicID)
	if seed.UserID == "" || seed.TopicID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.FindOrCreateSession(ctx, seed)
}

// SessionForTopic returns the caller's session on topicID or ErrTopicNotFound.
func (s *ConversationService) SessionForTopic(ctx context.Context, userID, topicID string) (*model.Session, error) {
	if userID == "" || topicID == "" {
		return nil, ErrInvalidInput
	}
	session, err := s.store.GetSessionByTopic(ctx, userID, topicID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrTopicNotFound
	}
	return session, nil
}

// SessionDetails returns one of the caller's sessions by id. Sessions owned
// by another user are reported as not found.
func (s *ConversationService) SessionDetails(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	if userID == "" || sessionID == "" {
		return nil, ErrInvalidInput
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// TopicBySourceName returns the topic previously created for sourceName, if any.
func (s *ConversationService) TopicBySourceName(ctx context.Context, userID, sourceName string) (*model.Session, error) {
	if userID == "" || sourceName == "" {
		return nil, ErrInvalidInput
	}
	return s.store.FindSessionBySourceName(ctx, userID, sourceName)
}

func (s *ConversationService) AppendMessage(ctx context.Context, msg model.Message) error {
	if msg.SessionID == "" || !model.ValidRole(msg.Role) {
		return ErrInvalidInput
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, msg.SessionID); err != nil {
			s.logger.Warn("invalidate history cache failed", zap.String("session_id", msg.SessionID), zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Error("publish message failed", zap.String("session_id", msg.SessionID), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrMessageEnqueue, err)
		}
		return nil
	}
	if err := s.store.AppendMessage(ctx, &msg); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// History returns the newest limit messages of a session in ascending order,
// served from the cache when it is warm and clean.
func (s *ConversationService) History(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}
	if s.cache == nil || limit > s.cacheDepth {
		return s.store.History(ctx, sessionID, limit)
	}

	dirty, err := s.cache.IsDirty(ctx, sessionID)
	if err == nil && !dirty {
		if cached, hit, cacheErr := s.cache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
			return tailMessages(cached, limit), nil
		}
	}

	messages, err := s.store.History(ctx, sessionID, s.cacheDepth)
	if err != nil {
		return nil, err
	}
	if dirty, dirtyErr := s.cache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
		if err := s.cache.SetHistory(ctx, sessionID, messages); err != nil {
			s.logger.Warn("set history cache failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return tailMessages(messages, limit), nil
}

// ListTopics returns one entry per topic, most recently active first. The
// reserved global topic is not listed.
func (s *ConversationService) ListTopics(ctx context.Context, userID string) ([]model.TopicSummary, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	topics := make([]model.TopicSummary, 0, len(sessions))
	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if session.TopicID == model.GlobalTopicID {
			continue
		}
		if _, ok := seen[session.TopicID]; ok {
			continue
		}
		seen[session.TopicID] = struct{}{}
		title := session.Title
		if title == "" {
			title = "Prescription " + shortID(session.TopicID)
		}
		topics = append(topics, model.TopicSummary{
			TopicID:      session.TopicID,
			Title:        title,
			LastActiveAt: session.LastActiveAt,
		})
	}
	return topics, nil
}

// CachedVerdict returns the verdict stored on the session, or nil.
func (s *ConversationService) CachedVerdict(session *model.Session) (*model.Verdict, error) {
	return model.DecodeVerdict(session.OTCResult)
}

func (s *ConversationService) SaveVerdict(ctx context.Context, sessionID string, v *model.Verdict) error {
	raw, err := model.EncodeVerdict(v)
	if err != nil {
		return err
	}
	return s.setVerdict(ctx, sessionID, raw)
}

func (s *ConversationService) ClearVerdict(ctx context.Context, sessionID string) error {
	return s.setVerdict(ctx, sessionID, "")
}

func (s *ConversationService) MarkIndexed(ctx context.Context, sessionID string) error {
	if err := s.store.SetIndexed(ctx, sessionID, true); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

func (s *ConversationService) setVerdict(ctx context.Context, sessionID, raw string) error {
	if err := s.store.SetVerdict(ctx, sessionID, raw); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

func tailMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
