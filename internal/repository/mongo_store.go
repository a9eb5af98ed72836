package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"medibuddy/internal/model"
)

const (
	sessionsCollection = "sessions"
	messagesCollection = "messages"
)

// MongoConversationStore keeps sessions and messages in two collections.
// find-or-create relies on an upsert against the unique (user_id, topic_id)
// index.
type MongoConversationStore struct {
	sessions *mongo.Collection
	messages *mongo.Collection
}

func NewMongoConversationStore(db *mongo.Database) *MongoConversationStore {
	return &MongoConversationStore{
		sessions: db.Collection(sessionsCollection),
		messages: db.Collection(messagesCollection),
	}
}

// Migrate creates the indexes the store depends on.
func (s *MongoConversationStore) Migrate(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "topic_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_topic"),
		},
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_session_id"),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_active_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "source_name", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create session indexes failed: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes failed: %w", err)
	}
	return nil
}

func (s *MongoConversationStore) FindOrCreateSession(ctx context.Context, seed model.SessionSeed) (*model.Session, error) {
	session, err := s.upsertSession(ctx, seed)
	if mongo.IsDuplicateKeyError(err) {
		// lost the insert race; the winner's document is now visible
		session, err = s.upsertSession(ctx, seed)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create session failed: %w", err)
	}
	if err := session.CheckSchema(); err != nil {
		return nil, err
	}

	for _, f := range sessionBackfill(seed, session) {
		filter := backfillFilter(seed.UserID, seed.TopicID, f.field)
		if _, err := s.sessions.UpdateOne(ctx, filter, bson.M{"$set": bson.M{f.field: f.value}}); err != nil {
			return nil, fmt.Errorf("backfill session %s failed: %w", f.field, err)
		}
		*f.target = f.value
	}
	return session, nil
}

type backfillField struct {
	field  string
	value  string
	target *string
}

// sessionBackfill lists the seed fields that are set while the stored value
// is still empty.
func sessionBackfill(seed model.SessionSeed, session *model.Session) []backfillField {
	all := []backfillField{
		{"title", seed.Title, &session.Title},
		{"source_name", seed.SourceName, &session.SourceName},
		{"details", seed.Details, &session.Details},
		{"content", seed.Content, &session.Content},
	}
	out := all[:0]
	for _, f := range all {
		if f.value != "" && *f.target == "" {
			out = append(out, f)
		}
	}
	return out
}

// backfillFilter matches the session only while field is empty or unset, so
// a concurrent writer's value is never overwritten.
func backfillFilter(userID, topicID, field string) bson.M {
	return bson.M{
		"user_id":  userID,
		"topic_id": topicID,
		field:      bson.M{"$in": bson.A{"", nil}},
	}
}

func (s *MongoConversationStore) upsertSession(ctx context.Context, seed model.SessionSeed) (*model.Session, error) {
	filter := bson.M{"user_id": seed.UserID, "topic_id": seed.TopicID}
	update := bson.M{"$setOnInsert": newSessionFields(seed, uuid.NewString(), time.Now().UTC())}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var session model.Session
	if err := s.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func newSessionFields(seed model.SessionSeed, sessionID string, now time.Time) bson.M {
	now = now.Truncate(time.Millisecond)
	return bson.M{
		"session_id":     sessionID,
		"title":          seed.Title,
		"source_name":    seed.SourceName,
		"details":        seed.Details,
		"content":        seed.Content,
		"indexed":        false,
		"otc_result":     "",
		"schema_version": model.SessionSchemaVersion,
		"created_at":     now,
		"last_active_at": now,
	}
}

func (s *MongoConversationStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.findSession(ctx, bson.M{"session_id": sessionID})
}

func (s *MongoConversationStore) GetSessionByTopic(ctx context.Context, userID, topicID string) (*model.Session, error) {
	return s.findSession(ctx, bson.M{"user_id": userID, "topic_id": topicID})
}

func (s *MongoConversationStore) FindSessionBySourceName(ctx context.Context, userID, sourceName string) (*model.Session, error) {
	return s.findSession(ctx, bson.M{"user_id": userID, "source_name": sourceName})
}

func (s *MongoConversationStore) findSession(ctx context.Context, filter bson.M) (*model.Session, error) {
	var session model.Session
	err := s.sessions.FindOne(ctx, filter).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	if err := session.CheckSchema(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *MongoConversationStore) ListSessions(ctx context.Context, userID string) ([]model.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_active_at", Value: -1}})
	cur, err := s.sessions.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	var sessions []model.Session
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions failed: %w", err)
	}
	for i := range sessions {
		if err := sessions[i].CheckSchema(); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *MongoConversationStore) AppendMessage(ctx context.Context, message *model.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": message.SessionID},
		bson.M{"$set": bson.M{"last_active_at": message.CreatedAt}},
	)
	if err != nil {
		return fmt.Errorf("touch session failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	if _, err := s.messages.InsertOne(ctx, message); err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (s *MongoConversationStore) History(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	var messages []model.Message
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *MongoConversationStore) SetVerdict(ctx context.Context, sessionID, raw string) error {
	return s.setField(ctx, sessionID, "otc_result", raw)
}

func (s *MongoConversationStore) SetIndexed(ctx context.Context, sessionID string, indexed bool) error {
	return s.setField(ctx, sessionID, "indexed", indexed)
}

func (s *MongoConversationStore) setField(ctx context.Context, sessionID, field string, value any) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{field: value}},
	)
	if err != nil {
		return fmt.Errorf("update session %s failed: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}
