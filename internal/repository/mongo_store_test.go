package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"medibuddy/internal/model"
)

func sessionDoc(sessionID, title string, version int) bson.D {
	return bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "user_id", Value: "u1"},
		{Key: "topic_id", Value: "t1"},
		{Key: "title", Value: title},
		{Key: "details", Value: ""},
		{Key: "schema_version", Value: version},
	}
}

func findAndModifyResponse(doc bson.D) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: doc})
}

func TestMongoConversationStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("find or create retries once after duplicate key", func(mt *mtest.T) {
		store := NewMongoConversationStore(mt.DB)
		mt.AddMockResponses(
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Name: "DuplicateKey", Message: "E11000 duplicate key error"}),
			findAndModifyResponse(sessionDoc("s-winner", "Prescription: Crocin", model.SessionSchemaVersion)),
		)

		session, err := store.FindOrCreateSession(ctx, model.SessionSeed{UserID: "u1", TopicID: "t1", Title: "Prescription: Dolo"})
		require.NoError(mt, err)
		assert.Equal(mt, "s-winner", session.SessionID)
		assert.Equal(mt, "Prescription: Crocin", session.Title)
	})

	mt.Run("find or create backfills empty fields", func(mt *mtest.T) {
		store := NewMongoConversationStore(mt.DB)
		mt.AddMockResponses(
			findAndModifyResponse(sessionDoc("s1", "", model.SessionSchemaVersion)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		session, err := store.FindOrCreateSession(ctx, model.SessionSeed{UserID: "u1", TopicID: "t1", Title: "Prescription: Crocin"})
		require.NoError(mt, err)
		assert.Equal(mt, "Prescription: Crocin", session.Title)
	})

	mt.Run("load rejects other schema versions", func(mt *mtest.T) {
		store := NewMongoConversationStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "medibuddy.sessions", mtest.FirstBatch, sessionDoc("s1", "x", 99)))

		_, err := store.GetSession(ctx, "s1")
		assert.ErrorIs(mt, err, model.ErrSessionSchema)
	})

	mt.Run("missing session is nil", func(mt *mtest.T) {
		store := NewMongoConversationStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "medibuddy.sessions", mtest.FirstBatch))

		session, err := store.GetSessionByTopic(ctx, "u1", "t1")
		require.NoError(mt, err)
		assert.Nil(mt, session)
	})

	mt.Run("set indexed on unknown session", func(mt *mtest.T) {
		store := NewMongoConversationStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		assert.ErrorIs(mt, store.SetIndexed(ctx, "missing", true), ErrSessionNotFound)
	})
}

func TestSessionBackfillSkipsStoredValues(t *testing.T) {
	session := &model.Session{Title: "kept", Details: ""}
	seed := model.SessionSeed{Title: "new title", SourceName: "", Details: "- Crocin", Content: "Date: -"}

	fields := sessionBackfill(seed, session)
	var names []string
	for _, f := range fields {
		names = append(names, f.field)
	}
	assert.Equal(t, []string{"details", "content"}, names)

	for _, f := range fields {
		*f.target = f.value
	}
	assert.Equal(t, "kept", session.Title)
	assert.Equal(t, "- Crocin", session.Details)
	assert.Equal(t, "Date: -", session.Content)
}

func TestBackfillFilterMatchesOnlyEmptyField(t *testing.T) {
	filter := backfillFilter("u1", "t1", "details")
	assert.Equal(t, bson.M{
		"user_id":  "u1",
		"topic_id": "t1",
		"details":  bson.M{"$in": bson.A{"", nil}},
	}, filter)
}

func TestNewSessionFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	fields := newSessionFields(model.SessionSeed{UserID: "u1", TopicID: "t1", Title: "T"}, "s1", now)

	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, "T", fields["title"])
	assert.Equal(t, false, fields["indexed"])
	assert.Equal(t, model.SessionSchemaVersion, fields["schema_version"])
	assert.Equal(t, now.Truncate(time.Millisecond), fields["created_at"])
	assert.Equal(t, fields["created_at"], fields["last_active_at"])
	assert.NotContains(t, fields, "user_id")
}
