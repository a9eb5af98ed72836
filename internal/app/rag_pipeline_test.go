package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medibuddy/internal/model"
	"medibuddy/internal/vectorindex"
)

func newTestPipeline(t *testing.T, searcher Searcher, gen Generator) (*RAGPipeline, *ConversationService) {
	t.Helper()
	conversations, _ := newTestConversations(t)
	p := NewRAGPipeline(searcher, gen, conversations, RAGConfig{Namespace: testDocNamespace}, nil)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	return p, conversations
}

func seedTopic(t *testing.T, conversations *ConversationService, userID, topicID string) {
	t.Helper()
	_, err := conversations.FindOrCreateSession(context.Background(), model.SessionSeed{
		UserID:  userID,
		TopicID: topicID,
		Title:   "Prescription: Crocin",
	})
	require.NoError(t, err)
}

func TestAskPersistsQuestionThenAnswer(t *testing.T) {
	searcher := &stubSearcher{results: map[string][]vectorindex.Match{
		"what is Crocin for?": {{Text: "Medicines:\n- Crocin (Qty: 1 tablet)", Score: 0.8}},
	}}
	gen := &scriptedGenerator{respond: answerWith("Crocin relieves fever and pain.")}
	p, conversations := newTestPipeline(t, searcher, gen)
	ctx := context.Background()
	seedTopic(t, conversations, "u1", "t1")

	state, err := p.Ask(ctx, AskInput{UserID: "u1", TopicID: "t1", Question: "  what is Crocin for?  "})
	require.NoError(t, err)
	assert.Equal(t, "Crocin relieves fever and pain.", state.Answer)
	assert.Equal(t, "English", state.Language)
	assert.Equal(t, []string{"Medicines:\n- Crocin (Qty: 1 tablet)"}, state.Context)
	assert.Equal(t, 1, gen.Calls())

	history, err := conversations.History(ctx, state.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, "what is Crocin for?", history[0].Content)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Equal(t, "Crocin relieves fever and pain.", history[1].Content)
	assert.True(t, history[1].CreatedAt.After(history[0].CreatedAt))

	call := searcher.lastCall()
	assert.Equal(t, testDocNamespace, call.Namespace)
	assert.Equal(t, defaultRetrieveTopK, call.TopK)
	assert.Equal(t, vectorindex.Filter{"user_id": "u1", "topic_id": "t1"}, call.Filter)
}

func TestAskWithoutTopicUsesGlobalSession(t *testing.T) {
	searcher := &stubSearcher{}
	gen := &scriptedGenerator{respond: answerWith("ok")}
	p, conversations := newTestPipeline(t, searcher, gen)
	ctx := context.Background()

	state, err := p.Ask(ctx, AskInput{UserID: "u1", Question: "which of my medicines are for fever?", Language: "Hindi"})
	require.NoError(t, err)
	assert.Empty(t, state.TopicID)
	assert.Equal(t, "Hindi", state.Language)
	assert.Equal(t, vectorindex.Filter{"user_id": "u1"}, searcher.lastCall().Filter)
	assert.Contains(t, gen.LastPrompt(), "Answer in the following language: Hindi")

	global, err := conversations.SessionForTopic(ctx, "u1", model.GlobalTopicID)
	require.NoError(t, err)
	assert.Equal(t, global.SessionID, state.SessionID)

	again, err := p.Ask(ctx, AskInput{UserID: "u1", TopicID: model.GlobalTopicID, Question: "and for pain?"})
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, again.SessionID)
}

func TestAskRetrieveFailureContinuesWithoutContext(t *testing.T) {
	searcher := &stubSearcher{err: vectorindex.ErrIndexUnavailable}
	gen := &scriptedGenerator{respond: answerWith("I could not find that in your prescription.")}
	p, conversations := newTestPipeline(t, searcher, gen)
	ctx := context.Background()
	seedTopic(t, conversations, "u1", "t1")

	state, err := p.Ask(ctx, AskInput{UserID: "u1", TopicID: "t1", Question: "dose?"})
	require.NoError(t, err)
	assert.NotNil(t, state.Context)
	assert.Empty(t, state.Context)
	assert.Equal(t, 1, gen.Calls())

	history, err := conversations.History(ctx, state.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAskGenerationFailureWritesNothing(t *testing.T) {
	gen := &scriptedGenerator{respond: func(string) (string, error) { return "", errors.New("503") }}
	p, conversations := newTestPipeline(t, &stubSearcher{}, gen)
	ctx := context.Background()
	seedTopic(t, conversations, "u1", "t1")

	_, err := p.Ask(ctx, AskInput{UserID: "u1", TopicID: "t1", Question: "dose?"})
	assert.ErrorIs(t, err, ErrAnswerUnavailable)

	session, err := conversations.SessionForTopic(ctx, "u1", "t1")
	require.NoError(t, err)
	history, err := conversations.History(ctx, session.SessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAskUnknownTopicIsNotFound(t *testing.T) {
	searcher := &stubSearcher{}
	gen := &scriptedGenerator{respond: answerWith("ok")}
	p, conversations := newTestPipeline(t, searcher, gen)
	ctx := context.Background()
	seedTopic(t, conversations, "u2", "t-other")

	for _, topic := range []string{"does-not-exist", "t-other"} {
		_, err := p.Ask(ctx, AskInput{UserID: "u1", TopicID: topic, Question: "dose?"})
		assert.ErrorIs(t, err, ErrTopicNotFound, topic)
	}
	assert.Zero(t, gen.Calls())
	assert.Empty(t, searcher.calls)

	topics, err := conversations.ListTopics(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	p, _ := newTestPipeline(t, &stubSearcher{}, &scriptedGenerator{})
	_, err := p.Ask(context.Background(), AskInput{UserID: "u1", Question: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGenerateUsesRecentCompactedHistory(t *testing.T) {
	gen := &scriptedGenerator{respond: answerWith("ok")}
	p, conversations := newTestPipeline(t, &stubSearcher{}, gen)
	ctx := context.Background()

	session, err := conversations.FindOrCreateSession(ctx, model.SessionSeed{UserID: "u1", TopicID: "t1"})
	require.NoError(t, err)
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 1; i <= 7; i++ {
		role := model.RoleUser
		if i%2 == 0 {
			role = model.RoleAssistant
		}
		require.NoError(t, conversations.AppendMessage(ctx, model.Message{
			SessionID: session.SessionID,
			Role:      role,
			Content:   fmt.Sprintf("The patient is taking dose%d at night", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	state := &AskState{UserID: "u1", Question: "next?", SessionID: session.SessionID}
	require.NoError(t, p.Generate(ctx, state))

	prompt := gen.LastPrompt()
	assert.NotContains(t, prompt, "dose1")
	assert.NotContains(t, prompt, "dose2")
	assert.Contains(t, prompt, "User: patient taking dose3 night\nAssistant: patient taking dose4 night")
	assert.Contains(t, prompt, "User: patient taking dose7 night")
	assert.Contains(t, prompt, "User question: next?")

	history, err := conversations.History(ctx, session.SessionID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 7)
}

func TestRenderHistory(t *testing.T) {
	out := RenderHistory([]model.Message{
		{Role: model.RoleUser, Content: "Should I take the tablet at night?"},
		{Role: model.RoleAssistant, Content: "Yes, take it after dinner"},
	})
	assert.Equal(t, "User: Should take tablet night?\nAssistant: Yes, take after dinner", out)
	assert.Empty(t, RenderHistory(nil))
}

func TestPersistTurnOrdersTimestamps(t *testing.T) {
	p, conversations := newTestPipeline(t, &stubSearcher{}, &scriptedGenerator{})
	ctx := context.Background()
	session, err := conversations.FindOrCreateSession(ctx, model.SessionSeed{UserID: "u1", TopicID: "t1"})
	require.NoError(t, err)

	askedAt := time.Date(2026, 3, 1, 9, 30, 0, 400, time.UTC)
	state := &AskState{SessionID: session.SessionID, Question: "q", Answer: "a"}
	require.NoError(t, p.PersistTurn(ctx, state, askedAt))

	history, err := conversations.History(ctx, session.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, askedAt.Truncate(time.Millisecond), history[0].CreatedAt.UTC())
	assert.Equal(t, askedAt.Truncate(time.Millisecond).Add(time.Millisecond), history[1].CreatedAt.UTC())
}
