package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"medibuddy/internal/model"
	"medibuddy/internal/pkg/compact"
	"medibuddy/internal/vectorindex"
)

const (
	defaultRetrieveTopK   = 5
	defaultHistoryLimit   = 5
	defaultAnswerLanguage = "English"
)

// AskState is carried from Retrieve to Generate. An empty TopicID means the
// question spans all of the user's topics.
type AskState struct {
	UserID    string   `json:"-"`
	Question  string   `json:"question"`
	TopicID   string   `json:"topic_id,omitempty"`
	SessionID string   `json:"session_id"`
	Language  string   `json:"language"`
	Context   []string `json:"context"`
	Answer    string   `json:"answer"`
}

type RAGConfig struct {
	Namespace       string
	TopK            int
	HistoryLimit    int
	DefaultLanguage string
}

// RAGPipeline answers questions from the user's indexed documents. It is a
// fixed retrieve then generate sequence followed by persisting the turn.
type RAGPipeline struct {
	index         Searcher
	llm           Generator
	conversations *ConversationService
	cfg           RAGConfig
	logger        *zap.Logger
	now           func() time.Time
}

func NewRAGPipeline(index Searcher, llm Generator, conversations *ConversationService, cfg RAGConfig, logger *zap.Logger) *RAGPipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultRetrieveTopK
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = defaultAnswerLanguage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGPipeline{
		index:         index,
		llm:           llm,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "rag")),
		now:           time.Now,
	}
}

type AskInput struct {
	UserID   string
	TopicID  string
	Question string
	Language string
}

// Ask runs retrieve, generate and persist for one question. Exactly two
// messages are written when it succeeds; none when generation fails. A named
// topic must already exist for the user, otherwise ErrTopicNotFound.
func (p *RAGPipeline) Ask(ctx context.Context, input AskInput) (*AskState, error) {
	question := strings.TrimSpace(input.Question)
	if input.UserID == "" || question == "" {
		return nil, ErrInvalidInput
	}
	topicID := strings.TrimSpace(input.TopicID)
	if topicID == model.GlobalTopicID {
		topicID = ""
	}

	var (
		session *model.Session
		err     error
	)
	if topicID == "" {
		session, err = p.conversations.FindOrCreateSession(ctx, model.SessionSeed{UserID: input.UserID, TopicID: model.GlobalTopicID})
	} else {
		// document topics only exist once ingested
		session, err = p.conversations.SessionForTopic(ctx, input.UserID, topicID)
	}
	if err != nil {
		return nil, err
	}

	state := &AskState{
		UserID:    input.UserID,
		Question:  question,
		TopicID:   topicID,
		SessionID: session.SessionID,
		Language:  input.Language,
	}
	askedAt := p.now()

	p.Retrieve(ctx, state)
	if err := p.Generate(ctx, state); err != nil {
		return nil, err
	}
	if err := p.PersistTurn(ctx, state, askedAt); err != nil {
		return nil, err
	}
	return state, nil
}

// Retrieve fills state.Context from the document namespace. Index failures
// leave the context empty.
func (p *RAGPipeline) Retrieve(ctx context.Context, state *AskState) {
	filter := vectorindex.Filter{"user_id": state.UserID}
	if state.TopicID != "" {
		filter["topic_id"] = state.TopicID
	}
	matches, err := p.index.Search(ctx, state.Question, vectorindex.SearchOptions{
		Namespace: p.cfg.Namespace,
		TopK:      p.cfg.TopK,
		Filter:    filter,
	})
	if err != nil {
		p.logger.Warn("retrieve failed, continuing without context",
			zap.String("session_id", state.SessionID),
			zap.Error(err),
		)
		state.Context = []string{}
		return
	}
	state.Context = make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Text != "" {
			state.Context = append(state.Context, m.Text)
		}
	}
}

// Generate builds the prompt from context and compacted history and stores
// the raw model output in state.Answer. It does not write to the store.
func (p *RAGPipeline) Generate(ctx context.Context, state *AskState) error {
	if p.llm == nil {
		return ErrAnswerUnavailable
	}
	language := strings.TrimSpace(state.Language)
	if language == "" {
		language = p.cfg.DefaultLanguage
	}
	state.Language = language

	history, err := p.conversations.History(ctx, state.SessionID, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Warn("load history failed", zap.String("session_id", state.SessionID), zap.Error(err))
		history = nil
	}

	answer, err := p.llm.Generate(ctx, buildAnswerPrompt(state, RenderHistory(history)))
	if err != nil {
		p.logger.Error("generate answer failed", zap.String("session_id", state.SessionID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrAnswerUnavailable, err)
	}
	state.Answer = answer
	return nil
}

// PersistTurn appends the question and then the answer. Timestamps are
// millisecond precision and the answer is always strictly later.
func (p *RAGPipeline) PersistTurn(ctx context.Context, state *AskState, askedAt time.Time) error {
	userAt := askedAt.UTC().Truncate(time.Millisecond)
	answerAt := p.now().UTC().Truncate(time.Millisecond)
	if !answerAt.After(userAt) {
		answerAt = userAt.Add(time.Millisecond)
	}
	if err := p.conversations.AppendMessage(ctx, model.Message{
		SessionID: state.SessionID,
		Role:      model.RoleUser,
		Content:   state.Question,
		CreatedAt: userAt,
	}); err != nil {
		return err
	}
	return p.conversations.AppendMessage(ctx, model.Message{
		SessionID: state.SessionID,
		Role:      model.RoleAssistant,
		Content:   state.Answer,
		CreatedAt: answerAt,
	})
}

// RenderHistory formats messages as "Role: compacted content" lines.
func RenderHistory(messages []model.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, roleLabel(m.Role)+": "+compact.Compact(m.Content))
	}
	return strings.Join(lines, "\n")
}

func roleLabel(role string) string {
	if role == "" {
		return "User"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

func buildAnswerPrompt(state *AskState, history string) string {
	var b strings.Builder
	b.WriteString("You are a helpful medical assistant. Answer the user's question using the prescription context and the chat history below.\n\n")
	b.WriteString("IMPORTANT INSTRUCTIONS:\n")
	fmt.Fprintf(&b, "1. Answer in the following language: %s\n", state.Language)
	b.WriteString("2. If the question is about a specific medicine, provide both:\n")
	b.WriteString("   a) the exact instructions from the prescription (dosage, timing);\n")
	b.WriteString("   b) general medical background on what the medicine is commonly used for.\n")
	b.WriteString("3. If the context does not contain the answer, say so before giving general information.\n\n")
	b.WriteString("Context from prescriptions:\n")
	b.WriteString(strings.Join(state.Context, "\n\n"))
	b.WriteString("\n\nChat history:\n")
	b.WriteString(history)
	b.WriteString("\n\nUser question: ")
	b.WriteString(state.Question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}
