package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"medibuddy/internal/repository"
	"medibuddy/internal/vectorindex"
)

const testDocNamespace = "prescriptions"

func newTestStore(t *testing.T) *repository.SQLConversationStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := repository.NewSQLConversationStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestConversations(t *testing.T) (*ConversationService, *repository.SQLConversationStore) {
	t.Helper()
	store := newTestStore(t)
	return NewConversationService(store, nil), store
}

// scriptedGenerator records prompts and answers through respond.
type scriptedGenerator struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.respond == nil {
		return "", errors.New("generator has no script")
	}
	return g.respond(prompt)
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *scriptedGenerator) LastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

func answerWith(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

// stubSearcher serves fixed matches per query text.
type stubSearcher struct {
	mu      sync.Mutex
	results map[string][]vectorindex.Match
	err     error
	calls   []vectorindex.SearchOptions
}

func (s *stubSearcher) Search(_ context.Context, query string, opts vectorindex.SearchOptions) ([]vectorindex.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	if s.err != nil {
		return nil, s.err
	}
	return s.results[query], nil
}

func (s *stubSearcher) lastCall() vectorindex.SearchOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// letterEmbedder maps text to letter frequencies plus a constant component,
// so every pair of texts has a positive similarity.
type letterEmbedder struct {
	err error
}

func (e letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	v := make([]float32, 27)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[26] = 1
	return v, nil
}

func newMemoryIndex(embedder vectorindex.Embedder) (*vectorindex.Index, *vectorindex.MemoryBackend) {
	backend := vectorindex.NewMemoryBackend()
	return vectorindex.New(backend, embedder, vectorindex.Options{}), backend
}
