package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"medibuddy/internal/app"
	"medibuddy/internal/bootstrap"
	"medibuddy/internal/catalog"
	"medibuddy/internal/config"
	"medibuddy/internal/pkg/jwtutil"
	"medibuddy/internal/repository"
	"medibuddy/internal/transport/http/response"
	"medibuddy/internal/vectorindex"
)

const testSecret = "test-secret"

type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := []float32{0, 0, 0.1}
	if strings.Contains(lower, "crocin") || strings.Contains(lower, "paracetamol") {
		v[0] = 1
	}
	if strings.Contains(lower, "cetirizine") {
		v[1] = 1
	}
	return v, nil
}

type promptGenerator struct {
	calls      atomic.Int32
	failAnswer bool
}

func (g *promptGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	switch {
	case strings.Contains(prompt, "Analyze the prescription text"):
		return `{"date": "01/03/2026", "medicines": [{"name": "Cetirizine", "quantity": "10mg"}], "notes": "-"}`, nil
	case strings.Contains(prompt, "Verify whether"):
		return `{"is_match": true, "matched_candidate": "Paracetamol (Dolo 650, Crocin)", "reason": "brand of paracetamol"}`, nil
	case g.failAnswer:
		return "", errors.New("provider down")
	default:
		return "Crocin is used for fever.", nil
	}
}

type testEnv struct {
	app    *bootstrap.App
	router *gin.Engine
	gen    *promptGenerator
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	store := repository.NewSQLConversationStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	approved, err := catalog.Parse([]byte(`version: 1
entries:
  - canonical_name: "Paracetamol (Dolo 650, Crocin)"
    category: "Pain Relief Tablets"
  - canonical_name: "Cetirizine (10mg)"
    category: "Cold, Cough & Allergy Tablets"
`))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.App.GinMode = gin.TestMode
	cfg.App.MaxUploadMB = 1
	cfg.Auth.JWTSecret = testSecret

	gen := &promptGenerator{}
	index := vectorindex.New(vectorindex.NewMemoryBackend(), keywordEmbedder{}, vectorindex.Options{})
	conversations := app.NewConversationService(store, nil)
	catalogSvc := app.NewCatalogService(index, approved, "otc_medicines", 0, nil)
	_, err = catalogSvc.Seed(context.Background())
	require.NoError(t, err)

	a := &bootstrap.App{
		Config:        cfg,
		Logger:        zap.NewNop(),
		Conversations: conversations,
		Ingest:        app.NewIngestService(index, conversations, app.NewExtractor(gen, nil), app.IngestConfig{Namespace: "prescriptions"}, nil),
		RAG:           app.NewRAGPipeline(index, gen, conversations, app.RAGConfig{Namespace: "prescriptions"}, nil),
		OTC: app.NewOTCService(conversations, app.NewClassifier(index, gen, app.ClassifierConfig{
			Namespace: "otc_medicines",
			Threshold: 0.7,
		}, nil), nil),
		Catalog:   catalogSvc,
		StartedAt: time.Now(),
	}

	token, err := jwtutil.GenerateToken(testSecret, time.Hour, "user-1")
	require.NoError(t, err)
	return &testEnv{app: a, router: NewRouter(a), gen: gen, token: token}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	return e.serve(t, req)
}

func (e *testEnv) serve(t *testing.T, req *stdhttp.Request) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var out envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func decodeData(t *testing.T, env envelope, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/healthz", nil))
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthzReportsDegradedDependency(t *testing.T) {
	e := newTestEnv(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	e.app.Redis = client

	code, body := e.serve(t, httptest.NewRequest(stdhttp.MethodGet, "/healthz", nil))
	require.Equal(t, stdhttp.StatusOK, code)
	assert.Equal(t, response.CodeOK, body.Code)

	mr.Close()
	code, body = e.serve(t, httptest.NewRequest(stdhttp.MethodGet, "/healthz", nil))
	assert.Equal(t, stdhttp.StatusServiceUnavailable, code)
	assert.Equal(t, response.CodeDependencyDegraded, body.Code)
	var health struct {
		Dependencies map[string]struct {
			OK bool `json:"ok"`
		} `json:"dependencies"`
	}
	decodeData(t, body, &health)
	assert.False(t, health.Dependencies["redis"].OK)
}

func TestAskUnknownTopicAndSessionDetails(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, stdhttp.MethodPost, "/api/v1/ask", map[string]any{"question": "dose?", "topic_id": "no-such-topic"})
	assert.Equal(t, stdhttp.StatusNotFound, code)
	assert.Equal(t, response.CodeTopicNotFound, body.Code)

	code, body = e.do(t, stdhttp.MethodGet, "/api/v1/topics", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var topics []map[string]any
	decodeData(t, body, &topics)
	assert.Empty(t, topics)

	code, body = e.do(t, stdhttp.MethodPost, "/api/v1/ask", map[string]any{"question": "dose?"})
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var state app.AskState
	decodeData(t, body, &state)

	code, body = e.do(t, stdhttp.MethodGet, "/api/v1/sessions/"+state.SessionID, nil)
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var session struct {
		SessionID string `json:"session_id"`
		TopicID   string `json:"topic_id"`
	}
	decodeData(t, body, &session)
	assert.Equal(t, state.SessionID, session.SessionID)
	assert.Equal(t, "GLOBAL", session.TopicID)

	otherToken, err := jwtutil.GenerateToken(testSecret, time.Hour, "user-2")
	require.NoError(t, err)
	req := httptest.NewRequest(stdhttp.MethodGet, "/api/v1/sessions/"+state.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	code, body = e.serve(t, req)
	assert.Equal(t, stdhttp.StatusNotFound, code)
	assert.Equal(t, response.CodeSessionNotFound, body.Code)
}

func TestRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.serve(t, httptest.NewRequest(stdhttp.MethodGet, "/api/v1/topics", nil))
	assert.Equal(t, stdhttp.StatusUnauthorized, code)
	assert.Equal(t, response.CodeUnauthorized, body.Code)

	req := httptest.NewRequest(stdhttp.MethodGet, "/api/v1/topics", nil)
	req.Header.Set("Authorization", "Bearer forged")
	code, _ = e.serve(t, req)
	assert.Equal(t, stdhttp.StatusUnauthorized, code)
}

func TestPrescriptionAskAndOTCFlow(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, stdhttp.MethodPost, "/api/v1/prescriptions", map[string]any{
		"source_name": "rx-march.pdf",
		"prescription": map[string]any{
			"date":      "01/03/2026",
			"medicines": []map[string]any{{"name": "Crocin", "quantity": "1 tablet", "frequency": "1-0-1"}},
		},
	})
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var ingested app.IngestResult
	decodeData(t, body, &ingested)
	require.NotEmpty(t, ingested.TopicID)
	assert.Equal(t, "Prescription: Crocin", ingested.Title)

	code, body = e.do(t, stdhttp.MethodGet, "/api/v1/topics", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var topics []map[string]any
	decodeData(t, body, &topics)
	require.Len(t, topics, 1)
	assert.Equal(t, ingested.TopicID, topics[0]["topic_id"])

	code, body = e.do(t, stdhttp.MethodPost, "/api/v1/ask", map[string]any{"question": "what is Crocin for?", "topic_id": ingested.TopicID})
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var state app.AskState
	decodeData(t, body, &state)
	assert.Equal(t, "Crocin is used for fever.", state.Answer)
	require.NotEmpty(t, state.Context)
	assert.Contains(t, state.Context[0], "Crocin")

	code, body = e.do(t, stdhttp.MethodGet, "/api/v1/history?topic_id="+ingested.TopicID, nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var history struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeData(t, body, &history)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "user", history.Messages[0].Role)
	assert.Equal(t, "assistant", history.Messages[1].Role)

	path := "/api/v1/topics/" + ingested.TopicID + "/otc-check"
	code, body = e.do(t, stdhttp.MethodPost, path, nil)
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var check app.OTCCheckResult
	decodeData(t, body, &check)
	assert.False(t, check.Cached)
	require.Len(t, check.Verdict.OTCItems, 1)
	assert.Equal(t, "Crocin", check.Verdict.OTCItems[0].Name)
	calls := e.gen.calls.Load()

	code, body = e.do(t, stdhttp.MethodPost, path, nil)
	require.Equal(t, stdhttp.StatusOK, code)
	decodeData(t, body, &check)
	assert.True(t, check.Cached)
	assert.Equal(t, calls, e.gen.calls.Load())

	code, body = e.do(t, stdhttp.MethodPost, path+"?force=true", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	decodeData(t, body, &check)
	assert.False(t, check.Cached)

	code, _ = e.do(t, stdhttp.MethodDelete, path, nil)
	assert.Equal(t, stdhttp.StatusOK, code)

	code, body = e.do(t, stdhttp.MethodPost, "/api/v1/topics/unknown/otc-check", nil)
	assert.Equal(t, stdhttp.StatusNotFound, code)
	assert.Equal(t, response.CodeTopicNotFound, body.Code)
}

func TestHistoryOfUnknownTopicIsEmpty(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, stdhttp.MethodGet, "/api/v1/history", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var history map[string]any
	decodeData(t, body, &history)
	assert.Equal(t, "GLOBAL", history["topic_id"])
	assert.Empty(t, history["messages"])

	code, _ = e.do(t, stdhttp.MethodGet, "/api/v1/history?limit=abc", nil)
	assert.Equal(t, stdhttp.StatusBadRequest, code)
}

func TestAskGenerationFailure(t *testing.T) {
	e := newTestEnv(t)
	e.gen.failAnswer = true
	code, body := e.do(t, stdhttp.MethodPost, "/api/v1/ask", map[string]any{"question": "dose?"})
	assert.Equal(t, stdhttp.StatusServiceUnavailable, code)
	assert.Equal(t, response.CodeAnswerUnavailable, body.Code)

	code, _ = e.do(t, stdhttp.MethodPost, "/api/v1/ask", map[string]any{})
	assert.Equal(t, stdhttp.StatusBadRequest, code)
}

func uploadRequest(t *testing.T, token, filename, content string) *stdhttp.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(stdhttp.MethodPost, "/api/v1/prescriptions/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.serve(t, uploadRequest(t, e.token, "rx.txt", "Tab Cetirizine 10mg at night"))
	require.Equal(t, stdhttp.StatusOK, code, body.Message)
	var ingested app.IngestResult
	decodeData(t, body, &ingested)
	assert.Equal(t, "Prescription: Cetirizine", ingested.Title)

	code, body = e.serve(t, uploadRequest(t, e.token, "rx.txt", "again"))
	require.Equal(t, stdhttp.StatusOK, code)
	decodeData(t, body, &ingested)
	assert.True(t, ingested.Duplicate)

	code, body = e.serve(t, uploadRequest(t, e.token, "rx.docx", "word file"))
	assert.Equal(t, stdhttp.StatusBadRequest, code)
	assert.Equal(t, response.CodeUnsupportedFile, body.Code)

	code, _ = e.serve(t, uploadRequest(t, e.token, "big.txt", strings.Repeat("x", 2<<20)))
	assert.Equal(t, stdhttp.StatusBadRequest, code)
}

func TestCatalogEndpoints(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, stdhttp.MethodGet, "/api/v1/catalog", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var entries []catalog.Entry
	decodeData(t, body, &entries)
	assert.Len(t, entries, 2)

	code, body = e.do(t, stdhttp.MethodGet, "/api/v1/catalog/search?q=Crocin&top_k=1", nil)
	require.Equal(t, stdhttp.StatusOK, code)
	var matches []app.CatalogMatch
	decodeData(t, body, &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, "Paracetamol (Dolo 650, Crocin)", matches[0].Name)
	assert.Equal(t, "Pain Relief Tablets", matches[0].Category)

	code, _ = e.do(t, stdhttp.MethodGet, "/api/v1/catalog/search", nil)
	assert.Equal(t, stdhttp.StatusBadRequest, code)
}
