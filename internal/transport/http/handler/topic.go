package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medibuddy/internal/app"
	"medibuddy/internal/model"
	"medibuddy/internal/transport/http/response"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 200
)

type TopicHandler struct {
	conversations *app.ConversationService
	rag           *app.RAGPipeline
}

type AskRequest struct {
	Question string `json:"question" binding:"required"`
	// TopicID is optional; empty asks across all of the caller's prescriptions.
	TopicID  string `json:"topic_id"`
	Language string `json:"language"`
}

type HistoryResponse struct {
	TopicID  string          `json:"topic_id"`
	Messages []model.Message `json:"messages"`
}

func NewTopicHandler(conversations *app.ConversationService, rag *app.RAGPipeline) *TopicHandler {
	return &TopicHandler{conversations: conversations, rag: rag}
}

func (h *TopicHandler) ListTopics(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	topics, err := h.conversations.ListTopics(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err, "list topics failed")
		return
	}
	response.OK(c, topics)
}

func (h *TopicHandler) Ask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	state, err := h.rag.Ask(c.Request.Context(), app.AskInput{
		UserID:   userID,
		TopicID:  req.TopicID,
		Question: req.Question,
		Language: req.Language,
	})
	if err != nil {
		writeServiceError(c, err, "ask failed")
		return
	}
	response.OK(c, state)
}

// History returns the newest messages of a topic, oldest first. Without
// topic_id the cross-prescription conversation is returned.
func (h *TopicHandler) History(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	limit, ok := queryInt(c, "limit", defaultHistoryPageSize)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
		return
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	topicID := c.Query("topic_id")
	if topicID == "" {
		topicID = model.GlobalTopicID
	}

	out := HistoryResponse{TopicID: topicID, Messages: []model.Message{}}
	session, err := h.conversations.SessionForTopic(c.Request.Context(), userID, topicID)
	if errors.Is(err, app.ErrTopicNotFound) {
		response.OK(c, out)
		return
	}
	if err != nil {
		writeServiceError(c, err, "get history failed")
		return
	}
	messages, err := h.conversations.History(c.Request.Context(), session.SessionID, limit)
	if err != nil {
		writeServiceError(c, err, "get history failed")
		return
	}
	out.Messages = messages
	response.OK(c, out)
}

// Session returns the caller's session metadata, including the extracted
// medicine details.
func (h *TopicHandler) Session(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	session, err := h.conversations.SessionDetails(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "get session failed")
		return
	}
	response.OK(c, session)
}
