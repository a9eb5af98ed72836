package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"medibuddy/internal/app"
	"medibuddy/internal/transport/http/response"
)

type OTCHandler struct {
	otc *app.OTCService
}

func NewOTCHandler(otc *app.OTCService) *OTCHandler {
	return &OTCHandler{otc: otc}
}

// Check classifies the topic's medicines, serving the stored verdict unless force=true.
func (h *OTCHandler) Check(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	force := c.Query("force") == "true" || c.Query("force") == "1"

	result, err := h.otc.CheckTopic(c.Request.Context(), userID, c.Param("id"), force)
	if err != nil {
		writeServiceError(c, err, "otc check failed")
		return
	}
	response.OK(c, result)
}

func (h *OTCHandler) Invalidate(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	topicID := c.Param("id")
	if err := h.otc.Invalidate(c.Request.Context(), userID, topicID); err != nil {
		writeServiceError(c, err, "clear otc verdict failed")
		return
	}
	response.OK(c, gin.H{"topic_id": topicID})
}
