package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"medibuddy/internal/app"
	"medibuddy/internal/transport/http/middleware"
	"medibuddy/internal/transport/http/response"
)

func getUserIDFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.ContextUserIDKey)
	return userID, userID != ""
}

// writeServiceError maps service errors to responses. Unknown errors become
// a 500 carrying fallback; internal detail is not exposed.
func writeServiceError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrUnsupportedFile):
		response.Error(c, http.StatusBadRequest, response.CodeUnsupportedFile, "only .pdf, .txt and .md files are accepted")
	case errors.Is(err, app.ErrTopicNotFound):
		response.Error(c, http.StatusNotFound, response.CodeTopicNotFound, "topic not found")
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
	case errors.Is(err, app.ErrAnswerUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeAnswerUnavailable, "sorry, I could not generate an answer right now")
	case errors.Is(err, app.ErrExtractionFailed):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeExtractionFailed, "could not read prescription details from the document")
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func queryInt(c *gin.Context, key string, fallback int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
