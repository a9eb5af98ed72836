package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"medibuddy/internal/app"
	"medibuddy/internal/model"
	"medibuddy/internal/transport/http/response"
)

type PrescriptionHandler struct {
	ingest         *app.IngestService
	maxUploadBytes int64
}

type CreatePrescriptionRequest struct {
	SourceName   string             `json:"source_name" binding:"required,max=256"`
	Prescription model.Prescription `json:"prescription"`
}

func NewPrescriptionHandler(ingest *app.IngestService, maxUploadMB int) *PrescriptionHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &PrescriptionHandler{ingest: ingest, maxUploadBytes: int64(maxUploadMB) << 20}
}

// Create ingests an already structured prescription.
func (h *PrescriptionHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	var req CreatePrescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.ingest.IngestPrescription(c.Request.Context(), app.IngestInput{
		UserID:       userID,
		SourceName:   req.SourceName,
		Prescription: req.Prescription,
	})
	if err != nil {
		writeServiceError(c, err, "ingest prescription failed")
		return
	}
	response.OK(c, result)
}

// Upload accepts a multipart "file" (PDF or text), extracts its medicines and ingests it.
func (h *PrescriptionHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, fmt.Sprintf("file too large (max %dMB)", h.maxUploadBytes>>20))
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}

	result, err := h.ingest.IngestUpload(c.Request.Context(), userID, file.Filename, data)
	if err != nil {
		writeServiceError(c, err, "ingest upload failed")
		return
	}
	response.OK(c, result)
}
