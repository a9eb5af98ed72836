package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"medibuddy/internal/app"
	"medibuddy/internal/transport/http/response"
)

type CatalogHandler struct {
	catalog *app.CatalogService
}

func NewCatalogHandler(catalog *app.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

func (h *CatalogHandler) List(c *gin.Context) {
	response.OK(c, h.catalog.Entries())
}

func (h *CatalogHandler) Search(c *gin.Context) {
	topK, ok := queryInt(c, "top_k", 0)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid top_k")
		return
	}
	matches, err := h.catalog.Search(c.Request.Context(), c.Query("q"), topK)
	if err != nil {
		writeServiceError(c, err, "catalog search failed")
		return
	}
	response.OK(c, matches)
}
