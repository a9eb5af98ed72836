package http

import (
	"github.com/gin-gonic/gin"

	"medibuddy/internal/bootstrap"
	"medibuddy/internal/transport/http/handler"
	"medibuddy/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.RequestLog(app.Logger, "/healthz"), gin.Recovery())
	router.MaxMultipartMemory = int64(app.Config.App.MaxUploadMB) << 20

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	prescriptionHandler := handler.NewPrescriptionHandler(app.Ingest, app.Config.App.MaxUploadMB)
	topicHandler := handler.NewTopicHandler(app.Conversations, app.RAG)
	otcHandler := handler.NewOTCHandler(app.OTC)
	catalogHandler := handler.NewCatalogHandler(app.Catalog)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))

	v1.POST("/prescriptions", prescriptionHandler.Create)
	v1.POST("/prescriptions/upload", prescriptionHandler.Upload)

	v1.GET("/topics", topicHandler.ListTopics)
	v1.POST("/topics/:id/otc-check", otcHandler.Check)
	v1.DELETE("/topics/:id/otc-check", otcHandler.Invalidate)

	v1.POST("/ask", topicHandler.Ask)
	v1.GET("/history", topicHandler.History)
	v1.GET("/sessions/:id", topicHandler.Session)

	v1.GET("/catalog", catalogHandler.List)
	v1.GET("/catalog/search", catalogHandler.Search)

	return router
}
