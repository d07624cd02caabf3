package streaming

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the event fabric's HTTP surface on router.
func RegisterRoutes(router gin.IRouter, h *Handler) {
	router.GET("/stream", h.StreamSession)
	router.GET("/ingest", h.IngestExecution)
}
