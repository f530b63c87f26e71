// Package api exposes calhub over HTTP.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP API. Origins lists the browser origins allowed
// by CORS.
func NewRouter(logger *slog.Logger, h *Handler, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/accounts", h.ConnectAccount)
		v1.DELETE("/accounts/:id", h.DeleteAccount)
		v1.POST("/accounts/:id/sync", h.SyncAccount)
		v1.GET("/accounts/:id/status", h.AccountStatus)
		v1.GET("/accounts/:id/calendars", h.ListCalendars)

		v1.PATCH("/calendars/:id", h.UpdateCalendar)

		v1.GET("/occurrences", h.ListOccurrences)
		v1.POST("/events", h.CreateEvent)
		v1.PATCH("/events/:id", h.UpdateEvent)
		v1.DELETE("/events/:id", h.DeleteEvent)
		v1.GET("/events/:id/occurrences", h.EventOccurrences)
		v1.POST("/events/:id/exdates", h.AddExceptionDate)
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		switch {
		case status >= 500:
			logger.Error("Request failed", attrs...)
		case status >= 400:
			logger.Warn("Request rejected", attrs...)
		default:
			logger.Debug("Request served", attrs...)
		}
	}
}
