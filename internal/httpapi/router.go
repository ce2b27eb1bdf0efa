// ============================================================================
// Geostream Admin API - HTTP control surface of a node
// ============================================================================
//
// Package: internal/httpapi
// File: router.go
//
// Routes:
//   GET    /health                         liveness, 503 once shutdown begins
//   GET    /metrics                        Prometheus exposition (optional)
//   GET    /api/v1/status                  status report + per-manager stats
//   POST   /api/v1/pipelines/:ref/publish  start (or resume) the chain
//   DELETE /api/v1/pipelines/:ref          unpublish and forget
//   POST   /api/v1/pause                   hold every manager
//   POST   /api/v1/resume                  release every manager
//   POST   /api/v1/cleanup                 queue a clean-up job
//   POST   /api/v1/restart                 restart incomplete jobs
//
// ============================================================================

package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/geostream/internal/jobmanager"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Scheduler is the part of the publishing manager the API drives.
type Scheduler interface {
	CurrentStatus(ctx context.Context) types.StatusReport
	Managers() []*jobmanager.Manager
	ShouldExit() bool

	Publish(ctx context.Context, ref types.PipelineRef) error
	Unpublish(ctx context.Context, ref types.PipelineRef) error
	Pause()
	Resume()
	AddCleanUp() bool
	RestartIncompleteJobs(ctx context.Context)
}

// Dependencies of the router. Metrics may be nil.
type Dependencies struct {
	Scheduler Scheduler
	Logger    *slog.Logger
	Metrics   http.Handler
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	h := &handler{sched: deps.Scheduler, log: deps.Logger}

	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", h.status)

		pipelines := v1.Group("/pipelines")
		{
			pipelines.POST("/:ref/publish", h.publish)
			pipelines.DELETE("/:ref", h.unpublish)
		}

		v1.POST("/pause", h.pause)
		v1.POST("/resume", h.resume)
		v1.POST("/cleanup", h.cleanup)
		v1.POST("/restart", h.restart)
	}

	return r
}
