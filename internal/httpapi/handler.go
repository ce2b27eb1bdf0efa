package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/geostream/internal/publishing"
	"github.com/ChuLiYu/geostream/pkg/types"
)

type handler struct {
	sched Scheduler
	log   *slog.Logger
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Report   types.StatusReport       `json:"report"`
	Managers map[string]ManagerStatus `json:"managers"`
}

// ManagerStatus summarises one job manager.
type ManagerStatus struct {
	Paused  bool           `json:"paused"`
	Stopped bool           `json:"stopped"`
	Idle    bool           `json:"idle"`
	Current string         `json:"current,omitempty"`
	Stats   map[string]int `json:"stats"`
}

func (h *handler) health(c *gin.Context) {
	if h.sched.ShouldExit() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "exiting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "gwss"})
}

func (h *handler) status(c *gin.Context) {
	resp := StatusResponse{
		Report:   h.sched.CurrentStatus(c.Request.Context()),
		Managers: make(map[string]ManagerStatus),
	}
	for _, m := range h.sched.Managers() {
		ms := ManagerStatus{
			Paused:  m.IsPaused(),
			Stopped: m.IsStopped(),
			Idle:    m.IsIdle(),
			Stats:   m.Stats(),
		}
		if j := m.Current(); j != nil {
			ms.Current = j.ID()
		}
		resp.Managers[m.Name()] = ms
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) publish(c *gin.Context) {
	ref := types.PipelineRef(c.Param("ref"))
	if err := h.sched.Publish(c.Request.Context(), ref); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ref": ref, "status": "queued"})
}

func (h *handler) unpublish(c *gin.Context) {
	ref := types.PipelineRef(c.Param("ref"))
	if err := h.sched.Unpublish(c.Request.Context(), ref); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref, "status": "removed"})
}

func (h *handler) pause(c *gin.Context) {
	h.sched.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *handler) resume(c *gin.Context) {
	h.sched.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *handler) cleanup(c *gin.Context) {
	if !h.sched.AddCleanUp() {
		c.JSON(http.StatusConflict, gin.H{"error": "clean up postponed: import or clean-up manager busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *handler) restart(c *gin.Context) {
	// the queued jobs outlive the request
	h.sched.RestartIncompleteJobs(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusAccepted, gin.H{"status": "restarted"})
}

func (h *handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, publishing.ErrInvalidRef):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, publishing.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
