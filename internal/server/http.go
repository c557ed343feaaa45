package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"

	"github.com/mlevasseur/remedy/pkg/remedy"
)

type httpServer struct {
	registry  *remedy.Registry
	scheduler *remedy.Scheduler
	cfg       *remedy.Config

	router *gin.Engine
}

func (h *httpServer) Init(port int, registry *remedy.Registry, scheduler *remedy.Scheduler, cfg *remedy.Config) error {
	h.registry = registry
	h.scheduler = scheduler
	h.cfg = cfg

	h.router = gin.Default()

	h.router.POST("/improve-code", h.postSubmit)
	h.router.GET("/status/:jobId", h.getStatus)
	h.router.GET("/jobs", h.getJobs)
	h.router.GET("/logs/:jobId", h.getLogs)
	h.router.DELETE("/jobs/:jobId", h.deleteJob)
	h.router.GET("/health", h.getHealth)

	go h.router.Run(fmt.Sprintf(":%d", port))
	return nil
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *httpServer) postSubmit(c *gin.Context) {
	var report remedy.IssueReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("malformed report: %v", err)})
		return
	}

	jobID, err := h.scheduler.Submit(&report)
	if err != nil {
		var validationErr *remedy.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: validationErr.Reason, Field: validationErr.Field})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, submitResponse{
		JobID:     jobID,
		Status:    string(remedy.StatusPending),
		StatusURL: "/status/" + jobID,
	})
}

func (h *httpServer) getStatus(c *gin.Context) {
	job, err := h.registry.Get(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

func (h *httpServer) getJobs(c *gin.Context) {
	jobs := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

type logsResponse struct {
	JobID  string            `json:"job_id"`
	Cursor int               `json:"cursor"`
	Logs   []remedy.LogEntry `json:"logs"`
}

func (h *httpServer) getLogs(c *gin.Context) {
	job, err := h.registry.Get(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	cursor := 0
	if raw := c.Query("cursor"); raw != "" {
		cursor, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "cursor must be an integer"})
			return
		}
	}

	logs := job.LogsSince(cursor)
	next := cursor
	if len(logs) > 0 {
		next = logs[len(logs)-1].Seq + 1
	}
	c.JSON(http.StatusOK, logsResponse{JobID: job.ID, Cursor: next, Logs: logs})
}

func (h *httpServer) deleteJob(c *gin.Context) {
	err := h.scheduler.Delete(c.Param("jobId"), h.cfg.DeleteGrace)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "job deleted"})
	case errors.Is(err, remedy.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, remedy.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (h *httpServer) getHealth(c *gin.Context) {
	health := gin.H{
		"status":      "healthy",
		"active_jobs": h.scheduler.ActiveJobs(),
	}

	if h.cfg.SandboxEnabled {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err == nil {
			_, err = cli.Ping(c.Request.Context())
			cli.Close()
		}
		if err != nil {
			health["status"] = "unhealthy"
			health["docker"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		health["docker"] = "connected"
	}

	c.JSON(http.StatusOK, health)
}
