package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matreco/queue-service/internal/api/dto"
	"github.com/matreco/queue-service/internal/queue"
)

// ListQueues handles GET /api/v1/queues
// Returns every registered queue with its current statistics
func (h *QueueHandler) ListQueues(c *gin.Context) {
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]dto.QueueSummary, 0, len(names))
	for _, name := range names {
		stats, err := h.queues[name].Stats(c.Request.Context())
		if err != nil {
			h.logger.Error("Failed to compute queue stats",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to compute queue stats",
			})
			return
		}
		summaries = append(summaries, dto.QueueSummary{Name: name, Stats: stats})
	}

	c.JSON(http.StatusOK, gin.H{"queues": summaries})
}

// CreateJob handles POST /api/v1/queues/:queue_name/jobs
// Creates a new job on the named queue
func (h *QueueHandler) CreateJob(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := target.CreateJob(c.Request.Context(), req.Payload, req.Priority)
	if err != nil {
		h.respondError(c, "Failed to create job", err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/queues/:queue_name/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *QueueHandler) GetJob(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := target.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/queues/:queue_name/jobs
// Lists jobs with optional filtering, pagination, and sorting
func (h *QueueHandler) ListJobs(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter, err := buildFilter(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if req.Offset < 0 {
		req.Offset = 0
	}
	if req.PageSize <= 0 {
		req.PageSize = queue.DefaultPageSize
	}
	if req.PageSize > queue.MaxPageSize {
		req.PageSize = queue.MaxPageSize
	}

	order, err := parseSortOrder(req.Sort)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	page := queue.Page{Offset: req.Offset, Limit: req.PageSize}
	jobs, total, err := target.ListJobs(c.Request.Context(), filter, page, order)
	if err != nil {
		h.respondError(c, "Failed to list jobs", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Offset: req.Offset,
		Limit:  req.PageSize,
	})
}

// CancelJob handles POST /api/v1/queues/:queue_name/jobs/:job_id/cancel
// Cancels a waiting or processing job
func (h *QueueHandler) CancelJob(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := target.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// RetryJob handles POST /api/v1/queues/:queue_name/jobs/:job_id/retry
// Requeues a failed job for another attempt
func (h *QueueHandler) RetryJob(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := target.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to retry job", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/queues/:queue_name/jobs/:job_id
// Permanently deletes a terminal job record
func (h *QueueHandler) DeleteJob(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	deleted, err := target.DeleteJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to delete job", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetQueueStats handles GET /api/v1/queues/:queue_name/stats
// Returns aggregate statistics for the named queue
func (h *QueueHandler) GetQueueStats(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}

	stats, err := target.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to compute queue stats", err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// SweepStale handles POST /api/v1/queues/:queue_name/sweep
// Rewinds jobs stuck in processing back to waiting
func (h *QueueHandler) SweepStale(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}

	olderThan := h.staleTimeout

	var req dto.SweepRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "older_than must be a positive duration",
			})
			return
		}
		olderThan = parsed
	}

	swept, err := target.SweepStale(c.Request.Context(), olderThan)
	if err != nil {
		h.respondError(c, "Failed to sweep stale jobs", err)
		return
	}

	h.logger.Info("Stale jobs swept back to waiting",
		slog.String("queue", target.Name()),
		slog.Int("swept", swept),
		slog.Duration("older_than", olderThan),
	)

	c.JSON(http.StatusOK, dto.SweepResponse{Swept: swept})
}

// ClearFinished handles POST /api/v1/queues/:queue_name/clear
// Removes terminal jobs last updated before the given cutoff
func (h *QueueHandler) ClearFinished(c *gin.Context) {
	target, ok := h.resolveQueue(c)
	if !ok {
		return
	}

	before := time.Now()

	var req dto.ClearFinishedRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Before != "" {
		parsed, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "before must be an RFC3339 timestamp",
			})
			return
		}
		before = parsed
	}

	cleared, err := target.ClearFinished(c.Request.Context(), before)
	if err != nil {
		h.respondError(c, "Failed to clear finished jobs", err)
		return
	}

	h.logger.Info("Finished jobs cleared",
		slog.String("queue", target.Name()),
		slog.Int("cleared", cleared),
	)

	c.JSON(http.StatusOK, dto.ClearFinishedResponse{Cleared: cleared})
}

func (h *QueueHandler) resolveQueue(c *gin.Context) (queue.AdminQueue, bool) {
	name := c.Param("queue_name")
	target, ok := h.queues[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Unknown queue: " + name,
		})
		return nil, false
	}
	return target, true
}

func (h *QueueHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func (h *QueueHandler) respondError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))

	switch {
	case queue.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrRetryExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func buildFilter(req *dto.ListJobsRequest) (queue.Filter, error) {
	filter := queue.Filter{
		MinPriority: req.MinPriority,
		MaxPriority: req.MaxPriority,
	}

	if req.Status != "" {
		for _, raw := range strings.Split(req.Status, ",") {
			status := queue.Status(strings.TrimSpace(raw))
			if !status.Valid() {
				return queue.Filter{}, queue.NewValidationError("status", "unknown status: "+string(status))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if req.CreatedAfter != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedAfter)
		if err != nil {
			return queue.Filter{}, queue.NewValidationError("created_after", "must be an RFC3339 timestamp")
		}
		filter.CreatedAfter = &t
	}

	if req.CreatedBefore != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedBefore)
		if err != nil {
			return queue.Filter{}, queue.NewValidationError("created_before", "must be an RFC3339 timestamp")
		}
		filter.CreatedBefore = &t
	}

	return filter, nil
}

func parseSortOrder(raw string) (queue.SortOrder, error) {
	switch queue.SortOrder(raw) {
	case "":
		return queue.SortCreatedDesc, nil
	case queue.SortCreatedDesc, queue.SortCreatedAsc, queue.SortPriorityDesc:
		return queue.SortOrder(raw), nil
	default:
		return "", queue.NewValidationError("sort", "unknown sort order: "+raw)
	}
}
