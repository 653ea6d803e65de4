package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matreco/queue-service/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.DBClient != nil {
			if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "queue-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "queue-service",
		})
	})

	queueHandler := handler.NewQueueHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			// GET /api/v1/queues - List queues with their stats
			queues.GET("", queueHandler.ListQueues)

			// GET /api/v1/queues/:queue_name/stats - Queue statistics
			queues.GET("/:queue_name/stats", queueHandler.GetQueueStats)

			// POST /api/v1/queues/:queue_name/sweep - Rewind stale processing jobs
			queues.POST("/:queue_name/sweep", queueHandler.SweepStale)

			// POST /api/v1/queues/:queue_name/clear - Remove old terminal jobs
			queues.POST("/:queue_name/clear", queueHandler.ClearFinished)

			jobs := queues.Group("/:queue_name/jobs")
			{
				// POST /api/v1/queues/:queue_name/jobs - Create a new job
				jobs.POST("", queueHandler.CreateJob)

				// GET /api/v1/queues/:queue_name/jobs - List jobs with filtering and pagination
				jobs.GET("", queueHandler.ListJobs)

				// GET /api/v1/queues/:queue_name/jobs/:job_id - Get job details
				jobs.GET("/:job_id", queueHandler.GetJob)

				// POST /api/v1/queues/:queue_name/jobs/:job_id/cancel - Cancel a job
				jobs.POST("/:job_id/cancel", queueHandler.CancelJob)

				// POST /api/v1/queues/:queue_name/jobs/:job_id/retry - Retry a failed job
				jobs.POST("/:job_id/retry", queueHandler.RetryJob)

				// DELETE /api/v1/queues/:queue_name/jobs/:job_id - Delete a terminal job
				jobs.DELETE("/:job_id", queueHandler.DeleteJob)
			}
		}
	}

	return r
}
