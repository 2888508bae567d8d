// Queue inspection endpoints.
//
//   - GET  /queue/stats              job counts per status and the due backlog
//   - GET  /queue/jobs               recent jobs, ?status=dead_letter&limit=50
//   - GET  /queue/jobs/:id           one job
//   - POST /queue/jobs/:id/requeue   give a dead-lettered job a fresh start
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
	"github.com/tbourn/go-booking-core/internal/http/middleware"
	"github.com/tbourn/go-booking-core/internal/repo"
	"github.com/tbourn/go-booking-core/internal/utils"
)

// QueueHandler serves the webhook queue ops endpoints.
type QueueHandler struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewQueueHandler returns a QueueHandler reading db with the wall clock.
func NewQueueHandler(db *gorm.DB) *QueueHandler {
	return &QueueHandler{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

// JobResponse is the JSON view of a webhook job.
type JobResponse struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     *string   `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Payload       string    `json:"payload"`
}

func toJobResponse(j domain.WebhookJob) JobResponse {
	return JobResponse{
		ID:            j.ID,
		AggregateType: j.AggregateType,
		AggregateID:   j.AggregateID,
		Status:        j.Status.String(),
		Attempts:      j.Attempts,
		LastError:     j.LastError,
		NextAttemptAt: j.NextAttemptAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		Payload:       j.Payload,
	}
}

// StatsResponse summarizes the queue.
type StatsResponse struct {
	Counts         map[string]int64 `json:"counts"`
	OldestDueAt    *time.Time       `json:"oldest_due_at"`
	BacklogSeconds float64          `json:"backlog_seconds"`
}

// Stats reports job counts per status and how long the oldest due job has
// been waiting.
func (h *QueueHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := repo.WebhookQueueStats(ctx, h.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	now := h.Now()
	oldest, err := repo.OldestDueWebhook(ctx, h.DB, now)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	resp := StatsResponse{Counts: make(map[string]int64, len(counts)), OldestDueAt: oldest}
	for st, n := range counts {
		resp.Counts[st.String()] = n
	}
	if oldest != nil {
		resp.BacklogSeconds = max(0, now.Sub(*oldest).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

// ListJobs returns the most recent jobs, optionally filtered by status name.
func (h *QueueHandler) ListJobs(c *gin.Context) {
	var status *domain.WebhookStatus
	if s := c.Query("status"); s != "" {
		st, ok := domain.ParseWebhookStatus(s)
		if !ok {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status "+s)
			return
		}
		status = &st
	}
	limit := utils.AtoiDefault(c.Query("limit"), 50)

	jobs, err := repo.ListWebhookJobs(c.Request.Context(), h.DB, status, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	items := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetJob returns one job by ID.
func (h *QueueHandler) GetJob(c *gin.Context) {
	job, err := repo.GetWebhookJob(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "webhook job not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, toJobResponse(*job))
}

// Requeue moves a dead-lettered job back to pending with its attempts reset.
// Jobs in any other status answer 409.
func (h *QueueHandler) Requeue(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	err := repo.RequeueDeadLetter(ctx, h.DB, id, h.Now())
	switch {
	case err == nil:
		middleware.LoggerFrom(c).Info().Str("job_id", id).Msg("dead-lettered webhook requeued")
		c.Status(http.StatusNoContent)
	case errors.Is(err, repo.ErrNotFound):
		job, gerr := repo.GetWebhookJob(ctx, h.DB, id)
		if gerr != nil {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "webhook job not found")
			return
		}
		fail(c, http.StatusConflict, ErrCodeConflict, "job is "+job.Status.String()+", not dead_letter")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
