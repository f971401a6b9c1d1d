package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/messaging"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/infrastructure/scheduler"
)

// ══════════════════════════════════════════════════════════════════════════════
// PARSE
// ══════════════════════════════════════════════════════════════════════════════

type parseRequest struct {
	Text string `json:"text"`
}

type parseResponse struct {
	CleanText string               `json:"clean_text"`
	Milestone *milestone.Milestone `json:"milestone"`
	// All lists every recognised tag in document order.
	All []milestone.Milestone `json:"all,omitempty"`
}

// ParseMilestone handles POST /milestones/parse. It never records anything.
func ParseMilestone(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	result := milestone.Parse(req.Text)
	_, all := milestone.ParseAll(req.Text)
	RespondOK(c, parseResponse{CleanText: result.CleanText, Milestone: result.Milestone, All: all})
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// MetricsSource exposes event bus counters.
type MetricsSource interface {
	Metrics() *messaging.EventBusMetrics
}

// FeatureLister reports the global state of every feature flag.
type FeatureLister interface {
	Snapshot() map[string]bool
}

// JobRunner lists and triggers background jobs.
type JobRunner interface {
	Jobs() []scheduler.JobInfo
	RunNow(ctx context.Context, name string) (scheduler.JobResult, error)
}

// OpsHandler serves operational views.
type OpsHandler struct {
	DeadLetters *messaging.DeadLetterQueue
	Bus         MetricsSource
	Features    FeatureLister
	// Jobs may be nil when background jobs are disabled.
	Jobs JobRunner
}

type deadLetterView struct {
	EventType   string                 `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	Handler     string                 `json:"handler"`
	Error       string                 `json:"error"`
	Attempts    int                    `json:"attempts"`
	FailedAt    time.Time              `json:"failed_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// ListDeadLetters handles GET /ops/dead-letters.
func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	views := []deadLetterView{}
	if h.DeadLetters != nil {
		for _, e := range h.DeadLetters.Entries() {
			v := deadLetterView{
				EventType:   string(e.Event.EventType()),
				AggregateID: e.Event.AggregateID(),
				Handler:     e.HandlerName,
				Attempts:    e.Attempts,
				FailedAt:    e.FailedAt,
				Payload:     e.Event.Payload(),
			}
			if e.Error != nil {
				v.Error = e.Error.Error()
			}
			views = append(views, v)
		}
	}
	RespondOK(c, gin.H{"entries": views, "count": len(views)})
}

// Metrics handles GET /ops/metrics.
func (h *OpsHandler) Metrics(c *gin.Context) {
	body := gin.H{}
	if h.Bus != nil {
		if m := h.Bus.Metrics(); m != nil {
			body["events"] = m.Snapshot()
		}
	}
	if h.DeadLetters != nil {
		body["dead_letters"] = h.DeadLetters.Size()
	}
	if h.Features != nil {
		body["features"] = h.Features.Snapshot()
	}
	RespondOK(c, body)
}

// ListJobs handles GET /ops/jobs.
func (h *OpsHandler) ListJobs(c *gin.Context) {
	jobs := []scheduler.JobInfo{}
	if h.Jobs != nil {
		jobs = h.Jobs.Jobs()
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// RunJob handles POST /ops/jobs/:name/run. A failed run still answers 200
// with the result; only unknown or busy jobs are errors.
func (h *OpsHandler) RunJob(c *gin.Context) {
	if h.Jobs == nil {
		RespondError(c, http.StatusNotImplemented, CodeDisabled, errors.New("background jobs are disabled"))
		return
	}
	result, err := h.Jobs.RunNow(c.Request.Context(), c.Param("name"))
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, scheduler.ErrJobRunning):
		RespondError(c, http.StatusConflict, CodeConflict, err)
	default:
		RespondOK(c, result)
	}
}
