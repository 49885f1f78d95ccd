package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/talentsift/screener/internal/analysis"
	"github.com/talentsift/screener/internal/common"
	"gorm.io/gorm"
)

type bulkReq struct {
	Filter string `json:"filter"`
}

// InitiateBulk starts a fan-out over the job's eligible applicants and
// returns the run handle immediately; progress is polled via GetBulkRun.
func (h *Handler) InitiateBulk(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10003, "job_id required")
		return
	}

	var req bulkReq
	_ = c.ShouldBindJSON(&req) // empty body means default filter

	run, err := h.Bulk.Start(c.Request.Context(), jobID, analysis.BulkFilter(req.Filter))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, err.Error())
		return
	}

	go func() {
		if err := h.Bulk.Run(h.runCtx, run.ID); err != nil {
			log.Printf("bulk run error run=%s err=%v", run.ID, err)
		}
	}()

	common.Accepted(c, gin.H{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func bulkView(run *analysis.BulkRun) gin.H {
	return gin.H{
		"run_id":         run.ID,
		"job_id":         run.JobID,
		"filter":         run.Filter,
		"status":         run.Status,
		"accepted_count": run.AcceptedCount,
		"skipped_count":  run.SkippedCount,
		"created_at":     run.CreatedAt,
		"updated_at":     run.UpdatedAt,
	}
}

func (h *Handler) GetBulkRun(c *gin.Context) {
	run, err := h.Bulk.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40412, "bulk run not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to load bulk run")
		return
	}
	common.OK(c, gin.H{"bulk_run": bulkView(run)})
}

func (h *Handler) CancelBulkRun(c *gin.Context) {
	id := c.Param("id")
	err := h.Bulk.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, analysis.ErrStaleTransition) {
			// Already finished, already cancelling, or no such run; the
			// guarded update cannot tell these apart, so look the row up.
			run, getErr := h.Bulk.GetRun(c.Request.Context(), id)
			switch {
			case getErr == nil:
				// cancellation is idempotent from the caller's seat
				common.OK(c, gin.H{"bulk_run": bulkView(run)})
			case errors.Is(getErr, gorm.ErrRecordNotFound):
				common.Fail(c, http.StatusNotFound, 40412, "bulk run not found")
			default:
				common.Fail(c, http.StatusInternalServerError, 50012, "failed to load bulk run")
			}
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40412, "bulk run not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50013, "failed to cancel bulk run")
		return
	}

	run, err := h.Bulk.GetRun(c.Request.Context(), id)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to load bulk run")
		return
	}
	common.OK(c, gin.H{"bulk_run": bulkView(run)})
}
