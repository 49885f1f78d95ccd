package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/talentsift/screener/internal/analysis"
	"github.com/talentsift/screener/internal/common"
	"gorm.io/gorm"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type initiateReq struct {
	ApplicantID string `json:"applicant_id" binding:"required"`
	JobID       string `json:"job_id" binding:"required"`
}

// InitiateAnalysis starts one analysis. Re-submitting while an analysis is
// in flight is not an error: the existing result id comes back with
// already_in_progress set.
func (h *Handler) InitiateAnalysis(c *gin.Context) {
	var req initiateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	outcome, err := h.Svc.Initiate(c.Request.Context(), req.ApplicantID, req.JobID)
	if err != nil {
		if errors.Is(err, analysis.ErrNoSubmission) {
			common.Fail(c, http.StatusNotFound, 40410, "no submission for applicant/job pair")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to initiate analysis")
		return
	}

	common.Accepted(c, gin.H{
		"result_id":           outcome.ResultID,
		"already_in_progress": outcome.AlreadyInProgress,
	})
}

func resultView(res *analysis.AnalysisResult) gin.H {
	out := gin.H{
		"id":            res.ID,
		"applicant_id":  res.ApplicantID,
		"job_id":        res.JobID,
		"status":        res.Status,
		"attempt_count": res.AttemptCount,
		"created_at":    res.CreatedAt,
		"updated_at":    res.UpdatedAt,
	}
	if res.Status == analysis.StatusCompleted {
		out["score"] = res.Score
		out["category"] = res.Category
		out["justification"] = res.Justification
	}
	if res.FailureCode != "" {
		out["failure_reason"] = gin.H{
			"code":    res.FailureCode,
			"message": res.FailureMessage,
		}
	}
	return out
}

func (h *Handler) GetAnalysis(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "result id required")
		return
	}

	res, err := h.Svc.GetResult(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40411, "analysis not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to load analysis")
		return
	}

	common.OK(c, gin.H{"analysis": resultView(res)})
}

// GetPairAnalysis returns the newest analysis for one applicant/job pair,
// the view the reviewer dashboard polls.
func (h *Handler) GetPairAnalysis(c *gin.Context) {
	jobID := c.Param("job_id")
	applicantID := c.Param("applicant_id")

	res, err := h.Svc.GetLatestForPair(c.Request.Context(), applicantID, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40411, "analysis not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to load analysis")
		return
	}

	common.OK(c, gin.H{"analysis": resultView(res)})
}
