package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/talentsift/screener/internal/score"
	"gorm.io/gorm"
)

// ErrStaleTransition means a guarded status update matched no row: someone
// else already moved the lineage on. Callers treat it as "not ours anymore".
var ErrStaleTransition = errors.New("analysis: stale status transition")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func activeMarker() *string {
	v := "1"
	return &v
}

// CreateResultOrGetActive inserts a fresh pending row for the pair, or if a
// non-terminal row already exists returns it instead. The unique index over
// (applicant_id, job_id, active) arbitrates races between concurrent callers.
func (r *Repo) CreateResultOrGetActive(ctx context.Context, res *AnalysisResult) (*AnalysisResult, bool, error) {
	res.Active = activeMarker()
	err := r.db.WithContext(ctx).Create(res).Error
	if err == nil {
		return res, true, nil
	}

	existing, getErr := r.GetActiveResult(ctx, res.ApplicantID, res.JobID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		// Not a duplicate-key failure after all; surface the insert error.
		return nil, false, err
	}
	return nil, false, getErr
}

// DeleteResult removes a row. Used only to roll back a pending insert whose
// work item could not be enqueued, keeping "one row, one message" true.
func (r *Repo) DeleteResult(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&AnalysisResult{}, "id = ?", id).Error
}

func (r *Repo) GetResultByID(ctx context.Context, id string) (*AnalysisResult, error) {
	var res AnalysisResult
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repo) GetActiveResult(ctx context.Context, applicantID, jobID string) (*AnalysisResult, error) {
	var res AnalysisResult
	if err := r.db.WithContext(ctx).
		Where("applicant_id = ? AND job_id = ? AND active IS NOT NULL", applicantID, jobID).
		First(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

// GetLatestResult returns the newest row for the pair; ULIDs sort by time so
// id order is creation order.
func (r *Repo) GetLatestResult(ctx context.Context, applicantID, jobID string) (*AnalysisResult, error) {
	var res AnalysisResult
	if err := r.db.WithContext(ctx).
		Where("applicant_id = ? AND job_id = ?", applicantID, jobID).
		Order("id DESC").
		First(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkProcessing moves pending -> processing and stamps the attempt count in
// the same UPDATE. A miss means the row was taken or finished elsewhere.
func (r *Repo) MarkProcessing(ctx context.Context, id string, attempt int) error {
	tx := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":        StatusProcessing,
			"attempt_count": attempt,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkCompleted writes the terminal success in one atomic UPDATE: status,
// score fields and the cleared active marker land together, so a reader can
// never see completed without a score.
func (r *Repo) MarkCompleted(ctx context.Context, id string, verdict *score.Result) error {
	tx := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":          StatusCompleted,
			"active":          nil,
			"score":           verdict.Score,
			"category":        verdict.Category,
			"justification":   verdict.Justification,
			"failure_code":    "",
			"failure_message": "",
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkUnprocessed writes the terminal can't-score outcome with its reason.
func (r *Repo) MarkUnprocessed(ctx context.Context, id string, code, message string) error {
	tx := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":          StatusUnprocessed,
			"active":          nil,
			"failure_code":    code,
			"failure_message": message,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkFailed records an infrastructure-level fault needing operator eyes.
func (r *Repo) MarkFailed(ctx context.Context, id string, code, message string) error {
	tx := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":          StatusFailed,
			"active":          nil,
			"failure_code":    code,
			"failure_message": message,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkPendingRetry moves processing back to pending ahead of the next
// attempt. Failure fields are cleared: they belong to terminal rows only.
func (r *Repo) MarkPendingRetry(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":          StatusPending,
			"failure_code":    "",
			"failure_message": "",
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CountInFlightForJob counts the job's non-terminal rows: the bulk admission
// ceiling reads this.
func (r *Repo) CountInFlightForJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&AnalysisResult{}).
		Where("job_id = ? AND active IS NOT NULL", jobID).
		Count(&n).Error
	return n, err
}

// latestStatusSubquery is the status of the newest result row for the
// submission's pair, or NULL when no result exists.
const latestStatusSubquery = `(
select r.status from analysis_results r
 where r.applicant_id = submissions.applicant_id and r.job_id = submissions.job_id
 order by r.id desc limit 1)`

// ListCandidates pages through the job's submissions eligible under filter.
// Pairs with a non-terminal result are never eligible.
func (r *Repo) ListCandidates(ctx context.Context, jobID string, filter BulkFilter, offset, limit int) ([]Submission, error) {
	q := r.db.WithContext(ctx).Model(&Submission{}).
		Where("submissions.job_id = ?", jobID)

	switch filter {
	case FilterUnanalyzed:
		q = q.Where(latestStatusSubquery + " is null")
	case FilterRerunFailed:
		q = q.Where(latestStatusSubquery+" in (?, ?)", StatusUnprocessed, StatusFailed)
	default: // FilterAll
		q = q.Where(latestStatusSubquery+" is null or "+latestStatusSubquery+" not in (?, ?)",
			StatusPending, StatusProcessing)
	}

	var subs []Submission
	if err := q.Order("submissions.id ASC").Offset(offset).Limit(limit).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// GetJobRequirements loads the job's requirement sheet as scoring input.
func (r *Repo) GetJobRequirements(ctx context.Context, jobID string) (score.Requirements, error) {
	var row JobRequirement
	if err := r.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error; err != nil {
		return score.Requirements{}, err
	}

	req := score.Requirements{
		Title:       row.Title,
		Description: row.Description,
	}
	if row.Required != "" {
		if err := json.Unmarshal([]byte(row.Required), &req.Required); err != nil {
			return score.Requirements{}, fmt.Errorf("decode required skills for job %s: %w", jobID, err)
		}
	}
	if row.NiceToHave != "" {
		if err := json.Unmarshal([]byte(row.NiceToHave), &req.NiceToHave); err != nil {
			return score.Requirements{}, fmt.Errorf("decode nice-to-have skills for job %s: %w", jobID, err)
		}
	}
	return req, nil
}

func (r *Repo) GetSubmission(ctx context.Context, applicantID, jobID string) (*Submission, error) {
	var s Submission
	if err := r.db.WithContext(ctx).
		Where("applicant_id = ? AND job_id = ?", applicantID, jobID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStaleActive finds non-terminal rows untouched since cutoff; the
// reclaimer decides whether their lease or queue message really went missing.
func (r *Repo) ListStaleActive(ctx context.Context, cutoff time.Time, limit int) ([]AnalysisResult, error) {
	var rows []AnalysisResult
	err := r.db.WithContext(ctx).
		Where("active IS NOT NULL AND updated_at < ?", cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Bulk runs

func (r *Repo) CreateBulkRun(ctx context.Context, run *BulkRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repo) GetBulkRun(ctx context.Context, id string) (*BulkRun, error) {
	var run BulkRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// RequestBulkCancel flips running -> cancelling; the coordinator notices at
// its next checkpoint.
func (r *Repo) RequestBulkCancel(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx).Model(&BulkRun{}).
		Where("id = ? AND status = ?", id, BulkRunning).
		Update("status", BulkCancelling)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *Repo) FinishBulkRun(ctx context.Context, id string, status BulkStatus) error {
	return r.db.WithContext(ctx).Model(&BulkRun{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// AddBulkCounts accumulates progress so dashboards see live numbers.
func (r *Repo) AddBulkCounts(ctx context.Context, id string, accepted, skipped int) error {
	return r.db.WithContext(ctx).Model(&BulkRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"accepted_count": gorm.Expr("accepted_count + ?", accepted),
			"skipped_count":  gorm.Expr("skipped_count + ?", skipped),
		}).Error
}
