package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/talentsift/screener/internal/common"
	"gorm.io/gorm"
)

// ErrNoSubmission means initiation was requested for a pair with no stored
// resume; there is nothing to analyze.
var ErrNoSubmission = errors.New("analysis: no submission for applicant/job pair")

// TaskPublisher enqueues work items. PublishRetry delays delivery by the
// given backoff before the item becomes consumable again.
type TaskPublisher interface {
	Publish(ctx context.Context, item WorkItem) error
	PublishRetry(ctx context.Context, item WorkItem, delay time.Duration) error
}

// InitiateOutcome reports what Initiate did for one pair.
type InitiateOutcome struct {
	ResultID string
	// AlreadyInProgress means a non-terminal result existed; the request was
	// an idempotent no-op.
	AlreadyInProgress bool
}

// Service is the task dispatcher: it owns queue admission and the status
// query surface, never item execution.
type Service struct {
	repo      *Repo
	publisher TaskPublisher
}

func NewService(repo *Repo, publisher TaskPublisher) *Service {
	return &Service{repo: repo, publisher: publisher}
}

// Initiate starts one analysis for the pair. Re-submission while a
// non-terminal result exists is safe and side-effect-free: the existing
// result id comes back with AlreadyInProgress set. An accepted call creates
// exactly one row and one queue message.
func (s *Service) Initiate(ctx context.Context, applicantID, jobID string) (*InitiateOutcome, error) {
	if applicantID == "" || jobID == "" {
		return nil, errors.New("analysis: applicant_id and job_id are required")
	}

	if _, err := s.repo.GetSubmission(ctx, applicantID, jobID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubmission
		}
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	res, created, err := s.repo.CreateResultOrGetActive(ctx, &AnalysisResult{
		ID:          id,
		ApplicantID: applicantID,
		JobID:       jobID,
		Status:      StatusPending,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &InitiateOutcome{ResultID: res.ID, AlreadyInProgress: true}, nil
	}

	item := WorkItem{
		ApplicantID:   applicantID,
		JobID:         jobID,
		AttemptNumber: 1,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, item); err != nil {
		// Keep row and message in lockstep: no message, no row.
		if delErr := s.repo.DeleteResult(ctx, res.ID); delErr != nil {
			log.Printf("initiate rollback failed result=%s err=%v", res.ID, delErr)
		}
		return nil, fmt.Errorf("enqueue work item: %w", err)
	}

	return &InitiateOutcome{ResultID: res.ID}, nil
}

// GetResult returns one result row by id.
func (s *Service) GetResult(ctx context.Context, id string) (*AnalysisResult, error) {
	return s.repo.GetResultByID(ctx, id)
}

// GetLatestForPair returns the newest result for an applicant/job pair,
// which is what the reviewer dashboard shows.
func (s *Service) GetLatestForPair(ctx context.Context, applicantID, jobID string) (*AnalysisResult, error) {
	return s.repo.GetLatestResult(ctx, applicantID, jobID)
}
