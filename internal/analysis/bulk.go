package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/talentsift/screener/internal/common"
)

// Coordinator fans a bulk request out through the dispatcher one applicant
// at a time, so every single-item invariant holds transitively. A global
// in-flight ceiling keeps a big run from starving the scoring backend.
type Coordinator struct {
	repo *Repo
	svc  *Service

	maxInFlight  int
	pollInterval time.Duration
	pageSize     int
}

func NewCoordinator(repo *Repo, svc *Service, maxInFlight int, pollInterval time.Duration, pageSize int) *Coordinator {
	if maxInFlight <= 0 {
		maxInFlight = 50
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Coordinator{
		repo:         repo,
		svc:          svc,
		maxInFlight:  maxInFlight,
		pollInterval: pollInterval,
		pageSize:     pageSize,
	}
}

// Start records a new bulk run. The caller drives Run, usually on its own
// goroutine.
func (c *Coordinator) Start(ctx context.Context, jobID string, filter BulkFilter) (*BulkRun, error) {
	if jobID == "" {
		return nil, errors.New("analysis: job_id is required")
	}
	if filter == "" {
		filter = FilterUnanalyzed
	}
	if !ValidBulkFilter(filter) {
		return nil, fmt.Errorf("analysis: unknown bulk filter %q", filter)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	run := &BulkRun{
		ID:     id,
		JobID:  jobID,
		Filter: filter,
		Status: BulkRunning,
	}
	if err := c.repo.CreateBulkRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel asks a running bulk run to stop at its next checkpoint. Items
// already dispatched run to their natural end; everything not yet dispatched
// will be counted as skipped.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	return c.repo.RequestBulkCancel(ctx, runID)
}

// GetRun returns the run's progress snapshot.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*BulkRun, error) {
	return c.repo.GetBulkRun(ctx, runID)
}

// Run executes the fan-out for a previously started run: snapshot the
// eligible candidates, then dispatch them one by one under the ceiling,
// checking for cancellation between items.
func (c *Coordinator) Run(ctx context.Context, runID string) error {
	run, err := c.repo.GetBulkRun(ctx, runID)
	if err != nil {
		return err
	}

	candidates, err := c.selectCandidates(ctx, run)
	if err != nil {
		return c.finish(runID, BulkCancelled, err)
	}
	log.Printf("bulk run started run=%s job=%s filter=%s candidates=%d",
		run.ID, run.JobID, run.Filter, len(candidates))

	for i, sub := range candidates {
		cancelled, err := c.checkCancelled(ctx, runID)
		if err != nil {
			return c.finish(runID, BulkCancelled, err)
		}
		if cancelled {
			return c.skipRemaining(runID, len(candidates)-i)
		}

		if err := c.waitForCapacity(ctx, runID, run.JobID); err != nil {
			if errors.Is(err, errRunCancelled) {
				return c.skipRemaining(runID, len(candidates)-i)
			}
			return c.finish(runID, BulkCancelled, err)
		}

		outcome, err := c.svc.Initiate(ctx, sub.ApplicantID, run.JobID)
		switch {
		case err != nil:
			log.Printf("bulk initiate failed run=%s applicant=%s err=%v", runID, sub.ApplicantID, err)
			err = c.repo.AddBulkCounts(ctx, runID, 0, 1)
		case outcome.AlreadyInProgress:
			err = c.repo.AddBulkCounts(ctx, runID, 0, 1)
		default:
			err = c.repo.AddBulkCounts(ctx, runID, 1, 0)
		}
		if err != nil {
			return c.finish(runID, BulkCancelled, err)
		}
	}

	return c.finish(runID, BulkCompleted, nil)
}

// selectCandidates snapshots the eligible set up front so accepted/skipped
// accounting stays stable while initiations mutate eligibility underneath.
func (c *Coordinator) selectCandidates(ctx context.Context, run *BulkRun) ([]Submission, error) {
	var all []Submission
	for offset := 0; ; offset += c.pageSize {
		page, err := c.repo.ListCandidates(ctx, run.JobID, run.Filter, offset, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
	}
}

var errRunCancelled = errors.New("analysis: bulk run cancelled")

// waitForCapacity blocks while the job's non-terminal results sit at the
// ceiling, waking periodically to re-check both capacity and cancellation.
func (c *Coordinator) waitForCapacity(ctx context.Context, runID, jobID string) error {
	for {
		n, err := c.repo.CountInFlightForJob(ctx, jobID)
		if err != nil {
			return err
		}
		if int(n) < c.maxInFlight {
			return nil
		}

		cancelled, err := c.checkCancelled(ctx, runID)
		if err != nil {
			return err
		}
		if cancelled {
			return errRunCancelled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Coordinator) checkCancelled(ctx context.Context, runID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, nil
	}
	run, err := c.repo.GetBulkRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == BulkCancelling || run.Status == BulkCancelled, nil
}

func (c *Coordinator) skipRemaining(runID string, remaining int) error {
	// Use a fresh context: the run's own context may be what got cancelled,
	// and the final accounting still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.repo.AddBulkCounts(ctx, runID, 0, remaining); err != nil {
		return err
	}
	log.Printf("bulk run cancelled run=%s skipped_remaining=%d", runID, remaining)
	return c.repo.FinishBulkRun(ctx, runID, BulkCancelled)
}

func (c *Coordinator) finish(runID string, status BulkStatus, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.repo.FinishBulkRun(ctx, runID, status); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	if cause != nil {
		log.Printf("bulk run aborted run=%s err=%v", runID, cause)
		return cause
	}
	log.Printf("bulk run finished run=%s status=%s", runID, status)
	return nil
}
