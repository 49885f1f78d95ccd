package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/talentsift/screener/internal/lock"
)

// Reclaimer recovers orphaned lineages: a row stuck in processing whose
// lease has lapsed is flipped back to pending and re-enqueued, and a row
// stuck in pending whose queue message went missing (crash between insert
// and publish, failed rollback) is re-enqueued as-is. The lease TTL is the
// only crash signal; there is no separate heartbeat.
type Reclaimer struct {
	repo      *Repo
	locks     lock.Manager
	publisher TaskPublisher

	lockTTL     time.Duration
	interval    time.Duration
	maxAttempts int
	batchSize   int
}

func NewReclaimer(repo *Repo, locks lock.Manager, publisher TaskPublisher, lockTTL, interval time.Duration, maxAttempts int) *Reclaimer {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Reclaimer{
		repo:        repo,
		locks:       locks,
		publisher:   publisher,
		lockTTL:     lockTTL,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   100,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Printf("reclaim sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one pass. Rows still within 2x the lease TTL are left alone:
// their worker may simply be slow and renewing, or their message is still
// parked on the retry queue.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-2 * r.lockTTL)
	rows, err := r.repo.ListStaleActive(ctx, cutoff, r.batchSize)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := r.reclaim(ctx, row); err != nil {
			log.Printf("reclaim result=%s err=%v", row.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reclaimer) reclaim(ctx context.Context, row AnalysisResult) error {
	key := lock.Key(row.JobID, row.ApplicantID)

	// Holding the pair's lock proves no live worker owns it.
	token, err := r.locks.Acquire(ctx, key, r.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil
		}
		return err
	}

	if row.Status == StatusProcessing && row.AttemptCount >= r.maxAttempts {
		err := r.repo.MarkUnprocessed(ctx, row.ID, FailureWorkerLost,
			fmt.Sprintf("worker lost after %d attempts", row.AttemptCount))
		r.release(key, token)
		if err != nil && !errors.Is(err, ErrStaleTransition) {
			return err
		}
		log.Printf("reclaimed exhausted result=%s attempts=%d", row.ID, row.AttemptCount)
		return nil
	}

	// The requeued item's consumer has to take this lock itself, so it must
	// be free before anything hits the queue.
	r.release(key, token)

	if row.Status == StatusProcessing {
		if err := r.repo.MarkPendingRetry(ctx, row.ID); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return nil
			}
			return err
		}
	}

	next := WorkItem{
		ApplicantID:   row.ApplicantID,
		JobID:         row.JobID,
		AttemptNumber: row.AttemptCount + 1,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, next); err != nil {
		// The row is still pending and still stale; a later sweep retries.
		return err
	}
	log.Printf("reclaimed stuck result=%s from=%s next_attempt=%d", row.ID, row.Status, next.AttemptNumber)
	return nil
}

func (r *Reclaimer) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.locks.Release(ctx, key, token)
}
