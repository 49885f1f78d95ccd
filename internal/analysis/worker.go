package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/talentsift/screener/internal/lock"
	"github.com/talentsift/screener/internal/parse"
	"github.com/talentsift/screener/internal/score"
	"gorm.io/gorm"
)

// BlobStore reads stored resume files. Storage mechanics live elsewhere;
// the pipeline only ever reads.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// WorkerOptions groups the pipeline dependencies and knobs.
type WorkerOptions struct {
	Repo      *Repo
	Locks     lock.Manager
	Blobs     BlobStore
	Extractor parse.Extractor
	Scorer    score.Scorer
	Publisher TaskPublisher

	MaxAttempts    int
	LockTTL        time.Duration
	ParseTimeout   time.Duration
	ScoreTimeout   time.Duration
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Worker drives the per-item pipeline: lock, parse, score, persist, unlock.
type Worker struct {
	opts WorkerOptions
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.ParseTimeout <= 0 {
		opts.ParseTimeout = 60 * time.Second
	}
	if opts.ScoreTimeout <= 0 {
		opts.ScoreTimeout = 90 * time.Second
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 5 * time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 5 * time.Minute
	}
	return &Worker{opts: opts}
}

// Handle processes one work item. A nil return means the delivery can be
// acked: either the item was fully handled or it is a duplicate/stale
// delivery that must not run again. An error return means an unclassified
// infrastructure fault; the caller nacks so the broker dead-letters it.
func (w *Worker) Handle(ctx context.Context, item WorkItem) error {
	key := lock.Key(item.JobID, item.ApplicantID)

	token, err := w.opts.Locks.Acquire(ctx, key, w.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			// Another worker owns the pair; dispatcher dedup means nothing
			// is lost by dropping this delivery.
			log.Printf("lock busy, dropping item applicant=%s job=%s attempt=%d",
				item.ApplicantID, item.JobID, item.AttemptNumber)
			return nil
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		// Release with a fresh context so shutdown doesn't leak the lease
		// for a full TTL.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.opts.Locks.Release(rctx, key, token); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			log.Printf("release lock key=%s err=%v", key, err)
		}
	}()

	res, err := w.opts.Repo.GetActiveResult(ctx, item.ApplicantID, item.JobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Lineage already finished; at-least-once redelivery.
			return nil
		}
		return fmt.Errorf("load result: %w", err)
	}

	// Idempotency against redelivery: attempts already reflected in the row
	// must not run twice.
	if res.Status != StatusPending || item.AttemptNumber <= res.AttemptCount {
		log.Printf("stale delivery skipped result=%s status=%s row_attempts=%d item_attempt=%d",
			res.ID, res.Status, res.AttemptCount, item.AttemptNumber)
		return nil
	}

	if err := w.opts.Repo.MarkProcessing(ctx, res.ID, item.AttemptNumber); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	sub, err := w.opts.Repo.GetSubmission(ctx, item.ApplicantID, item.JobID)
	if err != nil {
		return w.retryOrExhaust(ctx, res, item, score.CodeModelError,
			fmt.Sprintf("load submission: %v", err))
	}

	data, err := w.opts.Blobs.Read(ctx, sub.ResumeKey)
	if err != nil {
		return w.retryOrExhaust(ctx, res, item, score.CodeModelError,
			fmt.Sprintf("read resume blob: %v", err))
	}

	pctx, pcancel := context.WithTimeout(ctx, w.opts.ParseTimeout)
	text, err := w.opts.Extractor.Extract(pctx, data, sub.MimeType)
	pcancel()
	if err != nil {
		var perr *parse.Error
		if errors.As(err, &perr) {
			// The file itself is unusable; retrying cannot help.
			return w.markUnprocessed(ctx, res.ID, perr.Code, perr.Message)
		}
		code := score.CodeModelError
		if errors.Is(err, context.DeadlineExceeded) {
			code = score.CodeTimeout
		}
		return w.retryOrExhaust(ctx, res, item, code, fmt.Sprintf("extract text: %v", err))
	}

	// Scoring is the long pole; start it with a fresh lease.
	if err := w.opts.Locks.Renew(ctx, key, token, w.opts.LockTTL); err != nil {
		// The lease is gone: we no longer own the row. Walk away and let
		// the reclaimer restart the attempt.
		log.Printf("lease lost mid-pipeline result=%s err=%v", res.ID, err)
		return nil
	}

	reqs, err := w.opts.Repo.GetJobRequirements(ctx, item.JobID)
	if err != nil {
		return w.retryOrExhaust(ctx, res, item, score.CodeModelError,
			fmt.Sprintf("load job requirements: %v", err))
	}

	sctx, scancel := context.WithTimeout(ctx, w.opts.ScoreTimeout)
	verdict, err := w.opts.Scorer.Score(sctx, score.Input{
		ResumeText:   text,
		Requirements: reqs,
	})
	scancel()
	if err != nil {
		var serr *score.Error
		switch {
		case errors.As(err, &serr) && !serr.Retryable:
			return w.markUnprocessed(ctx, res.ID, serr.Code, serr.Message)
		case errors.As(err, &serr):
			return w.retryOrExhaust(ctx, res, item, serr.Code, serr.Message)
		case errors.Is(err, context.DeadlineExceeded):
			return w.retryOrExhaust(ctx, res, item, score.CodeTimeout, "scoring call exceeded deadline")
		default:
			return w.retryOrExhaust(ctx, res, item, score.CodeModelError, err.Error())
		}
	}

	if err := w.opts.Repo.MarkCompleted(ctx, res.ID, verdict); err != nil {
		// A computed score we cannot persist is an operator problem, never a
		// silent retry.
		if ferr := w.opts.Repo.MarkFailed(ctx, res.ID, FailureStoreError,
			fmt.Sprintf("persist completed result: %v", err)); ferr != nil {
			log.Printf("mark failed also failed result=%s err=%v", res.ID, ferr)
			return fmt.Errorf("persist result: %w", err)
		}
		return nil
	}

	log.Printf("analysis completed result=%s applicant=%s job=%s score=%d category=%s attempt=%d",
		res.ID, item.ApplicantID, item.JobID, verdict.Score, verdict.Category, item.AttemptNumber)
	return nil
}

func (w *Worker) markUnprocessed(ctx context.Context, id, code, message string) error {
	if err := w.opts.Repo.MarkUnprocessed(ctx, id, code, message); err != nil && !errors.Is(err, ErrStaleTransition) {
		return fmt.Errorf("mark unprocessed: %w", err)
	}
	log.Printf("analysis unprocessed result=%s code=%s", id, code)
	return nil
}

// retryOrExhaust schedules the next attempt with backoff, or writes the
// terminal unprocessed outcome when attempts are spent.
func (w *Worker) retryOrExhaust(ctx context.Context, res *AnalysisResult, item WorkItem, code, message string) error {
	if item.AttemptNumber >= w.opts.MaxAttempts {
		return w.markUnprocessed(ctx, res.ID, code,
			fmt.Sprintf("%s (after %d attempts)", message, item.AttemptNumber))
	}

	next := WorkItem{
		ApplicantID:   item.ApplicantID,
		JobID:         item.JobID,
		AttemptNumber: item.AttemptNumber + 1,
		EnqueuedAt:    time.Now().UTC(),
	}
	delay := w.backoff(item.AttemptNumber)
	if err := w.opts.Publisher.PublishRetry(ctx, next, delay); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if err := w.opts.Repo.MarkPendingRetry(ctx, res.ID); err != nil && !errors.Is(err, ErrStaleTransition) {
		return fmt.Errorf("mark pending: %w", err)
	}
	log.Printf("analysis retry scheduled result=%s code=%s attempt=%d delay=%s",
		res.ID, code, next.AttemptNumber, delay)
	return nil
}

// backoff is exponential in the attempt number, capped, with +-20% jitter so
// bulk runs don't hammer the scoring backend in lockstep.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.opts.MaxRetryDelay {
			d = w.opts.MaxRetryDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
