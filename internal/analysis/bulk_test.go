package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talentsift/screener/internal/common"
	"github.com/talentsift/screener/internal/score"
)

// seedTerminalResult creates a finished lineage for the pair so filter
// queries see a terminal latest status.
func seedTerminalResult(t *testing.T, repo *Repo, applicantID, jobID string, status Status) {
	t.Helper()
	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	_, created, err := repo.CreateResultOrGetActive(context.Background(), &AnalysisResult{
		ID:          id,
		ApplicantID: applicantID,
		JobID:       jobID,
		Status:      StatusPending,
	})
	if err != nil || !created {
		t.Fatalf("seed result: created=%v err=%v", created, err)
	}
	if err := repo.MarkProcessing(context.Background(), id, 1); err != nil {
		t.Fatalf("seed processing: %v", err)
	}
	switch status {
	case StatusCompleted:
		err = repo.MarkCompleted(context.Background(), id, &score.Result{
			Score: 55, Category: score.CategoryModerate, Justification: "ok",
		})
	case StatusUnprocessed:
		err = repo.MarkUnprocessed(context.Background(), id, "corrupt_file", "bad file")
	case StatusFailed:
		err = repo.MarkFailed(context.Background(), id, FailureStoreError, "db down")
	default:
		t.Fatalf("seedTerminalResult: %s is not terminal", status)
	}
	if err != nil {
		t.Fatalf("seed terminal %s: %v", status, err)
	}
}

func TestListCandidates_Filters(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	// fresh: no result. done: completed. broken: unprocessed. busy: pending.
	for _, app := range []string{"fresh", "done", "broken", "busy"} {
		seedSubmission(t, db, app, "job-1")
	}
	seedTerminalResult(t, repo, "done", "job-1", StatusCompleted)
	seedTerminalResult(t, repo, "broken", "job-1", StatusUnprocessed)
	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	if _, _, err := repo.CreateResultOrGetActive(context.Background(), &AnalysisResult{
		ID: id, ApplicantID: "busy", JobID: "job-1", Status: StatusPending,
	}); err != nil {
		t.Fatalf("seed busy: %v", err)
	}

	cases := []struct {
		filter BulkFilter
		want   []string
	}{
		{FilterUnanalyzed, []string{"fresh"}},
		{FilterRerunFailed, []string{"broken"}},
		{FilterAll, []string{"fresh", "done", "broken"}},
	}
	for _, tc := range cases {
		subs, err := repo.ListCandidates(context.Background(), "job-1", tc.filter, 0, 100)
		if err != nil {
			t.Fatalf("%s: %v", tc.filter, err)
		}
		got := make(map[string]bool, len(subs))
		for _, s := range subs {
			got[s.ApplicantID] = true
		}
		if len(subs) != len(tc.want) {
			t.Fatalf("%s: expected %d candidates, got %d (%v)", tc.filter, len(tc.want), len(subs), got)
		}
		for _, app := range tc.want {
			if !got[app] {
				t.Fatalf("%s: expected candidate %s, got %v", tc.filter, app, got)
			}
		}
	}
}

func TestBulkRun_AcceptsAllCandidates(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	coord := NewCoordinator(repo, svc, 10, 10*time.Millisecond, 100)

	for _, app := range []string{"a", "b", "c"} {
		seedSubmission(t, db, app, "job-1")
	}

	run, err := coord.Start(context.Background(), "job-1", FilterUnanalyzed)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := coord.Run(context.Background(), run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := coord.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != BulkCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.AcceptedCount != 3 || got.SkippedCount != 0 {
		t.Fatalf("expected 3 accepted / 0 skipped, got %d/%d", got.AcceptedCount, got.SkippedCount)
	}
	if pub.publishedCount() != 3 {
		t.Fatalf("expected 3 work items, got %d", pub.publishedCount())
	}
}

func TestBulkRun_RacedCandidateCountsSkipped(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	coord := NewCoordinator(repo, svc, 10, 10*time.Millisecond, 100)

	seedSubmission(t, db, "a", "job-1")
	seedSubmission(t, db, "b", "job-1")

	// While the run handles "a", a direct initiation claims "b". The snapshot
	// still contains "b", so the run must book it as skipped, not double it.
	pub.onPublish = func(item WorkItem) {
		if item.ApplicantID != "a" {
			return
		}
		pub.onPublish = nil
		if _, err := svc.Initiate(context.Background(), "b", "job-1"); err != nil {
			t.Errorf("concurrent initiate: %v", err)
		}
	}

	run, err := coord.Start(context.Background(), "job-1", FilterUnanalyzed)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := coord.Run(context.Background(), run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := coord.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.AcceptedCount != 1 || got.SkippedCount != 1 {
		t.Fatalf("expected 1 accepted / 1 skipped, got %d/%d", got.AcceptedCount, got.SkippedCount)
	}

	var n int64
	if err := db.Model(&AnalysisResult{}).Where("applicant_id = ?", "b").Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single row for the raced pair, got %d", n)
	}
}

func TestBulkRun_CancelMidRunSkipsRemaining(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	coord := NewCoordinator(repo, svc, 10, 10*time.Millisecond, 100)

	for _, app := range []string{"a", "b", "c", "d"} {
		seedSubmission(t, db, app, "job-1")
	}

	run, err := coord.Start(context.Background(), "job-1", FilterUnanalyzed)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Cancel lands right after the first item is dispatched.
	pub.onPublish = func(WorkItem) {
		pub.onPublish = nil
		if err := coord.Cancel(context.Background(), run.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	if err := coord.Run(context.Background(), run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := coord.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != BulkCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.AcceptedCount != 1 || got.SkippedCount != 3 {
		t.Fatalf("expected 1 accepted / 3 skipped, got %d/%d", got.AcceptedCount, got.SkippedCount)
	}
	if got.AcceptedCount+got.SkippedCount != 4 {
		t.Fatalf("accounting must cover the snapshot, got %d", got.AcceptedCount+got.SkippedCount)
	}
	// the dispatched item runs to its natural end: its row still exists
	if pub.publishedCount() != 1 {
		t.Fatalf("expected exactly 1 dispatched item, got %d", pub.publishedCount())
	}
}

func TestBulkRun_CancelIsIdempotentViaGuard(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	coord := NewCoordinator(repo, NewService(repo, &fakePublisher{}), 10, 10*time.Millisecond, 100)

	run, err := coord.Start(context.Background(), "job-1", FilterAll)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := coord.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	// second cancel finds no running row to guard
	if err := coord.Cancel(context.Background(), run.ID); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestBulkRun_CeilingBlocksUntilCapacityFrees(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	coord := NewCoordinator(repo, svc, 2, 5*time.Millisecond, 100)

	for _, app := range []string{"a", "b", "c"} {
		seedSubmission(t, db, app, "job-1")
	}

	// The second dispatch fills the ceiling. The first pair's row finishes a
	// beat later, so the third candidate has to sit in the capacity poll
	// until it does.
	pub.onPublish = func(item WorkItem) {
		if item.ApplicantID != "b" {
			return
		}
		pub.onPublish = nil
		go func() {
			time.Sleep(30 * time.Millisecond)
			res, err := repo.GetActiveResult(context.Background(), "a", "job-1")
			if err != nil {
				t.Errorf("load first row: %v", err)
				return
			}
			if err := repo.MarkProcessing(context.Background(), res.ID, 1); err != nil {
				t.Errorf("mark processing: %v", err)
				return
			}
			if err := repo.MarkCompleted(context.Background(), res.ID, &score.Result{
				Score: 90, Category: score.CategoryStrong, Justification: "done",
			}); err != nil {
				t.Errorf("mark completed: %v", err)
			}
		}()
	}

	run, err := coord.Start(context.Background(), "job-1", FilterUnanalyzed)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background(), run.ID) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish; ceiling never freed")
	}

	got, err := coord.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != BulkCompleted || got.AcceptedCount != 3 {
		t.Fatalf("expected completed with 3 accepted, got status=%s accepted=%d", got.Status, got.AcceptedCount)
	}

	var inFlight int64
	if inFlight, err = repo.CountInFlightForJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("count in flight: %v", err)
	}
	if inFlight != 2 {
		t.Fatalf("expected 2 rows still in flight, got %d", inFlight)
	}
}

func TestBulkStart_RejectsUnknownFilter(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	coord := NewCoordinator(repo, NewService(repo, &fakePublisher{}), 10, 10*time.Millisecond, 100)

	if _, err := coord.Start(context.Background(), "job-1", BulkFilter("everything")); err == nil {
		t.Fatalf("expected unknown filter to be rejected")
	}
}
