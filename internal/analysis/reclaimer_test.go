package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/talentsift/screener/internal/common"
	"github.com/talentsift/screener/internal/lock"
	"gorm.io/gorm"
)

// seedStuckRow creates a processing row and backdates its updated_at so it
// looks abandoned.
func seedStuckRow(t *testing.T, db *gorm.DB, repo *Repo, applicantID, jobID string, attempts int, age time.Duration) string {
	t.Helper()
	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	if _, _, err := repo.CreateResultOrGetActive(context.Background(), &AnalysisResult{
		ID: id, ApplicantID: applicantID, JobID: jobID, Status: StatusPending,
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	if err := repo.MarkProcessing(context.Background(), id, attempts); err != nil {
		t.Fatalf("seed processing: %v", err)
	}
	// UpdateColumn so gorm does not restamp updated_at
	if err := db.Model(&AnalysisResult{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error; err != nil {
		t.Fatalf("backdate row: %v", err)
	}
	return id
}

// The broker may hand the requeued item to a worker the instant it is
// published, so the reclaimer must not be holding the pair's lock anymore:
// a contended delivery would be dropped and the lineage stranded.
func TestSweep_RequeuedItemConsumableImmediately(t *testing.T) {
	f := newWorkerFixture(t)
	rec := NewReclaimer(f.repo, f.locks, f.pub, time.Minute, time.Minute, 3)

	id := seedStuckRow(t, f.db, f.repo, "app-1", "job-1", 1, 5*time.Minute)

	f.pub.onPublish = func(item WorkItem) {
		if err := f.worker.Handle(context.Background(), item); err != nil {
			t.Errorf("handle requeued item: %v", err)
		}
	}

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res := f.result(t, id)
	if res.Status != StatusCompleted {
		t.Fatalf("requeued item must be processable at once, got status=%s", res.Status)
	}
	if res.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", res.AttemptCount)
	}
	if f.pub.publishedCount() != 1 {
		t.Fatalf("expected 1 requeued item, got %d", f.pub.publishedCount())
	}
}

func TestSweep_RequeuesAbandonedRow(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	locks := lock.NewMemoryManager()
	rec := NewReclaimer(repo, locks, pub, time.Minute, time.Minute, 3)

	id := seedStuckRow(t, db, repo, "app-1", "job-1", 1, 5*time.Minute)

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, err := repo.GetResultByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", res.Status)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 requeued item, got %d", len(pub.published))
	}
	if pub.published[0].AttemptNumber != 2 {
		t.Fatalf("expected next attempt 2, got %d", pub.published[0].AttemptNumber)
	}
}

func TestSweep_ExhaustedRowGoesUnprocessed(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	rec := NewReclaimer(repo, lock.NewMemoryManager(), pub, time.Minute, time.Minute, 3)

	id := seedStuckRow(t, db, repo, "app-1", "job-1", 3, 5*time.Minute)

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, err := repo.GetResultByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if res.Status != StatusUnprocessed {
		t.Fatalf("expected unprocessed, got %s", res.Status)
	}
	if res.FailureCode != FailureWorkerLost {
		t.Fatalf("expected failure code %s, got %s", FailureWorkerLost, res.FailureCode)
	}
	if len(pub.published) != 0 {
		t.Fatalf("exhausted lineage must not be requeued")
	}
}

func TestSweep_HeldLockMeansLiveWorker(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	locks := lock.NewMemoryManager()
	rec := NewReclaimer(repo, locks, pub, time.Minute, time.Minute, 3)

	id := seedStuckRow(t, db, repo, "app-1", "job-1", 1, 5*time.Minute)

	// a slow but live worker still holds the pair
	if _, err := locks.Acquire(context.Background(), lock.Key("job-1", "app-1"), time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, err := repo.GetResultByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if res.Status != StatusProcessing {
		t.Fatalf("held lease must leave the row alone, got %s", res.Status)
	}
	if len(pub.published) != 0 {
		t.Fatalf("held lease must not requeue")
	}
}

// A pending row whose queue message vanished (crash between insert and
// publish, failed rollback) has no worker and no delivery coming; the sweep
// is its only way forward.
func TestSweep_StrandedPendingRequeued(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	rec := NewReclaimer(repo, lock.NewMemoryManager(), pub, time.Minute, time.Minute, 3)

	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	if _, _, err := repo.CreateResultOrGetActive(context.Background(), &AnalysisResult{
		ID: id, ApplicantID: "app-1", JobID: "job-1", Status: StatusPending,
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	if err := db.Model(&AnalysisResult{}).Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-5*time.Minute)).Error; err != nil {
		t.Fatalf("backdate row: %v", err)
	}

	// a freshly initiated pair must not be touched
	freshID, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	if _, _, err := repo.CreateResultOrGetActive(context.Background(), &AnalysisResult{
		ID: freshID, ApplicantID: "app-2", JobID: "job-1", Status: StatusPending,
	}); err != nil {
		t.Fatalf("seed fresh row: %v", err)
	}

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 requeued item, got %d", len(pub.published))
	}
	item := pub.published[0]
	if item.ApplicantID != "app-1" || item.AttemptNumber != 1 {
		t.Fatalf("unexpected requeued item %+v", item)
	}

	res, err := repo.GetResultByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("stranded pending row keeps its status, got %s", res.Status)
	}
}

func TestSweep_FreshProcessingLeftAlone(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	pub := &fakePublisher{}
	rec := NewReclaimer(repo, lock.NewMemoryManager(), pub, time.Minute, time.Minute, 3)

	id := seedStuckRow(t, db, repo, "app-1", "job-1", 1, 30*time.Second)

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, err := repo.GetResultByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if res.Status != StatusProcessing {
		t.Fatalf("row inside the lease window must not be touched, got %s", res.Status)
	}
}
