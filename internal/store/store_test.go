package store

import (
	"context"
	"testing"
	"time"

	"videopipe/internal/account"
	apperr "videopipe/internal/errors"
	"videopipe/internal/job"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), t.TempDir(), "pipeline.db")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestJob() *job.Job {
	return &job.Job{
		Platform: "acme",
		Spec: job.Spec{
			Prompt:      "a cat riding a skateboard",
			Duration:    10,
			AspectRatio: job.Aspect16x9,
		},
		Progress: job.Progress{
			Status:     job.StatusDraft,
			MaxRetries: 3,
		},
		TaskState: job.TaskState{CurrentTask: string(job.TaskGenerate)},
	}
}

func TestOpen_CreatesTablesAndPragmas(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.bun.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}

	var count int
	if err := db.bun.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count); err != nil {
		t.Fatalf("jobs table should exist: %v", err)
	}
	if err := db.bun.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		t.Fatalf("accounts table should exist: %v", err)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db1, err := Open(ctx, dir, "pipeline.db")
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(ctx, dir, "pipeline.db")
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db2.Close()
}

func TestJobStore_CreateAndGetByID(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob()
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if j.ID == 0 {
		t.Fatal("expected generated ID")
	}
	if j.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := store.GetByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Spec.Prompt != j.Spec.Prompt {
		t.Errorf("prompt = %q, want %q", got.Spec.Prompt, j.Spec.Prompt)
	}
	if got.TaskState.CurrentTask != string(job.TaskGenerate) {
		t.Errorf("current_task = %q, want %q", got.TaskState.CurrentTask, job.TaskGenerate)
	}
}

func TestJobStore_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)

	_, err := store.GetByID(context.Background(), 999)
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestJobStore_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob()
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := store.UpdateStatus(ctx, j.ID, job.StatusFailed, "heavy_load"); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	got, err := store.GetByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Progress.Status != job.StatusFailed {
		t.Errorf("status = %q, want %q", got.Progress.Status, job.StatusFailed)
	}
	if got.Progress.ErrorMessage != "heavy_load" {
		t.Errorf("error_message = %q, want %q", got.Progress.ErrorMessage, "heavy_load")
	}
}

func TestJobStore_ListPending_ExcludesActiveAndTerminal(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	draft := newTestJob()
	store.Create(ctx, draft)

	processing := newTestJob()
	processing.Progress.Status = job.StatusProcessing
	store.Create(ctx, processing)

	done := newTestJob()
	done.Progress.Status = job.StatusDone
	store.Create(ctx, done)

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != draft.ID {
		t.Errorf("ListPending() = %v, want just the draft job", pending)
	}
}

func TestJobStore_ListStale(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	j := newTestJob()
	j.Progress.Status = job.StatusGenerating
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Force updated_at into the past to simulate a stuck job.
	_, err := db.bun.NewUpdate().Model((*jobModel)(nil)).
		Set("updated_at = ?", time.Now().UTC().Add(-1*time.Hour)).
		Where("id = ?", j.ID).
		Exec(ctx)
	if err != nil {
		t.Fatalf("failed to backdate job: %v", err)
	}

	stale, err := store.ListStale(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("ListStale() error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != j.ID {
		t.Errorf("ListStale() = %v, want the backdated job", stale)
	}
}

func TestJobStore_CountByStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	store.Create(ctx, newTestJob())
	done := newTestJob()
	done.Progress.Status = job.StatusDone
	store.Create(ctx, done)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error: %v", err)
	}
	if counts[job.StatusDraft] != 1 {
		t.Errorf("draft count = %d, want 1", counts[job.StatusDraft])
	}
	if counts[job.StatusDone] != 1 {
		t.Errorf("done count = %d, want 1", counts[job.StatusDone])
	}
}

func TestJobStore_BulkDeleteAndBulkUpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	a := newTestJob()
	b := newTestJob()
	store.Create(ctx, a)
	store.Create(ctx, b)

	if err := store.BulkUpdateStatus(ctx, []int64{a.ID, b.ID}, job.StatusCancelled); err != nil {
		t.Fatalf("BulkUpdateStatus() error: %v", err)
	}
	got, _ := store.GetByID(ctx, a.ID)
	if got.Progress.Status != job.StatusCancelled {
		t.Errorf("status = %q, want %q", got.Progress.Status, job.StatusCancelled)
	}

	if err := store.BulkDelete(ctx, []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("BulkDelete() error: %v", err)
	}
	if _, err := store.GetByID(ctx, a.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected job %d to be deleted", a.ID)
	}
}

func newTestAccount(platform string) *account.Account {
	return &account.Account{
		Platform:         platform,
		Email:            "worker@example.com",
		CreditsRemaining: 100,
		Status:           account.StatusLive,
	}
}

func TestAccountStore_CreateAndGetByID(t *testing.T) {
	db := setupTestDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	a := newTestAccount("acme")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("expected generated ID")
	}

	got, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Email != a.Email {
		t.Errorf("email = %q, want %q", got.Email, a.Email)
	}
}

func TestAccountStore_ListEligible_ExcludesLeasedAndExhausted(t *testing.T) {
	db := setupTestDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	eligible := newTestAccount("acme")
	store.Create(ctx, eligible)

	leased := newTestAccount("acme")
	leased.Leased = true
	store.Create(ctx, leased)

	exhausted := newTestAccount("acme")
	exhausted.CreditsRemaining = 0
	store.Create(ctx, exhausted)

	list, err := store.ListEligible(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("ListEligible() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != eligible.ID {
		t.Errorf("ListEligible() = %v, want just the unleased credited account", list)
	}
}

func TestAccountStore_ListEligible_HonorsExcludeIDs(t *testing.T) {
	db := setupTestDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	a := newTestAccount("acme")
	store.Create(ctx, a)
	b := newTestAccount("acme")
	store.Create(ctx, b)

	list, err := store.ListEligible(ctx, "acme", []int64{a.ID})
	if err != nil {
		t.Fatalf("ListEligible() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("ListEligible() = %v, want only account %d", list, b.ID)
	}
}

func TestAccountStore_ForceReleaseAll(t *testing.T) {
	db := setupTestDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	a := newTestAccount("acme")
	a.Leased = true
	store.Create(ctx, a)

	if err := store.ForceReleaseAll(ctx); err != nil {
		t.Fatalf("ForceReleaseAll() error: %v", err)
	}

	got, err := store.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Leased {
		t.Error("expected account to be released")
	}
}
