package db

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database := newTestDB(t)
	repo := NewRepository(database.DB, NewNotifier())
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestRoll(t *testing.T, repo *Repository, userID string, capacity int) *models.Roll {
	t.Helper()
	roll := &models.Roll{
		UserID:      userID,
		FilmType:    "classic",
		Capacity:    capacity,
		AspectRatio: "3:4",
	}
	if err := repo.CreateRollReplacingActive(roll); err != nil {
		t.Fatalf("failed to create roll: %v", err)
	}
	return roll
}

func TestCreateRollReplacingActive(t *testing.T) {
	repo := newTestRepo(t)

	first := createTestRoll(t, repo, "u1", 3)
	second := createTestRoll(t, repo, "u1", 5)

	// The first active roll and its local data are discarded.
	if _, err := repo.GetRoll(first.ID.String()); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected first roll to be gone, got %v", err)
	}

	active, err := repo.GetActiveRoll("u1")
	if err != nil {
		t.Fatalf("GetActiveRoll failed: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active roll = %s, want %s", active.ID, second.ID)
	}
	if active.SyncStatus != models.SyncLocalOnly {
		t.Errorf("new roll sync status = %s, want local_only", active.SyncStatus)
	}
}

func TestCapturePhotoIncrementsAndCompletes(t *testing.T) {
	repo := newTestRepo(t)
	roll := createTestRoll(t, repo, "u1", 2)
	now := time.Now().Unix()

	meta, _ := json.Marshal(map[string]interface{}{"iso": 400})

	r1, err := repo.CapturePhoto(roll.ID, &models.Photo{UserID: "u1", LocalPath: "/p/1.jpg", Metadata: meta}, now)
	if err != nil {
		t.Fatalf("first capture failed: %v", err)
	}
	if r1.ShotsUsed != 1 || r1.IsCompleted() {
		t.Errorf("after first capture: shots=%d completed=%v", r1.ShotsUsed, r1.IsCompleted())
	}

	r2, err := repo.CapturePhoto(roll.ID, &models.Photo{UserID: "u1", LocalPath: "/p/2.jpg"}, now)
	if err != nil {
		t.Fatalf("second capture failed: %v", err)
	}
	if r2.ShotsUsed != 2 {
		t.Errorf("shots_used = %d, want 2", r2.ShotsUsed)
	}
	if !r2.IsCompleted() {
		t.Error("roll should be completed after last shot")
	}

	// Capture beyond capacity is rejected.
	_, err = repo.CapturePhoto(roll.ID, &models.Photo{UserID: "u1", LocalPath: "/p/3.jpg"}, now)
	if !apperrors.Is(err, apperrors.ErrRollCompleted) && !apperrors.Is(err, apperrors.ErrRollFull) {
		t.Errorf("expected capture rejection, got %v", err)
	}

	photos, err := repo.ListPhotosByRoll(roll.ID)
	if err != nil {
		t.Fatalf("ListPhotosByRoll failed: %v", err)
	}
	if len(photos) != 2 {
		t.Errorf("photo count = %d, want 2", len(photos))
	}
}

func TestFinishRoll(t *testing.T) {
	repo := newTestRepo(t)
	roll := createTestRoll(t, repo, "u1", 10)
	now := time.Now().Unix()

	finished, err := repo.FinishRoll(roll.ID, now)
	if err != nil {
		t.Fatalf("FinishRoll failed: %v", err)
	}
	if !finished.IsCompleted() {
		t.Error("completed_at not stamped")
	}

	if _, err := repo.FinishRoll(roll.ID, now); !apperrors.Is(err, apperrors.ErrRollCompleted) {
		t.Errorf("expected ROLL_COMPLETED on double finish, got %v", err)
	}
}

func TestSetDevelopedAtRequiresCompletion(t *testing.T) {
	repo := newTestRepo(t)
	roll := createTestRoll(t, repo, "u1", 10)
	now := time.Now().Unix()

	if err := repo.SetDevelopedAt(roll.ID, now); !apperrors.Is(err, apperrors.ErrRollDeveloped) {
		t.Errorf("expected rejection before completion, got %v", err)
	}

	if _, err := repo.FinishRoll(roll.ID, now); err != nil {
		t.Fatalf("FinishRoll failed: %v", err)
	}
	if err := repo.SetDevelopedAt(roll.ID, now); err != nil {
		t.Fatalf("SetDevelopedAt failed: %v", err)
	}
	if err := repo.SetDevelopedAt(roll.ID, now); !apperrors.Is(err, apperrors.ErrRollDeveloped) {
		t.Errorf("expected rejection on second develop, got %v", err)
	}
}

func TestSyncStatusTransitions(t *testing.T) {
	repo := newTestRepo(t)
	roll := createTestRoll(t, repo, "u1", 10)

	// Skipping straight to synced is illegal.
	err := repo.SetRollSyncStatus(roll.ID, models.SyncLocalOnly, models.SyncSynced)
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT for skip, got %v", err)
	}

	if err := repo.SetRollSyncStatus(roll.ID, models.SyncLocalOnly, models.SyncSyncing); err != nil {
		t.Fatalf("local_only -> syncing failed: %v", err)
	}

	// Conditional update: transition from a stale state hits no rows.
	err = repo.SetRollSyncStatus(roll.ID, models.SyncLocalOnly, models.SyncSyncing)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for stale transition, got %v", err)
	}

	if err := repo.SetRollSyncStatus(roll.ID, models.SyncSyncing, models.SyncSynced); err != nil {
		t.Fatalf("syncing -> synced failed: %v", err)
	}

	got, err := repo.GetRoll(roll.ID.String())
	if err != nil {
		t.Fatalf("GetRoll failed: %v", err)
	}
	if got.SyncStatus != models.SyncSynced {
		t.Errorf("sync status = %s, want synced", got.SyncStatus)
	}
}

func TestDeleteRollCascade(t *testing.T) {
	repo := newTestRepo(t)
	roll := createTestRoll(t, repo, "u1", 3)
	now := time.Now().Unix()

	if _, err := repo.CapturePhoto(roll.ID, &models.Photo{UserID: "u1", LocalPath: "/p/1.jpg"}, now); err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	payload, _ := json.Marshal(models.DeleteRollPayload{RollID: roll.ID})
	op := &models.PendingOperation{UserID: "u1", Kind: models.OpDeleteRoll, Payload: payload}

	if err := repo.DeleteRollCascade(roll.ID, op); err != nil {
		t.Fatalf("DeleteRollCascade failed: %v", err)
	}

	if _, err := repo.GetRoll(roll.ID.String()); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("roll still present after delete")
	}
	photos, _ := repo.ListPhotosByRoll(roll.ID)
	if len(photos) != 0 {
		t.Errorf("photos remaining = %d, want 0", len(photos))
	}

	// Exactly one delete_roll entry was queued, not executed inline.
	pendingOps, err := repo.ListOperations("u1", models.OpStatusPending)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(pendingOps) != 1 || pendingOps[0].Kind != models.OpDeleteRoll {
		t.Errorf("unexpected queue contents: %+v", pendingOps)
	}
}

func TestQueueFIFOAndFailureLifecycle(t *testing.T) {
	repo := newTestRepo(t)

	for _, kind := range []models.OperationKind{models.OpBackupRoll, models.OpCreatePost, models.OpSyncProfile} {
		op := &models.PendingOperation{UserID: "u1", Kind: kind, Payload: []byte("{}")}
		if err := repo.EnqueueOperation(op); err != nil {
			t.Fatalf("enqueue %s failed: %v", kind, err)
		}
	}

	head, err := repo.NextPendingOperation("u1")
	if err != nil {
		t.Fatalf("NextPendingOperation failed: %v", err)
	}
	if head.Kind != models.OpBackupRoll {
		t.Errorf("queue head = %s, want backup_roll", head.Kind)
	}

	// Fail the head: it leaves the pending set but is retained.
	if err := repo.MarkOperationFailed(head.ID, "remote validation"); err != nil {
		t.Fatalf("MarkOperationFailed failed: %v", err)
	}
	next, err := repo.NextPendingOperation("u1")
	if err != nil {
		t.Fatalf("NextPendingOperation after failure: %v", err)
	}
	if next.Kind != models.OpCreatePost {
		t.Errorf("queue head after failure = %s, want create_post", next.Kind)
	}

	pending, failed, err := repo.CountOperations("u1")
	if err != nil {
		t.Fatalf("CountOperations failed: %v", err)
	}
	if pending != 2 || failed != 1 {
		t.Errorf("counts = %d pending / %d failed, want 2/1", pending, failed)
	}

	// Manual retry returns the entry to the queue, preserving its
	// original position (FIFO by autoincrement id).
	if err := repo.RetryOperation(head.ID); err != nil {
		t.Fatalf("RetryOperation failed: %v", err)
	}
	retried, err := repo.NextPendingOperation("u1")
	if err != nil {
		t.Fatalf("NextPendingOperation after retry: %v", err)
	}
	if retried.ID != head.ID {
		t.Errorf("queue head after retry = %d, want %d", retried.ID, head.ID)
	}
	if retried.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", retried.Attempts)
	}

	// Success path removes the entry entirely.
	if err := repo.DeleteOperation(retried.ID); err != nil {
		t.Fatalf("DeleteOperation failed: %v", err)
	}
	if _, err := repo.GetOperation(retried.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Error("operation still present after delete")
	}
}

func TestDuplicateTitleRejected(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().Unix()

	first := createTestRoll(t, repo, "u1", 3)
	if _, err := repo.FinishRoll(first.ID, now); err != nil {
		t.Fatalf("FinishRoll failed: %v", err)
	}
	title := "summer"
	first.Title = &title
	if err := repo.UpdateRoll(first); err != nil {
		t.Fatalf("setting title failed: %v", err)
	}

	second := createTestRoll(t, repo, "u1", 3)
	if _, err := repo.FinishRoll(second.ID, now); err != nil {
		t.Fatalf("FinishRoll failed: %v", err)
	}
	second.Title = &title
	if err := repo.UpdateRoll(second); !apperrors.Is(err, apperrors.ErrDuplicateTitle) {
		t.Errorf("expected DUPLICATE_TITLE, got %v", err)
	}
}

func TestProfileCache(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.GetProfile("u1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected NOT_FOUND for missing profile, got %v", err)
	}

	profile := &models.Profile{UserID: "u1", Username: "ansel", Credits: 30}
	if err := repo.UpsertProfile(profile); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	profile.Credits = 10
	if err := repo.UpsertProfile(profile); err != nil {
		t.Fatalf("second UpsertProfile failed: %v", err)
	}

	got, err := repo.GetProfile("u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Credits != 10 || got.Username != "ansel" {
		t.Errorf("profile = %+v", got)
	}
}

func TestRepositoryPublishesChanges(t *testing.T) {
	database := newTestDB(t)
	notifier := NewNotifier()
	repo := NewRepository(database.DB, notifier)
	defer repo.Close()

	changes, cancel := notifier.Subscribe("rolls")
	defer cancel()

	roll := createTestRoll(t, repo, "u1", 3)

	select {
	case c := <-changes:
		if c.Op != ChangeInsert || c.ID != roll.ID.String() {
			t.Errorf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no live-query notification for roll insert")
	}
}
