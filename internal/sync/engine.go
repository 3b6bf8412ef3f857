// Package sync drains the durable operation queue against the remote
// service. A single engine goroutine owns the drain loop; it wakes on
// enqueue signals and on connectivity regained, and processes entries
// strictly in FIFO order, one at a time.
package sync

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/halation/darkroom/internal/connectivity"
	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/images"
	"github.com/halation/darkroom/internal/logging"
	"github.com/halation/darkroom/internal/models"
	"github.com/halation/darkroom/internal/sync/queue"
)

// RemoteService is the slice of the remote API the engine needs. The
// HTTP client in internal/remote satisfies it; tests substitute fakes.
type RemoteService interface {
	UpsertRoll(ctx context.Context, roll *models.Roll) error
	DeleteRoll(ctx context.Context, rollID string) error
	UploadPhoto(ctx context.Context, photoID string, data []byte) (string, error)
	UploadThumbnail(ctx context.Context, photoID string, data []byte) (string, error)
	CreatePost(ctx context.Context, userID, rollID, caption, albumID string) error
	CreatePrintOrder(ctx context.Context, userID, idempotencyKey string, photoIDs []string, costPerPhoto int) (int, error)
	FetchProfile(ctx context.Context, userID string) (string, int, error)
	RecordActivity(ctx context.Context, userID, kind string) error
}

// Summary is the point-in-time sync status shown to the user.
type Summary struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
}

// Engine executes pending operations against the remote service. It
// never runs two drains concurrently and never auto-retries a failed
// entry; failed entries wait for explicit user action.
type Engine struct {
	userID  string
	repo    *db.Repository
	queue   *queue.Queue
	monitor *connectivity.Monitor
	remote  RemoteService

	uploadWorkers  int
	thumbnailWidth uint

	drainMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithUploadWorkers caps concurrent photo uploads during a roll backup.
func WithUploadWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.uploadWorkers = n
		}
	}
}

// WithThumbnailWidth sets the generated thumbnail width.
func WithThumbnailWidth(w uint) Option {
	return func(e *Engine) {
		if w > 0 {
			e.thumbnailWidth = w
		}
	}
}

// NewEngine creates an Engine for one user's queue.
func NewEngine(userID string, repo *db.Repository, q *queue.Queue, monitor *connectivity.Monitor, remote RemoteService, opts ...Option) *Engine {
	e := &Engine{
		userID:         userID,
		repo:           repo,
		queue:          q,
		monitor:        monitor,
		remote:         remote,
		uploadWorkers:  4,
		thumbnailWidth: images.DefaultThumbnailWidth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run blocks until ctx is cancelled, draining the queue whenever the
// device is online and work arrives. An initial drain picks up entries
// persisted before this process started.
func (e *Engine) Run(ctx context.Context) {
	online, cancel := e.monitor.Subscribe()
	defer cancel()

	if e.monitor.IsOnline() {
		e.Drain(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case up := <-online:
			if up {
				logging.Info("connectivity regained, draining queue", map[string]interface{}{
					"user_id": e.userID,
				})
				e.Drain(ctx)
			}
		case <-e.queue.Signal():
			if e.monitor.IsOnline() {
				e.Drain(ctx)
			}
		}
	}
}

// Drain processes pending entries in order until the queue is empty, an
// entry hits a network error, or ctx is cancelled. Safe to call from any
// goroutine; concurrent calls serialize.
func (e *Engine) Drain(ctx context.Context) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		if !e.monitor.IsOnline() {
			return
		}

		op, err := e.queue.Next(e.userID)
		if err != nil {
			logging.Error("failed to read queue head", err)
			return
		}
		if op == nil {
			return
		}

		if !e.processOne(ctx, op) {
			return
		}
	}
}

// processOne executes a single entry and settles its queue state. It
// returns false when the drain pass should stop (network failure leaves
// the entry pending for the next pass).
func (e *Engine) processOne(ctx context.Context, op *models.PendingOperation) bool {
	start := time.Now()
	err := e.dispatch(ctx, op)

	fields := map[string]interface{}{
		"id": op.ID, "kind": string(op.Kind),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}

	switch {
	case err == nil:
		if cerr := e.queue.Complete(op.ID); cerr != nil {
			logging.Error("failed to complete operation", cerr, map[string]interface{}{"id": op.ID})
			return false
		}
		logging.Info("operation drained", fields)
		return true

	case apperrors.Retryable(err):
		// Network trouble. The entry stays pending and the whole pass
		// stops; draining out of order would break FIFO semantics.
		fields["error"] = err.Error()
		logging.Warn("drain interrupted by network error", fields)
		e.monitor.SetOnline(false)
		return false

	case op.Kind == models.OpPurchasePrint && apperrors.Is(err, apperrors.ErrInsufficientCredits):
		// Retrying cannot make the purchase succeed. Drop the entry,
		// leave the ledger untouched and take the roll off the print
		// window the optimistic enqueue put it on.
		fields["error"] = err.Error()
		logging.Warn("print purchase rejected, discarding", fields)
		e.revertPrintOrder(op)
		if derr := e.queue.Discard(op.ID); derr != nil {
			logging.Error("failed to discard operation", derr, map[string]interface{}{"id": op.ID})
			return false
		}
		return true

	default:
		fields["error"] = err.Error()
		logging.Warn("operation failed, awaiting user action", fields)
		if ferr := e.queue.Fail(op.ID, err); ferr != nil {
			logging.Error("failed to mark operation failed", ferr, map[string]interface{}{"id": op.ID})
			return false
		}
		return true
	}
}

// revertPrintOrder clears print_ordered on the roll named by a rejected
// purchase_print entry so the abandoned order no longer extends its
// development window.
func (e *Engine) revertPrintOrder(op *models.PendingOperation) {
	var payload models.PurchasePrintPayload
	if err := queue.DecodePayload(op, &payload); err != nil || payload.RollID == "" {
		return
	}
	if err := e.repo.ClearPrintOrdered(payload.RollID); err != nil {
		logging.Error("failed to revert print order", err, map[string]interface{}{"id": op.ID})
	}
}

func (e *Engine) dispatch(ctx context.Context, op *models.PendingOperation) error {
	switch op.Kind {
	case models.OpBackupRoll:
		return e.handleBackupRoll(ctx, op)
	case models.OpCreatePost:
		return e.handleCreatePost(ctx, op)
	case models.OpPurchasePrint:
		return e.handlePurchasePrint(ctx, op)
	case models.OpDeleteRoll:
		return e.handleDeleteRoll(ctx, op)
	case models.OpSyncProfile:
		return e.handleSyncProfile(ctx)
	default:
		return apperrors.New(apperrors.ErrInternal,
			fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

func (e *Engine) handleBackupRoll(ctx context.Context, op *models.PendingOperation) error {
	var payload models.BackupRollPayload
	if err := queue.DecodePayload(op, &payload); err != nil {
		return err
	}
	return e.ensureRollSynced(ctx, payload.RollID)
}

// ensureRollSynced uploads a roll and its photos, moving the roll
// local_only -> syncing -> synced. Already-synced rolls and
// already-uploaded photos are skipped, which makes the whole procedure
// resumable after a crash or network drop mid-upload.
func (e *Engine) ensureRollSynced(ctx context.Context, rollID models.UUID) error {
	roll, err := e.repo.GetRoll(string(rollID))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Deleted locally while queued; nothing left to back up.
			return nil
		}
		return err
	}

	if roll.SyncStatus == models.SyncSynced {
		return nil
	}
	if roll.SyncStatus == models.SyncLocalOnly {
		if err := e.repo.SetRollSyncStatus(roll.ID, models.SyncLocalOnly, models.SyncSyncing); err != nil {
			return err
		}
		roll.SyncStatus = models.SyncSyncing
	}

	if err := e.uploadPhotos(ctx, roll); err != nil {
		if !apperrors.Retryable(err) {
			e.resetToLocalOnly(roll.ID)
		}
		return err
	}

	if err := e.remote.UpsertRoll(ctx, roll); err != nil {
		if !apperrors.Retryable(err) {
			e.resetToLocalOnly(roll.ID)
		}
		return err
	}

	return e.repo.SetRollSyncStatus(roll.ID, models.SyncSyncing, models.SyncSynced)
}

// uploadPhotos pushes every not-yet-backed-up photo of the roll, at most
// uploadWorkers at a time. The first error wins; remaining uploads still
// run to completion so already-started transfers are not wasted.
func (e *Engine) uploadPhotos(ctx context.Context, roll *models.Roll) error {
	photos, err := e.repo.ListPhotosByRoll(roll.ID)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, e.uploadWorkers)
	errCh := make(chan error, len(photos))
	var wg sync.WaitGroup

	for _, photo := range photos {
		if photo.IsBackedUp() {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p *models.Photo) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.uploadOne(ctx, p); err != nil {
				errCh <- err
			}
		}(photo)
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil || (apperrors.Retryable(err) && !apperrors.Retryable(firstErr)) {
			// Prefer reporting a network error: it keeps the entry
			// pending instead of parking it as failed.
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) uploadOne(ctx context.Context, photo *models.Photo) error {
	data, err := os.ReadFile(photo.LocalPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageCorruption,
			fmt.Sprintf("failed to read photo asset %s", photo.ID), err)
	}

	remoteURL, err := e.remote.UploadPhoto(ctx, string(photo.ID), data)
	if err != nil {
		return err
	}

	thumb, err := images.Thumbnail(data, e.thumbnailWidth)
	if err != nil {
		// Fall back to the full image rather than blocking the backup
		// on a decode failure.
		logging.Warn("thumbnail generation failed, uploading original", map[string]interface{}{
			"photo_id": string(photo.ID), "error": err.Error(),
		})
		thumb = data
	}
	thumbURL, err := e.remote.UploadThumbnail(ctx, string(photo.ID), thumb)
	if err != nil {
		return err
	}

	return e.repo.SetPhotoRemoteURLs(photo.ID, remoteURL, thumbURL)
}

func (e *Engine) resetToLocalOnly(rollID models.UUID) {
	if err := e.repo.SetRollSyncStatus(rollID, models.SyncSyncing, models.SyncLocalOnly); err != nil {
		logging.Error("failed to reset roll sync status", err, map[string]interface{}{
			"roll_id": string(rollID),
		})
	}
}

func (e *Engine) handleCreatePost(ctx context.Context, op *models.PendingOperation) error {
	var payload models.CreatePostPayload
	if err := queue.DecodePayload(op, &payload); err != nil {
		return err
	}

	// Posting requires the roll's assets on the remote side first.
	if err := e.ensureRollSynced(ctx, payload.RollID); err != nil {
		return err
	}

	if err := e.remote.CreatePost(ctx, op.UserID, string(payload.RollID), payload.Caption, payload.AlbumID); err != nil {
		return err
	}

	if err := e.remote.RecordActivity(ctx, op.UserID, "post_created"); err != nil {
		// Activity recording is best effort.
		logging.Debug("activity record failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func (e *Engine) handlePurchasePrint(ctx context.Context, op *models.PendingOperation) error {
	var payload models.PurchasePrintPayload
	if err := queue.DecodePayload(op, &payload); err != nil {
		return err
	}

	photoIDs := make([]string, len(payload.PhotoIDs))
	for i, id := range payload.PhotoIDs {
		photoIDs[i] = string(id)
	}

	// The queue entry id makes the order idempotent across drain
	// restarts: a re-run after a crash lands on the same key.
	key := fmt.Sprintf("op-%d", op.ID)
	balance, err := e.remote.CreatePrintOrder(ctx, op.UserID, key, photoIDs, payload.CostPerPhoto)
	if err != nil {
		return err
	}

	return e.updateCachedBalance(op.UserID, balance)
}

func (e *Engine) handleDeleteRoll(ctx context.Context, op *models.PendingOperation) error {
	var payload models.DeleteRollPayload
	if err := queue.DecodePayload(op, &payload); err != nil {
		return err
	}

	err := e.remote.DeleteRoll(ctx, string(payload.RollID))
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// Already gone remotely; the intent is satisfied.
		return nil
	}
	return err
}

func (e *Engine) handleSyncProfile(ctx context.Context) error {
	username, credits, err := e.remote.FetchProfile(ctx, e.userID)
	if err != nil {
		return err
	}
	return e.repo.UpsertProfile(&models.Profile{
		UserID:   e.userID,
		Username: username,
		Credits:  credits,
	})
}

func (e *Engine) updateCachedBalance(userID string, balance int) error {
	profile, err := e.repo.GetProfile(userID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if profile == nil {
		profile = &models.Profile{UserID: userID}
	}
	profile.Credits = balance
	return e.repo.UpsertProfile(profile)
}

// Status reports queue depth and connectivity for the user-facing sync
// indicator.
func (e *Engine) Status() (Summary, error) {
	stats, err := e.queue.Stats(e.userID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Online:  e.monitor.IsOnline(),
		Pending: stats.Pending,
		Failed:  stats.Failed,
	}, nil
}
