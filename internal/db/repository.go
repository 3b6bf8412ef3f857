// Package db provides CRUD repository operations for Darkroom data models.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/models"
	"github.com/halation/darkroom/internal/uuid"
)

// Repository provides CRUD operations for all models. All writes publish
// a Change on the Notifier after commit so live queries re-render.
type Repository struct {
	db       *sql.DB
	notifier *Notifier

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance. The notifier may be
// nil when live queries are not needed (migrations, one-shot tools).
func NewRepository(db *sql.DB, notifier *Notifier) *Repository {
	return &Repository{db: db, notifier: notifier}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// notify publishes a change when a notifier is attached.
func (r *Repository) notify(table string, op ChangeOp, id string) {
	if r.notifier != nil {
		r.notifier.Publish(Change{Table: table, Op: op, ID: id})
	}
}

// wrapDBErr maps driver errors onto the application error taxonomy.
func wrapDBErr(context string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "idx_rolls_user_title") {
		return apperrors.Wrap(apperrors.ErrDuplicateTitle, "roll title already in use", err)
	}
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "CHECK") {
		return apperrors.Wrap(apperrors.ErrInvalid, context, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, context, err)
}

// =====================================================
// Roll Operations
// =====================================================

const rollColumns = `id, user_id, film_type, capacity, shots_used, completed_at, developed_at,
	title, archived, tags, aspect_ratio, print_ordered, unlock_code, unlocked,
	sync_status, quarantined, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoll(row rowScanner) (*models.Roll, error) {
	var roll models.Roll
	var completedAt, developedAt sql.NullInt64
	var title, unlockCode sql.NullString
	err := row.Scan(
		&roll.ID, &roll.UserID, &roll.FilmType, &roll.Capacity, &roll.ShotsUsed,
		&completedAt, &developedAt, &title, &roll.Archived, &roll.Tags,
		&roll.AspectRatio, &roll.PrintOrdered, &unlockCode, &roll.Unlocked,
		&roll.SyncStatus, &roll.Quarantined, &roll.CreatedAt, &roll.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		roll.CompletedAt = &completedAt.Int64
	}
	if developedAt.Valid {
		roll.DevelopedAt = &developedAt.Int64
	}
	if title.Valid {
		roll.Title = &title.String
	}
	if unlockCode.Valid {
		roll.UnlockCode = &unlockCode.String
	}
	return &roll, nil
}

// CreateRollReplacingActive inserts a roll and, in the same transaction,
// discards any existing active (not completed) roll for the user together
// with its photos. At most one roll per user may be capturing at a time.
func (r *Repository) CreateRollReplacingActive(roll *models.Roll) error {
	now := time.Now().Unix()
	roll.ID = models.UUID(uuid.New())
	roll.SyncStatus = models.SyncLocalOnly
	roll.CreatedAt = now
	roll.UpdatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return wrapDBErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var oldID string
	err = tx.QueryRow(
		"SELECT id FROM rolls WHERE user_id = ? AND completed_at IS NULL", roll.UserID,
	).Scan(&oldID)
	if err != nil && err != sql.ErrNoRows {
		return wrapDBErr("failed to look up active roll", err)
	}
	if oldID != "" {
		if _, err := tx.Exec("DELETE FROM photos WHERE roll_id = ?", oldID); err != nil {
			return wrapDBErr("failed to delete photos of replaced roll", err)
		}
		if _, err := tx.Exec("DELETE FROM rolls WHERE id = ?", oldID); err != nil {
			return wrapDBErr("failed to delete replaced roll", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO rolls (id, user_id, film_type, capacity, shots_used, completed_at, developed_at,
		title, archived, tags, aspect_ratio, print_ordered, unlock_code, unlocked,
		sync_status, quarantined, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, NULL, NULL, NULL, 0, ?, ?, 0, NULL, 0, ?, 0, ?, ?)`,
		roll.ID, roll.UserID, roll.FilmType, roll.Capacity,
		roll.Tags, roll.AspectRatio, roll.SyncStatus, roll.CreatedAt, roll.UpdatedAt)
	if err != nil {
		return wrapDBErr("failed to insert roll", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("failed to commit roll creation", err)
	}

	if oldID != "" {
		r.notify("rolls", ChangeDelete, oldID)
	}
	r.notify("rolls", ChangeInsert, roll.ID.String())
	return nil
}

// GetRoll retrieves a roll by ID. A row that can no longer be decoded is
// quarantined and reported as storage corruption instead of crashing the
// caller.
func (r *Repository) GetRoll(id string) (*models.Roll, error) {
	stmt, err := r.PrepareStmt("SELECT " + rollColumns + " FROM rolls WHERE id = ? AND quarantined = 0")
	if err != nil {
		return nil, wrapDBErr("failed to prepare roll query", err)
	}

	roll, err := scanRoll(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "roll not found")
	}
	if err != nil {
		r.QuarantineRoll(id)
		return nil, apperrors.Wrap(apperrors.ErrStorageCorruption, "roll record unreadable", err)
	}
	return roll, nil
}

// GetActiveRoll returns the user's capturing roll, if any.
func (r *Repository) GetActiveRoll(userID string) (*models.Roll, error) {
	stmt, err := r.PrepareStmt("SELECT " + rollColumns + " FROM rolls WHERE user_id = ? AND completed_at IS NULL AND quarantined = 0")
	if err != nil {
		return nil, wrapDBErr("failed to prepare active roll query", err)
	}

	roll, err := scanRoll(stmt.QueryRow(userID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNoActiveRoll, "no active roll")
	}
	if err != nil {
		return nil, wrapDBErr("failed to read active roll", err)
	}
	return roll, nil
}

// ListRolls returns all non-quarantined rolls for the user, newest first.
func (r *Repository) ListRolls(userID string) ([]*models.Roll, error) {
	rows, err := r.db.Query(
		"SELECT "+rollColumns+" FROM rolls WHERE user_id = ? AND quarantined = 0 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, wrapDBErr("failed to list rolls", err)
	}
	defer rows.Close()

	var rolls []*models.Roll
	for rows.Next() {
		roll, err := scanRoll(rows)
		if err != nil {
			return nil, wrapDBErr("failed to scan roll", err)
		}
		rolls = append(rolls, roll)
	}
	return rolls, rows.Err()
}

// UpdateRoll persists mutable roll fields.
func (r *Repository) UpdateRoll(roll *models.Roll) error {
	roll.Touch()
	res, err := r.db.Exec(`
	UPDATE rolls SET title = ?, archived = ?, tags = ?, print_ordered = ?,
		unlock_code = ?, unlocked = ?, completed_at = ?, developed_at = ?, updated_at = ?
	WHERE id = ?`,
		roll.Title, roll.Archived, roll.Tags, roll.PrintOrdered,
		roll.UnlockCode, roll.Unlocked, roll.CompletedAt, roll.DevelopedAt, roll.UpdatedAt,
		roll.ID)
	if err != nil {
		return wrapDBErr("failed to update roll", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "roll not found")
	}
	r.notify("rolls", ChangeUpdate, roll.ID.String())
	return nil
}

// FinishRoll stamps completed_at if the roll is still capturing.
func (r *Repository) FinishRoll(rollID models.UUID, now int64) (*models.Roll, error) {
	res, err := r.db.Exec(
		"UPDATE rolls SET completed_at = ?, updated_at = ? WHERE id = ? AND completed_at IS NULL",
		now, now, rollID)
	if err != nil {
		return nil, wrapDBErr("failed to finish roll", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.New(apperrors.ErrRollCompleted, "roll already completed")
	}
	r.notify("rolls", ChangeUpdate, rollID.String())
	return r.GetRoll(rollID.String())
}

// SetDevelopedAt stamps developed_at on a completed, undeveloped roll.
func (r *Repository) SetDevelopedAt(rollID models.UUID, now int64) error {
	res, err := r.db.Exec(
		"UPDATE rolls SET developed_at = ?, updated_at = ? WHERE id = ? AND completed_at IS NOT NULL AND developed_at IS NULL",
		now, now, rollID)
	if err != nil {
		return wrapDBErr("failed to set developed_at", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrRollDeveloped, "roll is not awaiting development")
	}
	r.notify("rolls", ChangeUpdate, rollID.String())
	return nil
}

// ClearPrintOrdered reverts a roll to the digital development window
// after its print purchase is abandoned.
func (r *Repository) ClearPrintOrdered(rollID models.UUID) error {
	_, err := r.db.Exec(
		"UPDATE rolls SET print_ordered = 0, updated_at = ? WHERE id = ?",
		time.Now().Unix(), rollID)
	if err != nil {
		return wrapDBErr("failed to clear print_ordered", err)
	}
	r.notify("rolls", ChangeUpdate, rollID.String())
	return nil
}

// SetRollSyncStatus advances a roll's sync status. The transition is
// validated and applied conditionally so concurrent writers cannot skip
// states or silently revert a completed transition.
func (r *Repository) SetRollSyncStatus(rollID models.UUID, from, to models.RollSyncStatus) error {
	if !models.ValidSyncTransition(from, to) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("illegal sync transition %s -> %s", from, to))
	}
	res, err := r.db.Exec(
		"UPDATE rolls SET sync_status = ?, updated_at = ? WHERE id = ? AND sync_status = ?",
		to, time.Now().Unix(), rollID, from)
	if err != nil {
		return wrapDBErr("failed to update sync status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("roll not in %s state", from))
	}
	r.notify("rolls", ChangeUpdate, rollID.String())
	return nil
}

// QuarantineRoll flags a roll whose row can no longer be decoded. The
// record is excluded from reads but never deleted.
func (r *Repository) QuarantineRoll(id string) error {
	_, err := r.db.Exec("UPDATE rolls SET quarantined = 1, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return wrapDBErr("failed to quarantine roll", err)
	}
	r.notify("rolls", ChangeUpdate, id)
	return nil
}

// CapturePhoto increments the roll's shot count and inserts the photo in
// one transaction. The increment is guarded so a capture beyond capacity
// or onto a completed roll is rejected, and completion is stamped in the
// same transaction when the last shot is used.
func (r *Repository) CapturePhoto(rollID models.UUID, photo *models.Photo, now int64) (*models.Roll, error) {
	photo.ID = models.UUID(uuid.New())
	photo.RollID = rollID
	photo.CreatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return nil, wrapDBErr("failed to begin capture", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE rolls SET shots_used = shots_used + 1, updated_at = ? WHERE id = ? AND completed_at IS NULL AND shots_used < capacity",
		now, rollID)
	if err != nil {
		return nil, wrapDBErr("failed to increment shot count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var completed sql.NullInt64
		if err := tx.QueryRow("SELECT completed_at FROM rolls WHERE id = ?", rollID).Scan(&completed); err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "roll not found")
		}
		if completed.Valid {
			return nil, apperrors.New(apperrors.ErrRollCompleted, "roll already completed")
		}
		return nil, apperrors.New(apperrors.ErrRollFull, "no shots remaining")
	}

	_, err = tx.Exec(`
	INSERT INTO photos (id, roll_id, user_id, local_path, remote_url, thumbnail_url, metadata, created_at)
	VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)`,
		photo.ID, photo.RollID, photo.UserID, photo.LocalPath, string(photo.Metadata), photo.CreatedAt)
	if err != nil {
		return nil, wrapDBErr("failed to insert photo", err)
	}

	// Stamp completion when the last shot was just used.
	_, err = tx.Exec(
		"UPDATE rolls SET completed_at = ? WHERE id = ? AND shots_used >= capacity AND completed_at IS NULL",
		now, rollID)
	if err != nil {
		return nil, wrapDBErr("failed to stamp completion", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("failed to commit capture", err)
	}

	r.notify("photos", ChangeInsert, photo.ID.String())
	r.notify("rolls", ChangeUpdate, rollID.String())
	return r.GetRoll(rollID.String())
}

// DeleteRollCascade removes a roll and all of its photos and, when op is
// non-nil, enqueues the remote deletion in the same transaction. Local
// deletion and the durable remote intent commit or roll back together.
func (r *Repository) DeleteRollCascade(rollID models.UUID, op *models.PendingOperation) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapDBErr("failed to begin roll deletion", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM photos WHERE roll_id = ?", rollID); err != nil {
		return wrapDBErr("failed to delete photos", err)
	}

	res, err := tx.Exec("DELETE FROM rolls WHERE id = ?", rollID)
	if err != nil {
		return wrapDBErr("failed to delete roll", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "roll not found")
	}

	if op != nil {
		if err := insertOperation(tx, op); err != nil {
			return wrapDBErr("failed to enqueue remote deletion", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("failed to commit roll deletion", err)
	}

	r.notify("photos", ChangeDelete, rollID.String())
	r.notify("rolls", ChangeDelete, rollID.String())
	if op != nil {
		r.notify("pending_operations", ChangeInsert, fmt.Sprintf("%d", op.ID))
	}
	return nil
}

// =====================================================
// Photo Operations
// =====================================================

const photoColumns = `id, roll_id, user_id, local_path, remote_url, thumbnail_url, metadata, created_at`

func scanPhoto(row rowScanner) (*models.Photo, error) {
	var photo models.Photo
	var remoteURL, thumbURL, metadata sql.NullString
	err := row.Scan(&photo.ID, &photo.RollID, &photo.UserID, &photo.LocalPath,
		&remoteURL, &thumbURL, &metadata, &photo.CreatedAt)
	if err != nil {
		return nil, err
	}
	if remoteURL.Valid {
		photo.RemoteURL = &remoteURL.String
	}
	if thumbURL.Valid {
		photo.ThumbnailURL = &thumbURL.String
	}
	if metadata.Valid {
		photo.Metadata = []byte(metadata.String)
	}
	return &photo, nil
}

// GetPhoto retrieves a photo by ID.
func (r *Repository) GetPhoto(id string) (*models.Photo, error) {
	stmt, err := r.PrepareStmt("SELECT " + photoColumns + " FROM photos WHERE id = ?")
	if err != nil {
		return nil, wrapDBErr("failed to prepare photo query", err)
	}
	photo, err := scanPhoto(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "photo not found")
	}
	if err != nil {
		return nil, wrapDBErr("failed to read photo", err)
	}
	return photo, nil
}

// ListPhotosByRoll returns all photos of a roll in capture order.
func (r *Repository) ListPhotosByRoll(rollID models.UUID) ([]*models.Photo, error) {
	rows, err := r.db.Query(
		"SELECT "+photoColumns+" FROM photos WHERE roll_id = ? ORDER BY created_at, id", rollID)
	if err != nil {
		return nil, wrapDBErr("failed to list photos", err)
	}
	defer rows.Close()

	var photos []*models.Photo
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, wrapDBErr("failed to scan photo", err)
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

// SetPhotoRemoteURLs populates a photo's remote URLs after upload.
// Overwrite-safe: re-running a backup simply writes the same URLs again.
func (r *Repository) SetPhotoRemoteURLs(photoID models.UUID, remoteURL, thumbnailURL string) error {
	res, err := r.db.Exec(
		"UPDATE photos SET remote_url = ?, thumbnail_url = ? WHERE id = ?",
		remoteURL, thumbnailURL, photoID)
	if err != nil {
		return wrapDBErr("failed to set photo URLs", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "photo not found")
	}
	r.notify("photos", ChangeUpdate, photoID.String())
	return nil
}

// =====================================================
// Pending Operation Queue
// =====================================================

func insertOperation(tx *sql.Tx, op *models.PendingOperation) error {
	now := time.Now().Unix()
	op.Status = models.OpStatusPending
	op.Attempts = 0
	op.CreatedAt = now
	op.UpdatedAt = now

	res, err := tx.Exec(`
	INSERT INTO pending_operations (user_id, kind, payload, status, attempts, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, '', ?, ?)`,
		op.UserID, op.Kind, string(op.Payload), op.Status, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return err
	}
	op.ID, err = res.LastInsertId()
	return err
}

// EnqueueOperation appends a pending operation to the durable queue.
func (r *Repository) EnqueueOperation(op *models.PendingOperation) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapDBErr("failed to begin enqueue", err)
	}
	defer tx.Rollback()

	if err := insertOperation(tx, op); err != nil {
		return wrapDBErr("failed to enqueue operation", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr("failed to commit enqueue", err)
	}

	r.notify("pending_operations", ChangeInsert, fmt.Sprintf("%d", op.ID))
	return nil
}

const operationColumns = `id, user_id, kind, payload, status, attempts, last_error, created_at, updated_at`

func scanOperation(row rowScanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload string
	err := row.Scan(&op.ID, &op.UserID, &op.Kind, &payload, &op.Status,
		&op.Attempts, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

// NextPendingOperation returns the oldest pending operation for the user,
// preserving FIFO ordering by autoincrement id.
func (r *Repository) NextPendingOperation(userID string) (*models.PendingOperation, error) {
	stmt, err := r.PrepareStmt(
		"SELECT " + operationColumns + " FROM pending_operations WHERE user_id = ? AND status = 'pending' ORDER BY id LIMIT 1")
	if err != nil {
		return nil, wrapDBErr("failed to prepare queue query", err)
	}
	op, err := scanOperation(stmt.QueryRow(userID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "queue empty")
	}
	if err != nil {
		return nil, wrapDBErr("failed to read queue head", err)
	}
	return op, nil
}

// GetOperation retrieves a queue entry by id.
func (r *Repository) GetOperation(id int64) (*models.PendingOperation, error) {
	op, err := scanOperation(r.db.QueryRow(
		"SELECT "+operationColumns+" FROM pending_operations WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	if err != nil {
		return nil, wrapDBErr("failed to read operation", err)
	}
	return op, nil
}

// DeleteOperation removes a queue entry, the success path of a drain.
func (r *Repository) DeleteOperation(id int64) error {
	res, err := r.db.Exec("DELETE FROM pending_operations WHERE id = ?", id)
	if err != nil {
		return wrapDBErr("failed to delete operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	r.notify("pending_operations", ChangeDelete, fmt.Sprintf("%d", id))
	return nil
}

// MarkOperationFailed increments attempts and parks the entry as failed.
// Failed entries are retained for manual retry or discard, never dropped.
func (r *Repository) MarkOperationFailed(id int64, lastError string) error {
	res, err := r.db.Exec(
		"UPDATE pending_operations SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?",
		lastError, time.Now().Unix(), id)
	if err != nil {
		return wrapDBErr("failed to mark operation failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "operation not found")
	}
	r.notify("pending_operations", ChangeUpdate, fmt.Sprintf("%d", id))
	return nil
}

// RetryOperation resets a failed entry back to pending.
func (r *Repository) RetryOperation(id int64) error {
	res, err := r.db.Exec(
		"UPDATE pending_operations SET status = 'pending', last_error = '', updated_at = ? WHERE id = ? AND status = 'failed'",
		time.Now().Unix(), id)
	if err != nil {
		return wrapDBErr("failed to retry operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "no failed operation with that id")
	}
	r.notify("pending_operations", ChangeUpdate, fmt.Sprintf("%d", id))
	return nil
}

// ListOperations returns the user's queue entries with the given status,
// oldest first.
func (r *Repository) ListOperations(userID string, status models.OperationStatus) ([]*models.PendingOperation, error) {
	rows, err := r.db.Query(
		"SELECT "+operationColumns+" FROM pending_operations WHERE user_id = ? AND status = ? ORDER BY id",
		userID, status)
	if err != nil {
		return nil, wrapDBErr("failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, wrapDBErr("failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CountOperations returns pending and failed entry counts for the user.
func (r *Repository) CountOperations(userID string) (pending, failed int, err error) {
	rows, err := r.db.Query(
		"SELECT status, COUNT(*) FROM pending_operations WHERE user_id = ? GROUP BY status", userID)
	if err != nil {
		return 0, 0, wrapDBErr("failed to count operations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, wrapDBErr("failed to scan count", err)
		}
		switch models.OperationStatus(status) {
		case models.OpStatusPending:
			pending = count
		case models.OpStatusFailed:
			failed = count
		}
	}
	return pending, failed, rows.Err()
}

// =====================================================
// Profile Cache
// =====================================================

// GetProfile retrieves the cached profile for a user.
func (r *Repository) GetProfile(userID string) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.QueryRow(
		"SELECT user_id, username, credits, updated_at FROM profile_cache WHERE user_id = ?",
		userID).Scan(&profile.UserID, &profile.Username, &profile.Credits, &profile.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "profile not cached")
	}
	if err != nil {
		return nil, wrapDBErr("failed to read profile", err)
	}
	return &profile, nil
}

// UpsertProfile writes the cached profile snapshot.
func (r *Repository) UpsertProfile(profile *models.Profile) error {
	profile.UpdatedAt = time.Now().Unix()
	_, err := r.db.Exec(`
	INSERT INTO profile_cache (user_id, username, credits, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET username = excluded.username,
		credits = excluded.credits, updated_at = excluded.updated_at`,
		profile.UserID, profile.Username, profile.Credits, profile.UpdatedAt)
	if err != nil {
		return wrapDBErr("failed to upsert profile", err)
	}
	r.notify("profile_cache", ChangeUpdate, profile.UserID)
	return nil
}
