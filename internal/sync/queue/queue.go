// Package queue manages the durable pending-operation log. Every local
// action with a remote side effect goes through this queue; UI code never
// calls the remote service directly for durable work.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/logging"
	"github.com/halation/darkroom/internal/models"
)

// Queue is a FIFO, per-user durable log stored in the local store.
// Ordering comes from the autoincrement row id; durability from SQLite.
type Queue struct {
	repo   *db.Repository
	signal chan struct{} // Coalesced enqueue signal (buffered, size 1)
}

// New creates a Queue over the repository.
func New(repo *db.Repository) *Queue {
	return &Queue{
		repo:   repo,
		signal: make(chan struct{}, 1),
	}
}

// Signal returns a channel that fires when a new entry is enqueued.
// The buffer of one coalesces bursts into a single wake-up.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Enqueue appends an operation with status pending and attempt count 0.
// The payload is marshalled to JSON for storage.
func (q *Queue) Enqueue(userID string, kind models.OperationKind, payload interface{}) (*models.PendingOperation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
	}

	op := &models.PendingOperation{
		UserID:  userID,
		Kind:    kind,
		Payload: data,
	}
	if err := q.repo.EnqueueOperation(op); err != nil {
		return nil, err
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}

	logging.Debug("operation enqueued", map[string]interface{}{
		"id": op.ID, "kind": string(kind), "user_id": userID,
	})
	return op, nil
}

// Kick signals the drain loop without enqueueing. Used when an entry was
// inserted as part of a larger repository transaction.
func (q *Queue) Kick() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next returns the oldest pending entry, or nil when the queue is empty.
func (q *Queue) Next(userID string) (*models.PendingOperation, error) {
	op, err := q.repo.NextPendingOperation(userID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Complete removes a successfully drained entry.
func (q *Queue) Complete(id int64) error {
	return q.repo.DeleteOperation(id)
}

// Fail parks an entry as failed after a drain error. Failed entries wait
// for an explicit Retry or Discard; the engine never retries them on its
// own.
func (q *Queue) Fail(id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.repo.MarkOperationFailed(id, msg)
}

// Retry resets a failed entry back to pending and signals a drain.
func (q *Queue) Retry(id int64) error {
	if err := q.repo.RetryOperation(id); err != nil {
		return err
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Discard removes an entry without executing it. Used for manual discard
// of failed entries and for terminal domain errors (an insufficient
// credits print purchase cannot succeed by retrying).
func (q *Queue) Discard(id int64) error {
	return q.repo.DeleteOperation(id)
}

// Pending lists pending entries in drain order.
func (q *Queue) Pending(userID string) ([]*models.PendingOperation, error) {
	return q.repo.ListOperations(userID, models.OpStatusPending)
}

// Failed lists failed entries awaiting user action.
func (q *Queue) Failed(userID string) ([]*models.PendingOperation, error) {
	return q.repo.ListOperations(userID, models.OpStatusFailed)
}

// Stats holds queue depth counts for the sync status summary.
type Stats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Stats returns pending/failed counts for the user.
func (q *Queue) Stats(userID string) (Stats, error) {
	pending, failed, err := q.repo.CountOperations(userID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending, Failed: failed}, nil
}

// EncodePayload marshals a payload for direct repository insertion.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
	}
	return data, nil
}

// DecodePayload unmarshals an entry's payload into out.
func DecodePayload(op *models.PendingOperation, out interface{}) error {
	if err := json.Unmarshal(op.Payload, out); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal,
			fmt.Sprintf("malformed payload on operation %d", op.ID), err)
	}
	return nil
}
