// Package models provides data model definitions for Darkroom Core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies the remote side effect a queue entry performs.
type OperationKind string

const (
	OpCreatePost    OperationKind = "create_post"
	OpPurchasePrint OperationKind = "purchase_print"
	OpBackupRoll    OperationKind = "backup_roll"
	OpDeleteRoll    OperationKind = "delete_roll"
	OpSyncProfile   OperationKind = "sync_profile"
)

// OperationStatus is the durable state of a queue entry. There is no
// in-progress status: an entry stays pending until it either succeeds
// (and is deleted) or fails (and waits for manual retry or discard).
type OperationStatus string

const (
	OpStatusPending OperationStatus = "pending"
	OpStatusFailed  OperationStatus = "failed"
)

// PendingOperation is a durable intent to mutate remote state. The
// autoincrement ID provides FIFO ordering for the drain loop.
type PendingOperation struct {
	ID        int64           `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Kind      OperationKind   `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    OperationStatus `db:"status" json:"status"`
	Attempts  int             `db:"attempts" json:"attempts"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *PendingOperation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// BackupRollPayload is the payload for backup_roll operations.
type BackupRollPayload struct {
	RollID UUID `json:"roll_id"`
}

// DeleteRollPayload is the payload for delete_roll operations.
type DeleteRollPayload struct {
	RollID UUID `json:"roll_id"`
}

// CreatePostPayload is the payload for create_post operations.
type CreatePostPayload struct {
	RollID  UUID   `json:"roll_id"`
	Caption string `json:"caption"`
	AlbumID string `json:"album_id,omitempty"`
}

// PurchasePrintPayload is the payload for purchase_print operations.
// RollID lets a rejected order revert the roll's print flag.
type PurchasePrintPayload struct {
	RollID       UUID   `json:"roll_id"`
	PhotoIDs     []UUID `json:"photo_ids"`
	CostPerPhoto int    `json:"cost_per_photo"`
}
