// Package models provides data model definitions for Darkroom Core.
package models

import "time"

// RollSyncStatus tracks how far a roll has progressed toward the remote
// service. Transitions only move forward; a failed backup resets to
// local_only, never skips a state.
type RollSyncStatus string

const (
	SyncLocalOnly RollSyncStatus = "local_only"
	SyncSyncing   RollSyncStatus = "syncing"
	SyncSynced    RollSyncStatus = "synced"
)

// ValidSyncTransition reports whether a sync status change is legal.
// Forward one step at a time, or a reset back to local_only on failure.
func ValidSyncTransition(from, to RollSyncStatus) bool {
	switch from {
	case SyncLocalOnly:
		return to == SyncSyncing
	case SyncSyncing:
		return to == SyncSynced || to == SyncLocalOnly
	case SyncSynced:
		return false
	}
	return false
}

// Roll represents one bounded sequence of captured photos sharing a film
// stock and lifecycle.
type Roll struct {
	ID           UUID           `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"user_id"`
	FilmType     string         `db:"film_type" json:"film_type"`
	Capacity     int            `db:"capacity" json:"capacity"`
	ShotsUsed    int            `db:"shots_used" json:"shots_used"`
	CompletedAt  *int64         `db:"completed_at" json:"completed_at,omitempty"`
	DevelopedAt  *int64         `db:"developed_at" json:"developed_at,omitempty"`
	Title        *string        `db:"title" json:"title,omitempty"`
	Archived     bool           `db:"archived" json:"archived"`
	Tags         string         `db:"tags" json:"tags"` // Comma-separated
	AspectRatio  string         `db:"aspect_ratio" json:"aspect_ratio"`
	PrintOrdered bool           `db:"print_ordered" json:"print_ordered"`
	UnlockCode   *string        `db:"unlock_code" json:"unlock_code,omitempty"`
	Unlocked     bool           `db:"unlocked" json:"unlocked"`
	SyncStatus   RollSyncStatus `db:"sync_status" json:"sync_status"`
	Quarantined  bool           `db:"quarantined" json:"quarantined"`
	CreatedAt    int64          `db:"created_at" json:"created_at"`
	UpdatedAt    int64          `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Roll.
func (Roll) TableName() string {
	return "rolls"
}

// IsCompleted reports whether the roll has been closed for capture.
func (r *Roll) IsCompleted() bool {
	return r.CompletedAt != nil
}

// IsFull reports whether every shot has been used.
func (r *Roll) IsFull() bool {
	return r.ShotsUsed >= r.Capacity
}

// CompletedAtTime returns CompletedAt as time.Time, or the zero value.
func (r *Roll) CompletedAtTime() time.Time {
	if r.CompletedAt == nil {
		return time.Time{}
	}
	return time.Unix(*r.CompletedAt, 0)
}

// PhotosVisible reports whether the roll's photos may be shown. A printed
// roll with an unconfirmed unlock code stays gated regardless of the
// development timer.
func (r *Roll) PhotosVisible() bool {
	if r.UnlockCode != nil && !r.Unlocked {
		return false
	}
	return true
}

// Touch updates the UpdatedAt timestamp.
func (r *Roll) Touch() {
	r.UpdatedAt = time.Now().Unix()
}
