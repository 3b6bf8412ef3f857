// Package film models the roll lifecycle: capture, development, archive.
package film

import (
	"time"

	"github.com/halation/darkroom/internal/models"
)

// Stage is the derived lifecycle stage of a roll. It is computed from the
// roll's fields and the current time, never stored.
type Stage string

const (
	StageCapturing  Stage = "capturing"
	StageCompleted  Stage = "completed"
	StageDeveloping Stage = "developing"
	StageDeveloped  Stage = "developed"
	StageArchived   Stage = "archived"
)

// Windows holds the development wait durations. A roll with a physical
// print order develops on the longer window.
type Windows struct {
	Digital time.Duration
	Print   time.Duration
}

// DefaultWindows returns the stock development windows: 3 days digital,
// 7 days when a physical print was ordered.
func DefaultWindows() Windows {
	return Windows{
		Digital: 3 * 24 * time.Hour,
		Print:   7 * 24 * time.Hour,
	}
}

// For returns the window applying to a roll.
func (w Windows) For(printOrdered bool) time.Duration {
	if printOrdered {
		return w.Print
	}
	return w.Digital
}

// DevelopedAtDeadline returns the instant a completed roll develops on
// its own. Zero time for a roll that has not completed.
func DevelopedAtDeadline(r *models.Roll, w Windows) time.Time {
	if r.CompletedAt == nil {
		return time.Time{}
	}
	return r.CompletedAtTime().Add(w.For(r.PrintOrdered))
}

// IsDeveloped reports whether the roll's photos have finished developing.
// True once developed_at is stamped (paid speed-up) or the wait window
// has elapsed. Monotonic in time: once true it never flips back.
func IsDeveloped(r *models.Roll, now time.Time, w Windows) bool {
	if r.DevelopedAt != nil {
		return true
	}
	if r.CompletedAt == nil {
		return false
	}
	return !now.Before(DevelopedAtDeadline(r, w))
}

// StageOf derives the lifecycle stage of a roll. StageCompleted marks
// the transition boundary rather than a resting stage, so a completed
// roll reports as developing and StageOf never returns it.
func StageOf(r *models.Roll, now time.Time, w Windows) Stage {
	if r.CompletedAt == nil {
		return StageCapturing
	}
	if !IsDeveloped(r, now, w) {
		return StageDeveloping
	}
	if r.Archived {
		return StageArchived
	}
	return StageDeveloped
}

// CanCapture reports whether another photo may be taken on the roll.
func CanCapture(r *models.Roll) bool {
	return r.CompletedAt == nil && r.ShotsUsed < r.Capacity
}

// CanSpeedUp reports whether paid development applies: the roll must be
// completed and not yet developed by stamp or elapsed window.
func CanSpeedUp(r *models.Roll, now time.Time, w Windows) bool {
	return r.CompletedAt != nil && !IsDeveloped(r, now, w)
}
