// Package models provides data model definitions for Darkroom Core.
package models

import "time"

// Profile is the locally-cached snapshot of the remote user profile.
// The remote record is the single source of truth for the credit
// balance; this cache is reconciled on every profile sync.
type Profile struct {
	UserID    string `db:"user_id" json:"user_id"`
	Username  string `db:"username" json:"username"`
	Credits   int    `db:"credits" json:"credits"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Profile.
func (Profile) TableName() string {
	return "profile_cache"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (p *Profile) UpdatedAtTime() time.Time {
	return time.Unix(p.UpdatedAt, 0)
}
