// Package models provides data model definitions for Darkroom Core.
package models

import (
	"encoding/json"
	"time"
)

// Photo represents one captured image belonging to exactly one roll.
// A photo is immutable after capture except for remote URL population
// during sync.
type Photo struct {
	ID           UUID            `db:"id" json:"id"`
	RollID       UUID            `db:"roll_id" json:"roll_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	LocalPath    string          `db:"local_path" json:"local_path"`
	RemoteURL    *string         `db:"remote_url" json:"remote_url,omitempty"`
	ThumbnailURL *string         `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"` // Opaque capture metadata (ISO, shutter, zoom, geo)
	CreatedAt    int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Photo.
func (Photo) TableName() string {
	return "photos"
}

// IsBackedUp reports whether both remote URLs have been populated.
func (p *Photo) IsBackedUp() bool {
	return p.RemoteURL != nil && p.ThumbnailURL != nil
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (p *Photo) CreatedAtTime() time.Time {
	return time.Unix(p.CreatedAt, 0)
}
