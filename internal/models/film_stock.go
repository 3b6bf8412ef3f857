// Package models provides data model definitions for Darkroom Core.
package models

// FilmStock describes a purchasable film type. Stocks are static catalog
// data, not a persisted table.
type FilmStock struct {
	Name        string `json:"name"`
	Price       int    `json:"price"`
	Capacity    int    `json:"capacity"`
	AspectRatio string `json:"aspect_ratio"`
}
