package db

import "time"

// User represents a Riffle user identified by the provider's stable ID.
type User struct {
	ID              string
	DisplayName     string
	ImageURL        *string // nullable
	ImportedHistory bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserSettings holds per-user tunables, 1:1 with User.
type UserSettings struct {
	UserID          string
	SkipThresholdMs int
	UpdatedAt       time.Time
}

// Track is provider track metadata, shared across users.
type Track struct {
	ID            string
	Name          string
	ArtistNames   string   // display form, joined with ", "
	ArtistList    []string // individual names, for artist aggregation
	AlbumImageURL string
	CreatedAt     time.Time
}

// TrackInteraction is the per-(user, track) counter row.
type TrackInteraction struct {
	UserID          string
	TrackID         string
	ListenCount     int
	SkipCount       int
	MinutesListened float64
	LastListenedAt  *time.Time // nullable
	LastSkippedAt   *time.Time // nullable
	SpotifyRank     *int       // nullable; null between rank refreshes
}

// ArtistInteraction is the per-(user, artist-name) aggregate row. Artists are
// keyed by display name because the provider does not always expose stable
// per-track artist IDs.
type ArtistInteraction struct {
	UserID          string
	ArtistName      string
	ListenCount     int
	SkipCount       int
	MinutesListened float64
	ArtistImageURL  string
}

// TrackDelta is an additive counter update applied atomically to one
// (user, track) row.
type TrackDelta struct {
	TrackID         string
	Listens         int
	Skips           int
	MinutesListened float64
	LastPlayedAt    time.Time
}

// Session is the per-user provider token record. One row per user; handlers
// resolve it per request instead of holding process-wide token state.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
