// Package stats holds the play-classification and display rules shared by
// the bulk-import pipeline and the live-playback recording path.
package stats

import "strings"

const (
	// DefaultSkipThresholdMs is the skip threshold used when a user has no
	// stored settings yet.
	DefaultSkipThresholdMs = 30000

	// UnknownArtist is the display name used when a track carries no artist list.
	UnknownArtist = "Unknown"

	// PlaceholderArtistImage is the artist image used until a real one is
	// resolved. A resolved image is never overwritten back to this value.
	PlaceholderArtistImage = "/images/artist-placeholder.png"

	// PlaceholderAlbumImage is the album art fallback for tracks without images.
	PlaceholderAlbumImage = "/images/album-placeholder.png"
)

// Action classifies a single play event.
type Action string

const (
	ActionListened Action = "listened"
	ActionSkipped  Action = "skipped"
)

// Classify decides whether a play counts as listened or skipped.
// A play below the threshold is a skip.
func Classify(msPlayed, thresholdMs int) Action {
	if msPlayed < thresholdMs {
		return ActionSkipped
	}
	return ActionListened
}

// JoinArtistNames joins artist display names with ", " for display.
// Empty names are dropped; an empty list yields UnknownArtist.
func JoinArtistNames(names []string) string {
	kept := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) != "" {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return UnknownArtist
	}
	return strings.Join(kept, ", ")
}

// Minutes converts played milliseconds to minutes for the listened-time counters.
func Minutes(msPlayed int) float64 {
	return float64(msPlayed) / 60000.0
}
