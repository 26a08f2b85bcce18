package importer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// File is one uploaded history export file.
type File struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// PlayEvent is one historical play with a resolved track identifier.
type PlayEvent struct {
	TrackID  string
	PlayedAt time.Time
	MsPlayed int
}

// ParseError rejects an entire file before the job starts.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("invalid history upload: %v", e.Err)
	}
	return fmt.Sprintf("invalid history file %q: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// historyEntry mirrors the provider's streaming-history export shape. Both
// the compact and the extended export field names are accepted.
type historyEntry struct {
	TrackID   string `json:"trackId"`
	TrackURI  string `json:"spotify_track_uri"`
	Timestamp string `json:"ts"`
	EndTime   string `json:"endTime"`
	MsPlayed  int    `json:"ms_played"`
	MsPlayed2 int    `json:"msPlayed"`
}

const trackURIPrefix = "spotify:track:"

// resolveTrackID returns the entry's track identifier, or "" if none.
func (e historyEntry) resolveTrackID() string {
	if e.TrackID != "" {
		return e.TrackID
	}
	if strings.HasPrefix(e.TrackURI, trackURIPrefix) {
		return strings.TrimPrefix(e.TrackURI, trackURIPrefix)
	}
	return ""
}

func (e historyEntry) msPlayed() int {
	if e.MsPlayed > 0 {
		return e.MsPlayed
	}
	return e.MsPlayed2
}

func (e historyEntry) playedAt() time.Time {
	for _, raw := range []string{e.Timestamp, e.EndTime} {
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
		if ts, err := time.Parse("2006-01-02 15:04", raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// parseFile strictly validates that the file holds a JSON array of history
// entries. Anything else rejects the whole file.
func parseFile(f File) ([]historyEntry, error) {
	if len(f.Data) == 0 {
		return nil, &ParseError{File: f.Name, Err: fmt.Errorf("empty file")}
	}

	var entries []historyEntry
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, &ParseError{File: f.Name, Err: fmt.Errorf("expected a JSON array of history entries: %w", err)}
	}
	return entries, nil
}

// collect flattens parsed files into one ordered play sequence. Entries
// without a resolvable track identifier are counted as skipped, not fatal.
func collect(files [][]historyEntry) ([]PlayEvent, int) {
	var events []PlayEvent
	skipped := 0

	for _, entries := range files {
		for _, e := range entries {
			id := e.resolveTrackID()
			if id == "" {
				skipped++
				continue
			}
			events = append(events, PlayEvent{
				TrackID:  id,
				PlayedAt: e.playedAt(),
				MsPlayed: e.msPlayed(),
			})
		}
	}
	return events, skipped
}
