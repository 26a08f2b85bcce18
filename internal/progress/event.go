// Package progress implements the one-directional import-progress channel:
// a server-side hub that streams job events per user over SSE, and the
// client-side subscriber that reconnects and persists state across reloads.
package progress

// Status is the top-level state carried by every event.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Summary carries the terminal counters of a completed import job.
type Summary struct {
	Plays          int `json:"plays"`
	Listens        int `json:"listens"`
	Skips          int `json:"skips"`
	SkippedEntries int `json:"skippedEntries"`
	TracksAdded    int `json:"tracksAdded"`
	ArtistsUpdated int `json:"artistsUpdated"`
}

// Event is one message on the channel. Processing events carry progress and
// phase; complete events carry the summary counters; error events carry a
// human-readable message.
type Event struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Phase    string `json:"phase,omitempty"`
	Error    string `json:"error,omitempty"`
	*Summary
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}
