// Package importer runs the asynchronous bulk-history import job: parsing
// uploaded history files, resolving track metadata, classifying plays, and
// flushing counters, while reporting phased progress per user.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/riffleapp/riffle/internal/db"
	"github.com/riffleapp/riffle/internal/progress"
	"github.com/riffleapp/riffle/internal/stats"
)

// Phase names a stage of the processing state machine.
type Phase string

const (
	PhaseInitializing           Phase = "initializing"
	PhaseCollecting             Phase = "collecting"
	PhaseFetchingTrackData      Phase = "fetching_track_data"
	PhaseProcessingInteractions Phase = "processing_interactions"
	PhaseCalculating            Phase = "calculating"
)

// Progress checkpoints at phase boundaries. The longest phase,
// processing_interactions, interpolates between its bounds.
const (
	progressCollecting = 5
	progressFetched    = 35
	progressProcessed  = 90
)

// ErrJobRunning is returned when a user starts an import while one is active.
var ErrJobRunning = errors.New("an import job is already running for this user")

// Delta is the accumulated in-memory counter for one track.
type Delta struct {
	TrackID         string
	Listens         int
	Skips           int
	MinutesListened float64
	LastPlayedAt    time.Time
}

// Store is the persistence surface the job needs.
type Store interface {
	SkipThreshold(ctx context.Context, userID string) (int, error)
	TracksByID(ctx context.Context, ids []string) (map[string]db.Track, error)
	UpsertTracks(ctx context.Context, tracks []db.Track) error
	ApplyDeltas(ctx context.Context, userID string, deltas []Delta) error
	SumArtistStats(ctx context.Context, userID, artistName string) error
	UpdateArtistImage(ctx context.Context, userID, artistName, imageURL string) error
	SetImportedHistory(ctx context.Context, userID string) error
}

// Provider fetches track metadata and artist images from the streaming API.
type Provider interface {
	TracksBatch(ctx context.Context, accessToken string, ids []string) ([]db.Track, error)
	ResolveArtistImage(ctx context.Context, accessToken, artistName string) string
}

// Emitter publishes progress events; satisfied by *progress.Hub.
type Emitter interface {
	Publish(userID string, ev progress.Event)
}

// Job is one running import.
type Job struct {
	ID        uuid.UUID
	UserID    string
	StartedAt time.Time

	token string
	files [][]historyEntry
}

// Runner owns the per-user job registry and executes jobs off the
// request-handling path.
type Runner struct {
	store    Store
	provider Provider
	emitter  Emitter
	log      *log.Logger

	mu     sync.Mutex
	active map[string]*Job
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) { r.log = logger }
}

// NewRunner creates a Runner.
func NewRunner(store Store, provider Provider, emitter Emitter, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		provider: provider,
		emitter:  emitter,
		log:      log.New(io.Discard),
		active:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether the user has an active job.
func (r *Runner) Running(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[userID]
	return ok
}

// Start validates the uploaded files and launches the job in the background.
// The call returns as soon as the job is registered; progress is observed on
// the separate notification channel. Unparseable input is rejected here, so
// a job never reaches processing with bad files. One job per user at a time.
func (r *Runner) Start(ctx context.Context, userID, accessToken string, files []File) (uuid.UUID, error) {
	if len(files) == 0 {
		return uuid.Nil, &ParseError{Err: errors.New("no files uploaded")}
	}

	parsed := make([][]historyEntry, 0, len(files))
	for _, f := range files {
		entries, err := parseFile(f)
		if err != nil {
			return uuid.Nil, err
		}
		parsed = append(parsed, entries)
	}

	r.mu.Lock()
	if _, ok := r.active[userID]; ok {
		r.mu.Unlock()
		return uuid.Nil, ErrJobRunning
	}
	job := &Job{
		ID:        uuid.New(),
		UserID:    userID,
		StartedAt: time.Now(),
		token:     accessToken,
		files:     parsed,
	}
	r.active[userID] = job
	r.mu.Unlock()

	// The job must outlive the triggering request.
	go r.run(context.WithoutCancel(ctx), job)

	return job.ID, nil
}

func (r *Runner) finish(job *Job) {
	r.mu.Lock()
	delete(r.active, job.UserID)
	r.mu.Unlock()
}

func (r *Runner) emit(job *Job, pct int, phase Phase) {
	r.emitter.Publish(job.UserID, progress.Event{
		Status:   progress.StatusProcessing,
		Progress: pct,
		Phase:    string(phase),
	})
}

func (r *Runner) fail(job *Job, err error) {
	r.log.Error("import job failed", "job", job.ID, "user", job.UserID, "err", err)
	r.emitter.Publish(job.UserID, progress.Event{
		Status: progress.StatusError,
		Error:  err.Error(),
	})
}

func (r *Runner) run(ctx context.Context, job *Job) {
	defer r.finish(job)
	logger := r.log.With("job", job.ID, "user", job.UserID)
	logger.Info("import job started", "files", len(job.files))

	r.emit(job, 0, PhaseInitializing)

	// collecting: flatten files into one ordered play sequence. Entries
	// without a resolvable track ID are counted, not fatal.
	events, skippedEntries := collect(job.files)
	r.emit(job, progressCollecting, PhaseCollecting)

	if len(events) == 0 {
		r.fail(job, errors.New("history files contained no playable entries"))
		return
	}

	// fetching_track_data: resolve metadata for every distinct track, each
	// fetched at most once no matter how many plays reference it.
	tracks, added, err := r.fetchTracks(ctx, job, events)
	if err != nil {
		r.fail(job, err)
		return
	}
	r.emit(job, progressFetched, PhaseFetchingTrackData)

	// processing_interactions: classify each play against the user's skip
	// threshold and accumulate counters in memory.
	threshold, err := r.store.SkipThreshold(ctx, job.UserID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.fail(job, fmt.Errorf("loading skip threshold: %w", err))
			return
		}
		threshold = stats.DefaultSkipThresholdMs
	}

	summary := progress.Summary{
		SkippedEntries: skippedEntries,
		TracksAdded:    added,
	}
	deltas := r.accumulate(job, events, tracks, threshold, &summary)

	// calculating: flush counters atomically, then recompute every touched
	// artist from the per-track rows. Recomputation makes a re-run of this
	// phase yield the same totals rather than double-counting.
	r.emit(job, progressProcessed, PhaseCalculating)
	if err := r.store.ApplyDeltas(ctx, job.UserID, deltas); err != nil {
		r.fail(job, fmt.Errorf("applying counters: %w", err))
		return
	}

	artists := touchedArtists(deltas, tracks)
	for _, artist := range artists {
		if err := r.store.SumArtistStats(ctx, job.UserID, artist); err != nil {
			r.fail(job, fmt.Errorf("aggregating artist %q: %w", artist, err))
			return
		}
		if url := r.provider.ResolveArtistImage(ctx, job.token, artist); url != stats.PlaceholderArtistImage {
			if err := r.store.UpdateArtistImage(ctx, job.UserID, artist, url); err != nil {
				logger.Warn("updating artist image", "artist", artist, "err", err)
			}
		}
	}
	summary.ArtistsUpdated = len(artists)

	if err := r.store.SetImportedHistory(ctx, job.UserID); err != nil {
		r.fail(job, fmt.Errorf("marking history imported: %w", err))
		return
	}

	r.emitter.Publish(job.UserID, progress.Event{
		Status:   progress.StatusComplete,
		Progress: 100,
		Summary:  &summary,
	})
	logger.Info("import job complete",
		"plays", summary.Plays, "listens", summary.Listens, "skips", summary.Skips,
		"skippedEntries", summary.SkippedEntries, "tracksAdded", summary.TracksAdded)
}

// fetchTracks loads metadata for every distinct track referenced by the
// events: known tracks from the store, the rest from the provider, upserted
// for next time. Returns the combined map and how many tracks were added.
func (r *Runner) fetchTracks(ctx context.Context, job *Job, events []PlayEvent) (map[string]db.Track, int, error) {
	distinct := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if !seen[ev.TrackID] {
			seen[ev.TrackID] = true
			distinct = append(distinct, ev.TrackID)
		}
	}

	known, err := r.store.TracksByID(ctx, distinct)
	if err != nil {
		return nil, 0, fmt.Errorf("loading known tracks: %w", err)
	}

	var missing []string
	for _, id := range distinct {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return known, 0, nil
	}

	fetched, err := r.provider.TracksBatch(ctx, job.token, missing)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching track metadata: %w", err)
	}
	if err := r.store.UpsertTracks(ctx, fetched); err != nil {
		return nil, 0, fmt.Errorf("storing track metadata: %w", err)
	}
	for _, t := range fetched {
		known[t.ID] = t
	}
	return known, len(fetched), nil
}

// accumulate folds play events into per-track deltas, emitting mid-phase
// progress proportional to events processed.
func (r *Runner) accumulate(job *Job, events []PlayEvent, tracks map[string]db.Track, thresholdMs int, summary *progress.Summary) []Delta {
	acc := make(map[string]*Delta)
	total := len(events)

	for i, ev := range events {
		if _, ok := tracks[ev.TrackID]; !ok {
			// The provider no longer knows this track; count and move on.
			summary.SkippedEntries++
			continue
		}

		d := acc[ev.TrackID]
		if d == nil {
			d = &Delta{TrackID: ev.TrackID}
			acc[ev.TrackID] = d
		}

		summary.Plays++
		switch stats.Classify(ev.MsPlayed, thresholdMs) {
		case stats.ActionListened:
			d.Listens++
			summary.Listens++
		case stats.ActionSkipped:
			d.Skips++
			summary.Skips++
		}
		d.MinutesListened += stats.Minutes(ev.MsPlayed)
		if ev.PlayedAt.After(d.LastPlayedAt) {
			d.LastPlayedAt = ev.PlayedAt
		}

		if (i+1)%250 == 0 {
			pct := progressFetched + (progressProcessed-progressFetched)*(i+1)/total
			r.emit(job, pct, PhaseProcessingInteractions)
		}
	}

	deltas := make([]Delta, 0, len(acc))
	for _, d := range acc {
		deltas = append(deltas, *d)
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].TrackID < deltas[j].TrackID })
	return deltas
}

// touchedArtists returns the sorted distinct artist names across the tracks
// the deltas touched.
func touchedArtists(deltas []Delta, tracks map[string]db.Track) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range deltas {
		track, ok := tracks[d.TrackID]
		if !ok {
			continue
		}
		for _, name := range track.ArtistList {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
