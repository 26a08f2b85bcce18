package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riffleapp/riffle/internal/db"
	"github.com/riffleapp/riffle/internal/progress"
	"github.com/riffleapp/riffle/internal/stats"
)

// fakeStore models the real store's semantics: additive deltas on track
// rows and artist totals recomputed from those rows.
type fakeStore struct {
	mu        sync.Mutex
	threshold int
	tracks    map[string]db.Track
	rows      map[string]*Delta // keyed by trackID, single test user
	artists   map[string]*progress.Summary
	images    map[string]string
	imported  bool
	applyGate chan struct{} // when set, ApplyDeltas blocks until closed
	applyErr  error
}

func newFakeStore(threshold int) *fakeStore {
	return &fakeStore{
		threshold: threshold,
		tracks:    make(map[string]db.Track),
		rows:      make(map[string]*Delta),
		artists:   make(map[string]*progress.Summary),
		images:    make(map[string]string),
	}
}

func (s *fakeStore) SkipThreshold(_ context.Context, _ string) (int, error) {
	if s.threshold == 0 {
		return 0, db.ErrNotFound
	}
	return s.threshold, nil
}

func (s *fakeStore) TracksByID(_ context.Context, ids []string) (map[string]db.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]db.Track)
	for _, id := range ids {
		if t, ok := s.tracks[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertTracks(_ context.Context, tracks []db.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		s.tracks[t.ID] = t
	}
	return nil
}

func (s *fakeStore) ApplyDeltas(_ context.Context, _ string, deltas []Delta) error {
	if s.applyGate != nil {
		<-s.applyGate
	}
	if s.applyErr != nil {
		return s.applyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		row := s.rows[d.TrackID]
		if row == nil {
			row = &Delta{TrackID: d.TrackID}
			s.rows[d.TrackID] = row
		}
		row.Listens += d.Listens
		row.Skips += d.Skips
		row.MinutesListened += d.MinutesListened
	}
	return nil
}

func (s *fakeStore) SumArtistStats(_ context.Context, _ string, artistName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := &progress.Summary{}
	for id, row := range s.rows {
		track, ok := s.tracks[id]
		if !ok {
			continue
		}
		for _, name := range track.ArtistList {
			if name == artistName {
				total.Listens += row.Listens
				total.Skips += row.Skips
			}
		}
	}
	s.artists[artistName] = total
	return nil
}

func (s *fakeStore) UpdateArtistImage(_ context.Context, _, artistName, imageURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[artistName] = imageURL
	return nil
}

func (s *fakeStore) SetImportedHistory(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imported = true
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	catalog map[string]db.Track
	batches [][]string
}

func (p *fakeProvider) TracksBatch(_ context.Context, _ string, ids []string) ([]db.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, ids)
	var out []db.Track
	for _, id := range ids {
		if t, ok := p.catalog[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *fakeProvider) ResolveArtistImage(_ context.Context, _, _ string) string {
	return stats.PlaceholderArtistImage
}

// fakeEmitter records events and signals when a terminal event arrives.
type fakeEmitter struct {
	mu     sync.Mutex
	once   sync.Once
	events []progress.Event
	done   chan struct{}
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{done: make(chan struct{})}
}

func (e *fakeEmitter) Publish(_ string, ev progress.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	if ev.Terminal() {
		e.once.Do(func() { close(e.done) })
	}
}

func (e *fakeEmitter) wait(t *testing.T) []progress.Event {
	t.Helper()
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not reach a terminal state")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func historyFile(t *testing.T, name string, entries []map[string]any) File {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshaling history: %v", err)
	}
	return File{Name: name, Data: data}
}

func track(id, name string, artists ...string) db.Track {
	return db.Track{
		ID:          id,
		Name:        name,
		ArtistNames: stats.JoinArtistNames(artists),
		ArtistList:  artists,
	}
}

func playEntries(trackID string, msPlayed ...int) []map[string]any {
	entries := make([]map[string]any, len(msPlayed))
	for i, ms := range msPlayed {
		entries[i] = map[string]any{
			"trackId":   trackID,
			"ts":        fmt.Sprintf("2023-04-%02dT12:00:00Z", i+1),
			"ms_played": ms,
		}
	}
	return entries
}

func TestRunner_ThresholdScenario(t *testing.T) {
	// 3 plays of T1 at [5000, 45000, 60000] with a 30000ms threshold must
	// yield listenCount=2, skipCount=1 once the job completes.
	store := newFakeStore(30000)
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	_, err := runner.Start(context.Background(), "u1", "tok",
		[]File{historyFile(t, "history.json", playEntries("T1", 5000, 45000, 60000))})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events := emitter.wait(t)
	last := events[len(events)-1]
	if last.Status != progress.StatusComplete {
		t.Fatalf("terminal status = %q (%s), want complete", last.Status, last.Error)
	}

	row := store.rows["T1"]
	if row == nil {
		t.Fatal("no interaction row for T1")
	}
	if row.Listens != 2 || row.Skips != 1 {
		t.Errorf("T1 counters = %d listens, %d skips, want 2/1", row.Listens, row.Skips)
	}
	if !store.imported {
		t.Error("imported_history was not set")
	}
	if last.Summary == nil || last.Plays != 3 || last.Listens != 2 || last.Skips != 1 {
		t.Errorf("summary = %+v, want plays=3 listens=2 skips=1", last.Summary)
	}

	// Artist totals were recomputed from the track rows.
	artist := store.artists["Artist One"]
	if artist == nil || artist.Listens != 2 || artist.Skips != 1 {
		t.Errorf("artist totals = %+v, want 2/1", artist)
	}
}

func TestRunner_PhasesInOrder(t *testing.T) {
	store := newFakeStore(30000)
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	if _, err := runner.Start(context.Background(), "u1", "tok",
		[]File{historyFile(t, "history.json", playEntries("T1", 40000))}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events := emitter.wait(t)

	wantOrder := []string{
		string(PhaseInitializing),
		string(PhaseCollecting),
		string(PhaseFetchingTrackData),
		string(PhaseCalculating),
	}
	var phases []string
	lastProgress := -1
	for _, ev := range events {
		if ev.Status == progress.StatusProcessing {
			phases = append(phases, ev.Phase)
			if ev.Progress < lastProgress {
				t.Errorf("progress went backwards: %d after %d", ev.Progress, lastProgress)
			}
			lastProgress = ev.Progress
		}
	}
	if len(phases) != len(wantOrder) {
		t.Fatalf("phases = %v, want %v", phases, wantOrder)
	}
	for i, want := range wantOrder {
		if phases[i] != want {
			t.Errorf("phase[%d] = %q, want %q", i, phases[i], want)
		}
	}
	if events[len(events)-1].Progress != 100 {
		t.Errorf("final progress = %d, want 100", events[len(events)-1].Progress)
	}
}

func TestRunner_DoubleImportArtistTotalsMatchTrackRows(t *testing.T) {
	// Importing the same file twice doubles the track counters (each import
	// is a real increment), but artist totals must always equal the sum of
	// the track rows, never a blind double increment on top of them.
	store := newFakeStore(30000)
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	file := func() File { return historyFile(t, "history.json", playEntries("T1", 5000, 45000, 60000)) }

	for i := 0; i < 2; i++ {
		emitter := newFakeEmitter()
		runner := NewRunner(store, provider, emitter)
		if _, err := runner.Start(context.Background(), "u1", "tok", []File{file()}); err != nil {
			t.Fatalf("Start() #%d error = %v", i+1, err)
		}
		events := emitter.wait(t)
		if last := events[len(events)-1]; last.Status != progress.StatusComplete {
			t.Fatalf("import #%d ended %q: %s", i+1, last.Status, last.Error)
		}
	}

	row := store.rows["T1"]
	if row.Listens != 4 || row.Skips != 2 {
		t.Errorf("track counters after two imports = %d/%d, want 4/2", row.Listens, row.Skips)
	}
	artist := store.artists["Artist One"]
	if artist.Listens != row.Listens || artist.Skips != row.Skips {
		t.Errorf("artist totals %d/%d diverge from track rows %d/%d",
			artist.Listens, artist.Skips, row.Listens, row.Skips)
	}
}

func TestRunner_RejectsNonArrayFile(t *testing.T) {
	runner := NewRunner(newFakeStore(30000), &fakeProvider{}, newFakeEmitter())

	id, err := runner.Start(context.Background(), "u1", "tok",
		[]File{{Name: "bad.json", Data: json.RawMessage(`{"not":"an array"}`)}})

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Start() error = %v, want *ParseError", err)
	}
	if id != uuid.Nil {
		t.Errorf("Start() returned job id %v for rejected input", id)
	}
}

func TestRunner_RejectsEmptyUpload(t *testing.T) {
	runner := NewRunner(newFakeStore(30000), &fakeProvider{}, newFakeEmitter())

	var parseErr *ParseError
	if _, err := runner.Start(context.Background(), "u1", "tok", nil); !errors.As(err, &parseErr) {
		t.Fatalf("Start() error = %v, want *ParseError", err)
	}
}

func TestRunner_EntriesWithoutTrackIDAreCountedNotFatal(t *testing.T) {
	store := newFakeStore(30000)
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	entries := []map[string]any{
		{"trackId": "T1", "ts": "2023-04-01T12:00:00Z", "ms_played": 45000},
		{"ts": "2023-04-02T12:00:00Z", "ms_played": 45000}, // no identifier
		{"spotify_track_uri": "spotify:track:T1", "ts": "2023-04-03T12:00:00Z", "ms_played": 45000},
	}
	if _, err := runner.Start(context.Background(), "u1", "tok",
		[]File{historyFile(t, "history.json", entries)}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events := emitter.wait(t)
	last := events[len(events)-1]
	if last.Status != progress.StatusComplete {
		t.Fatalf("terminal status = %q: %s", last.Status, last.Error)
	}
	if last.Plays != 2 {
		t.Errorf("plays = %d, want 2", last.Plays)
	}
	if last.SkippedEntries != 1 {
		t.Errorf("skippedEntries = %d, want 1", last.SkippedEntries)
	}
}

func TestRunner_OneJobPerUser(t *testing.T) {
	store := newFakeStore(30000)
	store.applyGate = make(chan struct{})
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	file := historyFile(t, "history.json", playEntries("T1", 45000))
	if _, err := runner.Start(context.Background(), "u1", "tok", []File{file}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	if _, err := runner.Start(context.Background(), "u1", "tok", []File{file}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("second Start() error = %v, want ErrJobRunning", err)
	}

	// A different user is unaffected.
	if _, err := runner.Start(context.Background(), "u2", "tok", []File{file}); err != nil {
		t.Errorf("Start() for other user error = %v", err)
	}

	close(store.applyGate)
	emitter.wait(t)
}

func TestRunner_StoreFailureEmitsErrorEvent(t *testing.T) {
	store := newFakeStore(30000)
	store.applyErr = errors.New("disk full")
	provider := &fakeProvider{catalog: map[string]db.Track{
		"T1": track("T1", "Song One", "Artist One"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	if _, err := runner.Start(context.Background(), "u1", "tok",
		[]File{historyFile(t, "history.json", playEntries("T1", 45000))}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	events := emitter.wait(t)
	last := events[len(events)-1]
	if last.Status != progress.StatusError {
		t.Fatalf("terminal status = %q, want error", last.Status)
	}
	if last.Error == "" {
		t.Error("error event carries no message")
	}
	if store.imported {
		t.Error("imported_history set despite failed job")
	}
}

func TestRunner_FetchesEachDistinctTrackOnce(t *testing.T) {
	store := newFakeStore(30000)
	store.tracks["KNOWN"] = track("KNOWN", "Already Here", "Artist One")
	provider := &fakeProvider{catalog: map[string]db.Track{
		"NEW": track("NEW", "Fresh Song", "Artist Two"),
	}}
	emitter := newFakeEmitter()
	runner := NewRunner(store, provider, emitter)

	entries := append(playEntries("KNOWN", 45000, 50000), playEntries("NEW", 45000, 50000, 60000)...)
	if _, err := runner.Start(context.Background(), "u1", "tok",
		[]File{historyFile(t, "history.json", entries)}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	emitter.wait(t)

	if len(provider.batches) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.batches))
	}
	batch := provider.batches[0]
	if len(batch) != 1 || batch[0] != "NEW" {
		t.Errorf("fetched ids = %v, want only the unknown track", batch)
	}
}
