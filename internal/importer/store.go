package importer

import (
	"context"

	"github.com/riffleapp/riffle/internal/db"
	"github.com/riffleapp/riffle/internal/spotify"
)

// dbStore adapts *db.DB to the Store surface the runner consumes.
type dbStore struct {
	db *db.DB
}

// NewStore wraps the database for use by the Runner.
func NewStore(database *db.DB) Store {
	return &dbStore{db: database}
}

func (s *dbStore) SkipThreshold(ctx context.Context, userID string) (int, error) {
	settings, err := s.db.Settings().Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return settings.SkipThresholdMs, nil
}

func (s *dbStore) TracksByID(ctx context.Context, ids []string) (map[string]db.Track, error) {
	return s.db.Tracks().GetByIDs(ctx, ids)
}

func (s *dbStore) UpsertTracks(ctx context.Context, tracks []db.Track) error {
	return s.db.Tracks().UpsertBatch(ctx, tracks)
}

func (s *dbStore) ApplyDeltas(ctx context.Context, userID string, deltas []Delta) error {
	rows := make([]db.TrackDelta, len(deltas))
	for i, d := range deltas {
		rows[i] = db.TrackDelta{
			TrackID:         d.TrackID,
			Listens:         d.Listens,
			Skips:           d.Skips,
			MinutesListened: d.MinutesListened,
			LastPlayedAt:    d.LastPlayedAt,
		}
	}
	return s.db.TrackInteractions().ApplyDeltas(ctx, userID, rows)
}

func (s *dbStore) SumArtistStats(ctx context.Context, userID, artistName string) error {
	return s.db.ArtistInteractions().SumFromTracks(ctx, userID, artistName)
}

func (s *dbStore) UpdateArtistImage(ctx context.Context, userID, artistName, imageURL string) error {
	return s.db.ArtistInteractions().UpdateImage(ctx, userID, artistName, imageURL)
}

func (s *dbStore) SetImportedHistory(ctx context.Context, userID string) error {
	return s.db.Users().SetImportedHistory(ctx, userID, true)
}

// providerAdapter adapts the provider API client to the Provider surface.
type providerAdapter struct {
	client *spotify.Client
}

// NewProvider wraps the provider API client for use by the Runner.
func NewProvider(client *spotify.Client) Provider {
	return &providerAdapter{client: client}
}

func (p *providerAdapter) TracksBatch(ctx context.Context, accessToken string, ids []string) ([]db.Track, error) {
	fetched, err := p.client.TracksBatch(ctx, accessToken, ids)
	if err != nil {
		return nil, err
	}
	tracks := make([]db.Track, len(fetched))
	for i, t := range fetched {
		tracks[i] = db.Track{
			ID:            t.ID,
			Name:          t.Name,
			ArtistNames:   t.ArtistNames,
			ArtistList:    t.ArtistList,
			AlbumImageURL: t.AlbumImageURL,
		}
	}
	return tracks, nil
}

func (p *providerAdapter) ResolveArtistImage(ctx context.Context, accessToken, artistName string) string {
	return p.client.ResolveArtistImage(ctx, accessToken, artistName)
}
