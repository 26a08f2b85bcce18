package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TrackRepository handles track metadata database operations.
type TrackRepository struct {
	pool *pgxpool.Pool
}

const upsertTrackQuery = `
	INSERT INTO tracks (id, name, artist_names, artist_list, album_image_url, created_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		artist_names = EXCLUDED.artist_names,
		artist_list = EXCLUDED.artist_list,
		album_image_url = EXCLUDED.album_image_url
`

// Upsert creates or updates a track keyed by its external ID. A track
// upserted twice leaves exactly one row reflecting the second write.
func (r *TrackRepository) Upsert(ctx context.Context, track *Track) error {
	_, err := r.pool.Exec(ctx, upsertTrackQuery,
		track.ID,
		track.Name,
		track.ArtistNames,
		track.ArtistList,
		track.AlbumImageURL,
	)
	if err != nil {
		return fmt.Errorf("upserting track: %w", err)
	}
	return nil
}

// UpsertBatch inserts or updates multiple tracks in one round trip.
func (r *TrackRepository) UpsertBatch(ctx context.Context, tracks []Track) error {
	if len(tracks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range tracks {
		batch.Queue(upsertTrackQuery, t.ID, t.Name, t.ArtistNames, t.ArtistList, t.AlbumImageURL)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range tracks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upserting tracks: %w", err)
		}
	}
	return nil
}

// Get retrieves a track by ID.
func (r *TrackRepository) Get(ctx context.Context, id string) (*Track, error) {
	query := `
		SELECT id, name, artist_names, artist_list, album_image_url, created_at
		FROM tracks
		WHERE id = $1
	`
	var track Track
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&track.ID,
		&track.Name,
		&track.ArtistNames,
		&track.ArtistList,
		&track.AlbumImageURL,
		&track.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	return &track, nil
}

// GetByIDs retrieves the subset of the given tracks that already exist,
// keyed by ID. Missing IDs are simply absent from the result.
func (r *TrackRepository) GetByIDs(ctx context.Context, ids []string) (map[string]Track, error) {
	found := make(map[string]Track, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query := `
		SELECT id, name, artist_names, artist_list, album_image_url, created_at
		FROM tracks
		WHERE id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying tracks by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var track Track
		if err := rows.Scan(
			&track.ID,
			&track.Name,
			&track.ArtistNames,
			&track.ArtistList,
			&track.AlbumImageURL,
			&track.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning track: %w", err)
		}
		found[track.ID] = track
	}
	return found, rows.Err()
}
