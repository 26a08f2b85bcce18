package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riffleapp/riffle/internal/stats"
)

// ArtistInteractionRepository handles per-(user, artist-name) aggregate rows.
type ArtistInteractionRepository struct {
	pool *pgxpool.Pool
}

// SumFromTracks recomputes the artist's totals from the user's track
// interaction rows and fully replaces the stored counters. This is the one
// replace-not-increment write: it is a recomputation from source rows, which
// makes it idempotent and keeps re-imports from double-counting.
func (r *ArtistInteractionRepository) SumFromTracks(ctx context.Context, userID, artistName string) error {
	query := `
		INSERT INTO artist_interactions (user_id, artist_name, listen_count, skip_count, minutes_listened)
		SELECT $1, $2,
		       COALESCE(SUM(ti.listen_count), 0),
		       COALESCE(SUM(ti.skip_count), 0),
		       COALESCE(SUM(ti.minutes_listened), 0)
		FROM track_interactions ti
		JOIN tracks t ON t.id = ti.track_id
		WHERE ti.user_id = $1 AND $2 = ANY(t.artist_list)
		ON CONFLICT (user_id, artist_name) DO UPDATE SET
			listen_count = EXCLUDED.listen_count,
			skip_count = EXCLUDED.skip_count,
			minutes_listened = EXCLUDED.minutes_listened
	`
	if _, err := r.pool.Exec(ctx, query, userID, artistName); err != nil {
		return fmt.Errorf("summing artist stats: %w", err)
	}
	return nil
}

// Record applies a live-playback increment to the artist row, creating it
// with the placeholder image if absent.
func (r *ArtistInteractionRepository) Record(ctx context.Context, userID, artistName string, action stats.Action, minutes float64) error {
	listens, skips := 0, 0
	switch action {
	case stats.ActionListened:
		listens = 1
	case stats.ActionSkipped:
		skips = 1
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	query := `
		INSERT INTO artist_interactions (user_id, artist_name, listen_count, skip_count, minutes_listened)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, artist_name) DO UPDATE SET
			listen_count = artist_interactions.listen_count + EXCLUDED.listen_count,
			skip_count = artist_interactions.skip_count + EXCLUDED.skip_count,
			minutes_listened = artist_interactions.minutes_listened + EXCLUDED.minutes_listened
	`
	if _, err := r.pool.Exec(ctx, query, userID, artistName, listens, skips, minutes); err != nil {
		return fmt.Errorf("recording artist interaction: %w", err)
	}
	return nil
}

// UpdateImage sets the artist image only while the stored value is still the
// placeholder. A resolved image never regresses back to the placeholder.
func (r *ArtistInteractionRepository) UpdateImage(ctx context.Context, userID, artistName, imageURL string) error {
	if imageURL == "" || imageURL == stats.PlaceholderArtistImage {
		return nil
	}
	query := `
		UPDATE artist_interactions
		SET artist_image_url = $3
		WHERE user_id = $1 AND artist_name = $2 AND artist_image_url = $4
	`
	if _, err := r.pool.Exec(ctx, query, userID, artistName, imageURL, stats.PlaceholderArtistImage); err != nil {
		return fmt.Errorf("updating artist image: %w", err)
	}
	return nil
}

// Get retrieves one (user, artist) row.
func (r *ArtistInteractionRepository) Get(ctx context.Context, userID, artistName string) (*ArtistInteraction, error) {
	query := `
		SELECT user_id, artist_name, listen_count, skip_count, minutes_listened, artist_image_url
		FROM artist_interactions
		WHERE user_id = $1 AND artist_name = $2
	`
	var ai ArtistInteraction
	err := r.pool.QueryRow(ctx, query, userID, artistName).Scan(
		&ai.UserID,
		&ai.ArtistName,
		&ai.ListenCount,
		&ai.SkipCount,
		&ai.MinutesListened,
		&ai.ArtistImageURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying artist interaction: %w", err)
	}
	return &ai, nil
}

// ListForUser returns the user's artist rows ordered by listen count.
func (r *ArtistInteractionRepository) ListForUser(ctx context.Context, userID string, limit int) ([]ArtistInteraction, error) {
	query := `
		SELECT user_id, artist_name, listen_count, skip_count, minutes_listened, artist_image_url
		FROM artist_interactions
		WHERE user_id = $1
		ORDER BY listen_count DESC, artist_name
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying artist interactions: %w", err)
	}
	defer rows.Close()

	var out []ArtistInteraction
	for rows.Next() {
		var ai ArtistInteraction
		if err := rows.Scan(
			&ai.UserID,
			&ai.ArtistName,
			&ai.ListenCount,
			&ai.SkipCount,
			&ai.MinutesListened,
			&ai.ArtistImageURL,
		); err != nil {
			return nil, fmt.Errorf("scanning artist interaction: %w", err)
		}
		out = append(out, ai)
	}
	return out, rows.Err()
}
