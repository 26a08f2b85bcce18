package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riffleapp/riffle/internal/stats"
)

// TrackInteractionRepository handles per-(user, track) counter rows.
//
// All counter mutations are single-statement additive updates so a live
// playback event and a backfilling import touching the same row cannot lose
// updates to each other.
type TrackInteractionRepository struct {
	pool *pgxpool.Pool
}

// UpsertRank inserts the (user, track) row with zero counters and the given
// rank, or updates only the rank if the row exists. Play counters are never
// touched here; they belong to Record and ApplyDeltas.
func (r *TrackInteractionRepository) UpsertRank(ctx context.Context, userID, trackID string, rank int) error {
	query := `
		INSERT INTO track_interactions (user_id, track_id, spotify_rank)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			spotify_rank = EXCLUDED.spotify_rank
	`
	if _, err := r.pool.Exec(ctx, query, userID, trackID, rank); err != nil {
		return fmt.Errorf("upserting track rank: %w", err)
	}
	return nil
}

// ResetRanks clears spotify_rank for every row owned by the user. Called at
// the start of each login's rank refresh so stale ranks never survive.
func (r *TrackInteractionRepository) ResetRanks(ctx context.Context, userID string) error {
	query := `UPDATE track_interactions SET spotify_rank = NULL WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("resetting track ranks: %w", err)
	}
	return nil
}

// Record increments one counter for an existing (user, track) row and stamps
// the matching timestamp. A missing row is a hard error: the row must already
// exist via the rank-upsert path.
func (r *TrackInteractionRepository) Record(ctx context.Context, userID, trackID string, action stats.Action, minutes float64) error {
	var query string
	switch action {
	case stats.ActionListened:
		query = `
			UPDATE track_interactions
			SET listen_count = listen_count + 1,
			    minutes_listened = minutes_listened + $3,
			    last_listened_at = NOW()
			WHERE user_id = $1 AND track_id = $2
		`
	case stats.ActionSkipped:
		query = `
			UPDATE track_interactions
			SET skip_count = skip_count + 1,
			    minutes_listened = minutes_listened + $3,
			    last_skipped_at = NOW()
			WHERE user_id = $1 AND track_id = $2
		`
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	result, err := r.pool.Exec(ctx, query, userID, trackID, minutes)
	if err != nil {
		return fmt.Errorf("recording track interaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyDeltas applies accumulated import counters in one transaction.
// Each delta is an atomic add; rows are created with the delta as the
// initial value when absent. Either every delta commits or none do.
func (r *TrackInteractionRepository) ApplyDeltas(ctx context.Context, userID string, deltas []TrackDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	query := `
		INSERT INTO track_interactions (user_id, track_id, listen_count, skip_count, minutes_listened, last_listened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			listen_count = track_interactions.listen_count + EXCLUDED.listen_count,
			skip_count = track_interactions.skip_count + EXCLUDED.skip_count,
			minutes_listened = track_interactions.minutes_listened + EXCLUDED.minutes_listened,
			last_listened_at = GREATEST(track_interactions.last_listened_at, EXCLUDED.last_listened_at)
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delta transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(query, userID, d.TrackID, d.Listens, d.Skips, d.MinutesListened, d.LastPlayedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range deltas {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("applying track deltas: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing delta batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing track deltas: %w", err)
	}
	return nil
}

// Get retrieves one (user, track) row.
func (r *TrackInteractionRepository) Get(ctx context.Context, userID, trackID string) (*TrackInteraction, error) {
	query := `
		SELECT user_id, track_id, listen_count, skip_count, minutes_listened,
		       last_listened_at, last_skipped_at, spotify_rank
		FROM track_interactions
		WHERE user_id = $1 AND track_id = $2
	`
	var ti TrackInteraction
	err := r.pool.QueryRow(ctx, query, userID, trackID).Scan(
		&ti.UserID,
		&ti.TrackID,
		&ti.ListenCount,
		&ti.SkipCount,
		&ti.MinutesListened,
		&ti.LastListenedAt,
		&ti.LastSkippedAt,
		&ti.SpotifyRank,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track interaction: %w", err)
	}
	return &ti, nil
}

// ListRanked returns the user's rows that currently carry a rank, in rank order.
func (r *TrackInteractionRepository) ListRanked(ctx context.Context, userID string) ([]TrackInteraction, error) {
	query := `
		SELECT user_id, track_id, listen_count, skip_count, minutes_listened,
		       last_listened_at, last_skipped_at, spotify_rank
		FROM track_interactions
		WHERE user_id = $1 AND spotify_rank IS NOT NULL
		ORDER BY spotify_rank
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying ranked interactions: %w", err)
	}
	defer rows.Close()

	var out []TrackInteraction
	for rows.Next() {
		var ti TrackInteraction
		if err := rows.Scan(
			&ti.UserID,
			&ti.TrackID,
			&ti.ListenCount,
			&ti.SkipCount,
			&ti.MinutesListened,
			&ti.LastListenedAt,
			&ti.LastSkippedAt,
			&ti.SpotifyRank,
		); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}
