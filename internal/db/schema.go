package db

import (
	"context"
	"fmt"

	"github.com/riffleapp/riffle/internal/stats"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id               text PRIMARY KEY,
		display_name     text NOT NULL DEFAULT '',
		image_url        text,
		imported_history boolean NOT NULL DEFAULT false,
		created_at       timestamptz NOT NULL DEFAULT now(),
		updated_at       timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id           text PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		skip_threshold_ms integer NOT NULL DEFAULT ` + fmt.Sprint(stats.DefaultSkipThresholdMs) + `,
		updated_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tracks (
		id              text PRIMARY KEY,
		name            text NOT NULL,
		artist_names    text NOT NULL DEFAULT '` + stats.UnknownArtist + `',
		artist_list     text[] NOT NULL DEFAULT '{}',
		album_image_url text NOT NULL DEFAULT '` + stats.PlaceholderAlbumImage + `',
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS track_interactions (
		user_id          text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		track_id         text NOT NULL REFERENCES tracks(id),
		listen_count     integer NOT NULL DEFAULT 0,
		skip_count       integer NOT NULL DEFAULT 0,
		minutes_listened double precision NOT NULL DEFAULT 0,
		last_listened_at timestamptz,
		last_skipped_at  timestamptz,
		spotify_rank     integer,
		PRIMARY KEY (user_id, track_id)
	)`,
	`CREATE TABLE IF NOT EXISTS artist_interactions (
		user_id          text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		artist_name      text NOT NULL,
		listen_count     integer NOT NULL DEFAULT 0,
		skip_count       integer NOT NULL DEFAULT 0,
		minutes_listened double precision NOT NULL DEFAULT 0,
		artist_image_url text NOT NULL DEFAULT '` + stats.PlaceholderArtistImage + `',
		PRIMARY KEY (user_id, artist_name)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		user_id       text PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		access_token  text NOT NULL,
		refresh_token text NOT NULL,
		token_expiry  timestamptz NOT NULL,
		created_at    timestamptz NOT NULL DEFAULT now(),
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_access_token ON sessions (access_token)`,
	`CREATE INDEX IF NOT EXISTS idx_track_interactions_user ON track_interactions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tracks_artist_list ON tracks USING gin (artist_list)`,
}

// Migrate creates the schema if it does not exist yet. Statements are
// idempotent so running at every startup is safe.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
