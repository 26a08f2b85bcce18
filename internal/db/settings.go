package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsRepository handles user settings database operations.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

// EnsureDefaults inserts a settings row with defaults if the user has none.
// Existing settings are never overwritten.
func (r *SettingsRepository) EnsureDefaults(ctx context.Context, userID string, skipThresholdMs int) error {
	query := `
		INSERT INTO user_settings (user_id, skip_threshold_ms, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, userID, skipThresholdMs); err != nil {
		return fmt.Errorf("ensuring default settings: %w", err)
	}
	return nil
}

// Get retrieves settings for a user.
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*UserSettings, error) {
	query := `
		SELECT user_id, skip_threshold_ms, updated_at
		FROM user_settings
		WHERE user_id = $1
	`
	var settings UserSettings
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&settings.UserID,
		&settings.SkipThresholdMs,
		&settings.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	return &settings, nil
}

// Update replaces the tunables for a user.
func (r *SettingsRepository) Update(ctx context.Context, settings *UserSettings) error {
	query := `
		UPDATE user_settings
		SET skip_threshold_ms = $2, updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.pool.Exec(ctx, query, settings.UserID, settings.SkipThresholdMs)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
