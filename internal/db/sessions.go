package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository stores one provider token record per user. Requests
// resolve their session from here instead of any process-wide token state.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// Save creates or replaces the user's session.
func (r *SessionRepository) Save(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (user_id, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		session.UserID,
		session.AccessToken,
		session.RefreshToken,
		session.TokenExpiry,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

const selectSession = `
	SELECT user_id, access_token, refresh_token, token_expiry, created_at, updated_at
	FROM sessions
`

func (r *SessionRepository) scanOne(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.UserID,
		&s.AccessToken,
		&s.RefreshToken,
		&s.TokenExpiry,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &s, nil
}

// GetByUser retrieves the session for a user.
func (r *SessionRepository) GetByUser(ctx context.Context, userID string) (*Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectSession+`WHERE user_id = $1`, userID))
}

// GetByAccessToken resolves a session from a bearer token.
func (r *SessionRepository) GetByAccessToken(ctx context.Context, accessToken string) (*Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectSession+`WHERE access_token = $1`, accessToken))
}

// GetByRefreshToken resolves a session from a refresh token.
func (r *SessionRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, selectSession+`WHERE refresh_token = $1`, refreshToken))
}

// Delete removes the user's session.
func (r *SessionRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
