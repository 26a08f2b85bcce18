package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/riffleapp/riffle/internal/db"
	"github.com/riffleapp/riffle/internal/importer"
	"github.com/riffleapp/riffle/internal/spotify"
	"github.com/riffleapp/riffle/internal/stats"
)

const topTracksLimit = 50

// UserStore persists user profiles.
type UserStore interface {
	Upsert(ctx context.Context, user *db.User) error
	Get(ctx context.Context, id string) (*db.User, error)
}

// SettingsStore persists per-user playback settings.
type SettingsStore interface {
	EnsureDefaults(ctx context.Context, userID string, skipThresholdMs int) error
	Get(ctx context.Context, userID string) (*db.UserSettings, error)
}

// TrackStore persists track metadata.
type TrackStore interface {
	UpsertBatch(ctx context.Context, tracks []db.Track) error
	Get(ctx context.Context, id string) (*db.Track, error)
}

// InteractionStore persists per-user track interaction counters.
type InteractionStore interface {
	UpsertRank(ctx context.Context, userID, trackID string, rank int) error
	ResetRanks(ctx context.Context, userID string) error
	Record(ctx context.Context, userID, trackID string, action stats.Action, minutes float64) error
}

// ArtistStore persists per-user artist interaction counters.
type ArtistStore interface {
	Record(ctx context.Context, userID, artistName string, action stats.Action, minutes float64) error
	UpdateImage(ctx context.Context, userID, artistName, imageURL string) error
}

// SessionStore persists per-user provider tokens.
type SessionStore interface {
	Save(ctx context.Context, session *db.Session) error
	GetByAccessToken(ctx context.Context, accessToken string) (*db.Session, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (*db.Session, error)
}

// Provider is the streaming API surface the handlers proxy.
type Provider interface {
	CurrentUser(ctx context.Context, accessToken string) (*spotify.Profile, error)
	TopArtists(ctx context.Context, accessToken string, limit int) ([]spotify.Artist, error)
	TopTracks(ctx context.Context, accessToken string, limit int) ([]spotify.Track, error)
	ResolveArtistImage(ctx context.Context, accessToken, artistName string) string
}

// ImportStarter launches bulk history import jobs.
type ImportStarter interface {
	Start(ctx context.Context, userID, accessToken string, files []importer.File) (uuid.UUID, error)
}

// ProgressStreamer serves the live progress stream for a user.
type ProgressStreamer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, userID string)
}

// Handlers carries the HTTP handlers and their dependencies.
type Handlers struct {
	Users        UserStore
	Settings     SettingsStore
	Tracks       TrackStore
	Interactions InteractionStore
	Artists      ArtistStore
	Sessions     SessionStore
	Provider     Provider
	Importer     ImportStarter
	Progress     ProgressStreamer
	OAuth        *oauth2.Config

	DefaultSkipThresholdMs int
	Log                    *log.Logger
}

func (h *Handlers) logger() *log.Logger {
	if h.Log != nil {
		return h.Log
	}
	return log.New(io.Discard)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// StoreToken receives a freshly exchanged token and bootstraps the user:
// profile upsert, default settings, session row, and a re-stamp of the
// user's current top-track ranks.
func (h *Handlers) StoreToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "access_token and refresh_token are required")
		return
	}

	ctx := r.Context()
	profile, err := h.Provider.CurrentUser(ctx, body.AccessToken)
	if err != nil {
		h.logger().Error("fetching profile", "err", err)
		respondError(w, http.StatusInternalServerError, "fetching user profile failed")
		return
	}

	user := &db.User{ID: profile.ID, DisplayName: profile.DisplayName}
	if profile.ImageURL != "" {
		user.ImageURL = &profile.ImageURL
	}
	if err := h.Users.Upsert(ctx, user); err != nil {
		h.logger().Error("upserting user", "user", profile.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "storing user failed")
		return
	}
	if err := h.Settings.EnsureDefaults(ctx, profile.ID, h.DefaultSkipThresholdMs); err != nil {
		h.logger().Error("seeding settings", "user", profile.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "storing settings failed")
		return
	}

	session := &db.Session{
		UserID:       profile.ID,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenExpiry:  time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if err := h.Sessions.Save(ctx, session); err != nil {
		h.logger().Error("saving session", "user", profile.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "storing session failed")
		return
	}

	if err := h.stampTopTracks(ctx, profile.ID, body.AccessToken); err != nil {
		h.logger().Error("stamping top tracks", "user", profile.ID, "err", err)
		respondError(w, http.StatusInternalServerError, "ranking top tracks failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"user_id": profile.ID})
}

// stampTopTracks clears previous ranks and re-stamps them from the user's
// current top tracks. Rank is 1-based chart position.
func (h *Handlers) stampTopTracks(ctx context.Context, userID, accessToken string) error {
	if err := h.Interactions.ResetRanks(ctx, userID); err != nil {
		return err
	}
	top, err := h.Provider.TopTracks(ctx, accessToken, topTracksLimit)
	if err != nil {
		return err
	}
	tracks := make([]db.Track, len(top))
	for i, t := range top {
		tracks[i] = db.Track{
			ID:            t.ID,
			Name:          t.Name,
			ArtistNames:   t.ArtistNames,
			ArtistList:    t.ArtistList,
			AlbumImageURL: t.AlbumImageURL,
		}
	}
	if err := h.Tracks.UpsertBatch(ctx, tracks); err != nil {
		return err
	}
	for i, t := range top {
		if err := h.Interactions.UpsertRank(ctx, userID, t.ID, i+1); err != nil {
			return err
		}
	}
	return nil
}

// RefreshToken exchanges a known refresh token for a fresh access token and
// updates the session row.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	ctx := r.Context()
	session, err := h.Sessions.GetByRefreshToken(ctx, body.RefreshToken)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	if err != nil {
		h.logger().Error("looking up session", "err", err)
		respondError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	src := h.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: body.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		h.logger().Error("refreshing token", "user", session.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "token refresh failed")
		return
	}

	session.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		session.RefreshToken = tok.RefreshToken
	}
	session.TokenExpiry = tok.Expiry
	if err := h.Sessions.Save(ctx, session); err != nil {
		h.logger().Error("saving refreshed session", "user", session.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "storing session failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"access_token": tok.AccessToken,
		"expires_in":   int(time.Until(tok.Expiry).Seconds()),
	})
}

// Me proxies the authenticated user's profile.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	profile, err := h.Provider.CurrentUser(r.Context(), session.AccessToken)
	if err != nil {
		h.logger().Error("fetching profile", "user", session.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "fetching profile failed")
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// TopArtists proxies the user's top artists.
func (h *Handlers) TopArtists(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	artists, err := h.Provider.TopArtists(r.Context(), session.AccessToken, 20)
	if err != nil {
		h.logger().Error("fetching top artists", "user", session.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "fetching top artists failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": artists})
}

// TopTracks proxies the user's top tracks.
func (h *Handlers) TopTracks(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	tracks, err := h.Provider.TopTracks(r.Context(), session.AccessToken, 20)
	if err != nil {
		h.logger().Error("fetching top tracks", "user", session.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "fetching top tracks failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": tracks})
}

// ImportHistory accepts uploaded history files and launches the import job.
// The response returns as soon as the job is registered; progress flows on
// the separate stream.
func (h *Handlers) ImportHistory(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	if session.UserID != userID {
		respondError(w, http.StatusForbidden, "session does not match user")
		return
	}

	var body struct {
		Files []importer.File `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, err := h.Importer.Start(r.Context(), userID, session.AccessToken, body.Files)
	var parseErr *importer.ParseError
	switch {
	case errors.As(err, &parseErr):
		respondError(w, http.StatusBadRequest, parseErr.Error())
		return
	case errors.Is(err, importer.ErrJobRunning):
		respondError(w, http.StatusConflict, "an import is already running for this user")
		return
	case err != nil:
		h.logger().Error("starting import", "user", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "starting import failed")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": "processing",
	})
}

// ImportProgress streams import progress events for the user.
func (h *Handlers) ImportProgress(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	if session.UserID != userID {
		respondError(w, http.StatusForbidden, "session does not match user")
		return
	}
	h.Progress.ServeSSE(w, r, userID)
}

// TrackInteraction records a single live play: classify against the user's
// skip threshold, bump the track row, and mirror the bump onto each credited
// artist.
func (h *Handlers) TrackInteraction(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	userID := chi.URLParam(r, "userID")
	trackID := chi.URLParam(r, "trackID")
	if session.UserID != userID {
		respondError(w, http.StatusForbidden, "session does not match user")
		return
	}

	var body struct {
		PlayDuration  int `json:"playDuration"`
		TrackDuration int `json:"trackDuration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayDuration < 0 {
		respondError(w, http.StatusBadRequest, "playDuration is required")
		return
	}

	ctx := r.Context()
	threshold := h.DefaultSkipThresholdMs
	if settings, err := h.Settings.Get(ctx, userID); err == nil {
		threshold = settings.SkipThresholdMs
	} else if !errors.Is(err, db.ErrNotFound) {
		h.logger().Error("loading settings", "user", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "loading settings failed")
		return
	}

	action := stats.Classify(body.PlayDuration, threshold)
	minutes := stats.Minutes(body.PlayDuration)

	if err := h.Interactions.Record(ctx, userID, trackID, action, minutes); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no interaction row for this track")
			return
		}
		h.logger().Error("recording interaction", "user", userID, "track", trackID, "err", err)
		respondError(w, http.StatusInternalServerError, "recording interaction failed")
		return
	}

	track, err := h.Tracks.Get(ctx, trackID)
	if err != nil {
		h.logger().Warn("loading track for artist credit", "track", trackID, "err", err)
	} else {
		for _, name := range track.ArtistList {
			if err := h.Artists.Record(ctx, userID, name, action, minutes); err != nil {
				h.logger().Warn("recording artist interaction", "artist", name, "err", err)
				continue
			}
			url := h.Provider.ResolveArtistImage(ctx, session.AccessToken, name)
			if err := h.Artists.UpdateImage(ctx, userID, name, url); err != nil {
				h.logger().Warn("updating artist image", "artist", name, "err", err)
			}
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "recorded",
		"action": string(action),
	})
}

// Healthz reports liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
