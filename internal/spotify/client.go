// Package spotify wraps the provider Web API used for profile bootstrap,
// top-list fetching, bulk track metadata, and artist image lookup.
package spotify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	spotifyapi "github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// maxTracksPerRequest is the provider's batch-lookup limit.
const maxTracksPerRequest = 50

// Client is a rate-limited provider API client. It holds no token itself;
// every call takes the per-user access token resolved from the session.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *log.Logger

	// artist image cache, keyed by artist name
	imageMu    sync.RWMutex
	imageCache map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// New creates a provider API client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		log:        log.New(io.Discard),
		imageCache: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// api builds a provider client authorized with the given access token.
func (c *Client) api(ctx context.Context, accessToken string) *spotifyapi.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	return spotifyapi.New(oauth2.NewClient(ctx, src), spotifyapi.WithRetry(true))
}

// CurrentUser fetches the authenticated user's profile.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	user, err := c.api(ctx, accessToken).CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting current user: %w", err)
	}
	return convertProfile(user), nil
}

// TopArtists fetches the user's current top artists.
func (c *Client) TopArtists(ctx context.Context, accessToken string, limit int) ([]Artist, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	page, err := c.api(ctx, accessToken).CurrentUsersTopArtists(ctx, spotifyapi.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("getting top artists: %w", err)
	}

	artists := make([]Artist, 0, len(page.Artists))
	for _, a := range page.Artists {
		artist := convertArtist(a)
		c.cacheArtistImage(artist.Name, artist.ImageURL)
		artists = append(artists, artist)
	}
	return artists, nil
}

// TopTracks fetches the user's current top tracks in rank order.
func (c *Client) TopTracks(ctx context.Context, accessToken string, limit int) ([]Track, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	page, err := c.api(ctx, accessToken).CurrentUsersTopTracks(ctx, spotifyapi.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("getting top tracks: %w", err)
	}

	tracks := make([]Track, 0, len(page.Tracks))
	for _, t := range page.Tracks {
		tracks = append(tracks, convertFullTrack(t))
	}
	return tracks, nil
}

// TracksBatch fetches metadata for the given track IDs, deduplicated and
// chunked to the provider's batch limit. Unknown IDs are silently absent
// from the result.
func (c *Client) TracksBatch(ctx context.Context, accessToken string, ids []string) ([]Track, error) {
	distinct := dedupe(ids)
	if len(distinct) == 0 {
		return nil, nil
	}

	api := c.api(ctx, accessToken)
	var tracks []Track
	for _, chunk := range chunkIDs(distinct, maxTracksPerRequest) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		batch := make([]spotifyapi.ID, len(chunk))
		for i, id := range chunk {
			batch[i] = spotifyapi.ID(id)
		}

		full, err := api.GetTracks(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("getting tracks batch: %w", err)
		}
		for _, ft := range full {
			if ft == nil {
				continue
			}
			tracks = append(tracks, convertFullTrack(*ft))
		}
	}
	return tracks, nil
}

// dedupe returns the distinct non-empty IDs in first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// chunkIDs splits ids into slices of at most size.
func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
