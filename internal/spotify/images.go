package spotify

import (
	"context"

	spotifyapi "github.com/zmb3/spotify/v2"

	"github.com/riffleapp/riffle/internal/stats"
)

// ResolveArtistImage looks up the artist's image by name. It is strictly
// best-effort: a missing token, network failure, or empty result yields the
// placeholder URL. It never returns an error so image resolution can never
// block or fail the interaction-counting path. Successful lookups are cached.
func (c *Client) ResolveArtistImage(ctx context.Context, accessToken, artistName string) string {
	if accessToken == "" || artistName == "" || artistName == stats.UnknownArtist {
		return stats.PlaceholderArtistImage
	}

	c.imageMu.RLock()
	cached, ok := c.imageCache[artistName]
	c.imageMu.RUnlock()
	if ok {
		return cached
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return stats.PlaceholderArtistImage
	}

	result, err := c.api(ctx, accessToken).Search(ctx, artistName, spotifyapi.SearchTypeArtist, spotifyapi.Limit(1))
	if err != nil {
		c.log.Debug("artist image lookup failed", "artist", artistName, "err", err)
		return stats.PlaceholderArtistImage
	}
	if result.Artists == nil || len(result.Artists.Artists) == 0 {
		return stats.PlaceholderArtistImage
	}

	images := result.Artists.Artists[0].Images
	if len(images) == 0 || images[0].URL == "" {
		return stats.PlaceholderArtistImage
	}

	url := images[0].URL
	c.imageMu.Lock()
	c.imageCache[artistName] = url
	c.imageMu.Unlock()
	return url
}

// cacheArtistImage seeds the image cache, used when top-artist fetches
// already carry images so later lookups skip the search call.
func (c *Client) cacheArtistImage(name, url string) {
	if name == "" || url == "" || url == stats.PlaceholderArtistImage {
		return
	}
	c.imageMu.Lock()
	c.imageCache[name] = url
	c.imageMu.Unlock()
}
