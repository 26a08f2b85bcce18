package spotify

import (
	spotifyapi "github.com/zmb3/spotify/v2"

	"github.com/riffleapp/riffle/internal/stats"
)

// Profile is the provider user profile.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Artist is a provider artist with its primary image.
type Artist struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// Track is provider track metadata in the shape Riffle stores.
type Track struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ArtistList    []string `json:"artists"`
	ArtistNames   string   `json:"artistNames"`
	AlbumImageURL string   `json:"albumImageUrl"`
}

func convertProfile(user *spotifyapi.PrivateUser) *Profile {
	p := &Profile{
		ID:          user.ID,
		DisplayName: user.DisplayName,
	}
	if len(user.Images) > 0 {
		p.ImageURL = user.Images[0].URL
	}
	return p
}

func convertArtist(artist spotifyapi.FullArtist) Artist {
	a := Artist{
		Name:     artist.Name,
		ImageURL: stats.PlaceholderArtistImage,
	}
	if len(artist.Images) > 0 && artist.Images[0].URL != "" {
		a.ImageURL = artist.Images[0].URL
	}
	return a
}

func convertFullTrack(ft spotifyapi.FullTrack) Track {
	names := make([]string, len(ft.Artists))
	for i, a := range ft.Artists {
		names[i] = a.Name
	}

	track := Track{
		ID:            ft.ID.String(),
		Name:          ft.Name,
		ArtistList:    names,
		ArtistNames:   stats.JoinArtistNames(names),
		AlbumImageURL: stats.PlaceholderAlbumImage,
	}
	if len(ft.Album.Images) > 0 && ft.Album.Images[0].URL != "" {
		track.AlbumImageURL = ft.Album.Images[0].URL
	}
	return track
}
