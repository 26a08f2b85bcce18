// Package config loads server configuration from a TOML file with
// environment-variable overrides. Every tunable has a default, so the server
// starts with nothing but credentials and a database URL in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"golang.org/x/oauth2"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Spotify  SpotifyConfig  `toml:"spotify"`
	Stats    StatsConfig    `toml:"stats"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseConfig contains the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// SpotifyConfig contains provider credentials and endpoints.
type SpotifyConfig struct {
	ClientID    string `toml:"client_id"`
	RedirectURI string `toml:"redirect_uri"`
	AuthURL     string `toml:"auth_url"`
	TokenURL    string `toml:"token_url"`
	// RateLimit is requests per second against the provider API.
	RateLimit float64 `toml:"rate_limit"`
}

// StatsConfig contains playback classification settings.
type StatsConfig struct {
	// DefaultSkipThresholdMs seeds new users' settings rows.
	DefaultSkipThresholdMs int `toml:"default_skip_threshold_ms"`
}

// Default returns a Config with every tunable set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Spotify: SpotifyConfig{
			RedirectURI: "http://localhost:8080/callback",
			AuthURL:     "https://accounts.spotify.com/authorize",
			TokenURL:    "https://accounts.spotify.com/api/token",
			RateLimit:   10,
		},
		Stats: StatsConfig{DefaultSkipThresholdMs: 30000},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is empty and no config.toml exists, the file step is skipped), then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	optional := false
	if path == "" {
		path = "config.toml"
		optional = true
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "RIFFLE_ADDR")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Spotify.ClientID, "SPOTIFY_ID")
	setString(&c.Spotify.RedirectURI, "SPOTIFY_REDIRECT_URI")
	setString(&c.Spotify.AuthURL, "SPOTIFY_AUTH_URL")
	setString(&c.Spotify.TokenURL, "SPOTIFY_TOKEN_URL")
	setInt(&c.Stats.DefaultSkipThresholdMs, "RIFFLE_SKIP_THRESHOLD_MS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate reports the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database url is required (set DATABASE_URL)")
	}
	if c.Spotify.ClientID == "" {
		return errors.New("spotify client id is required (set SPOTIFY_ID)")
	}
	return nil
}

// OAuth builds the oauth2 configuration for the token endpoints.
func (c *Config) OAuth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.Spotify.ClientID,
		RedirectURL: c.Spotify.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.Spotify.AuthURL,
			TokenURL: c.Spotify.TokenURL,
		},
		Scopes: []string{"user-read-private", "user-top-read", "user-read-recently-played"},
	}
}
