// Package auth manages the client's token lifecycle: the PKCE authorization
// redirect, the code-for-token exchange, and proactive refresh ahead of
// expiry. Tokens live in the durable client store so a restart resumes an
// authenticated session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/riffleapp/riffle/internal/clientstate"
	"github.com/riffleapp/riffle/internal/pkce"
)

// State is the service's position in the token lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateExchanging      State = "exchanging"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
)

const (
	// refreshSkew refreshes this long before the recorded expiry.
	refreshSkew = 5 * time.Minute
	// checkInterval is how often Run re-examines the expiry.
	checkInterval = time.Minute
)

// ErrUnauthenticated is returned when an operation needs a session and none
// is held.
var ErrUnauthenticated = errors.New("not authenticated")

// AuthError wraps a failure in the exchange or refresh flows. Any AuthError
// leaves the service unauthenticated with local session state cleared.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Backend receives the exchanged token so the server can bootstrap the
// user's session and stats.
type Backend interface {
	StoreToken(ctx context.Context, accessToken, refreshToken string, expiresIn int) (userID string, err error)
}

// Service drives the token lifecycle against an OAuth2 authorization server.
type Service struct {
	cfg     *oauth2.Config
	store   *clientstate.Store
	backend Backend
	log     *log.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State

	refreshGroup singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. The initial state is derived from the store: a
// persisted access token means a previous session survives the restart.
func New(cfg *oauth2.Config, store *clientstate.Store, backend Backend, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		backend: backend,
		log:     log.New(io.Discard),
		now:     time.Now,
		state:   StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(s)
	}
	if tok, ok := store.Get(clientstate.KeyAccessToken); ok && tok != "" {
		s.state = StateAuthenticated
	}
	return s
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// AuthURL generates a fresh verifier, stashes it for the callback, and
// returns the authorization URL carrying the S256 challenge.
func (s *Service) AuthURL(state string) (string, error) {
	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
	if err != nil {
		return "", fmt.Errorf("generating verifier: %w", err)
	}
	if err := pkce.Stash(s.store, verifier); err != nil {
		return "", fmt.Errorf("stashing verifier: %w", err)
	}
	return s.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.ChallengeFromVerifier(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// Exchange trades the authorization code for tokens using the stashed
// verifier, persists them, and hands them to the backend. Every failure
// path tears the session down and returns an AuthError; in particular the
// backend is never called with a token that was not actually granted.
func (s *Service) Exchange(ctx context.Context, code string) (string, error) {
	s.setState(StateExchanging)

	verifier, err := pkce.Take(s.store)
	if err != nil {
		return "", s.failExchange(fmt.Errorf("reading verifier: %w", err))
	}

	tok, err := s.cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return "", s.failExchange(fmt.Errorf("exchanging code: %w", err))
	}
	if tok.AccessToken == "" {
		return "", s.failExchange(errors.New("token response missing access_token"))
	}

	if err := s.persistToken(tok); err != nil {
		return "", s.failExchange(err)
	}

	expiresIn := int(time.Until(tok.Expiry).Seconds())
	userID, err := s.backend.StoreToken(ctx, tok.AccessToken, tok.RefreshToken, expiresIn)
	if err != nil {
		return "", s.failExchange(fmt.Errorf("registering token: %w", err))
	}
	if err := s.store.Set(clientstate.KeyUserID, userID); err != nil {
		return "", s.failExchange(fmt.Errorf("persisting user id: %w", err))
	}

	s.setState(StateAuthenticated)
	s.log.Info("authenticated", "user", userID)
	return userID, nil
}

func (s *Service) failExchange(err error) error {
	s.teardown()
	s.log.Warn("exchange failed", "err", err)
	return &AuthError{Op: "exchange", Err: err}
}

// Refresh performs the refresh_token grant. Concurrent callers are coalesced
// into a single request; every caller observes the same outcome. Failure
// clears all local session state.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Service) refresh(ctx context.Context) error {
	refreshToken, ok := s.store.Get(clientstate.KeyRefreshToken)
	if !ok || refreshToken == "" {
		s.teardown()
		return &AuthError{Op: "refresh", Err: ErrUnauthenticated}
	}

	s.setState(StateRefreshing)

	src := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		s.teardown()
		s.log.Warn("refresh failed", "err", err)
		return &AuthError{Op: "refresh", Err: err}
	}

	// Some servers rotate the refresh token; keep the old one when the
	// response omits it.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if err := s.persistToken(tok); err != nil {
		s.teardown()
		return &AuthError{Op: "refresh", Err: err}
	}

	s.setState(StateAuthenticated)
	s.log.Debug("token refreshed", "expiry", tok.Expiry)
	return nil
}

// Run refreshes the token ahead of expiry until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.needsRefresh() {
				continue
			}
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("proactive refresh failed", "err", err)
			}
		}
	}
}

func (s *Service) needsRefresh() bool {
	if s.State() != StateAuthenticated {
		return false
	}
	raw, ok := s.store.Get(clientstate.KeyTokenExpiry)
	if !ok {
		return false
	}
	expiry, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return s.now().After(time.Unix(expiry, 0).Add(-refreshSkew))
}

// Token returns the current access token, or ErrUnauthenticated.
func (s *Service) Token() (string, error) {
	tok, ok := s.store.Get(clientstate.KeyAccessToken)
	if !ok || tok == "" {
		return "", ErrUnauthenticated
	}
	return tok, nil
}

func (s *Service) persistToken(tok *oauth2.Token) error {
	if err := s.store.Set(clientstate.KeyAccessToken, tok.AccessToken); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}
	if tok.RefreshToken != "" {
		if err := s.store.Set(clientstate.KeyRefreshToken, tok.RefreshToken); err != nil {
			return fmt.Errorf("persisting refresh token: %w", err)
		}
	}
	if !tok.Expiry.IsZero() {
		expiry := strconv.FormatInt(tok.Expiry.Unix(), 10)
		if err := s.store.Set(clientstate.KeyTokenExpiry, expiry); err != nil {
			return fmt.Errorf("persisting expiry: %w", err)
		}
	}
	return nil
}

// teardown clears every piece of local session state.
func (s *Service) teardown() {
	for _, key := range []string{
		clientstate.KeyAccessToken,
		clientstate.KeyRefreshToken,
		clientstate.KeyTokenExpiry,
		clientstate.KeyUserID,
		clientstate.KeyCodeVerifier,
	} {
		if err := s.store.Delete(key); err != nil {
			s.log.Warn("clearing session state", "key", key, "err", err)
		}
	}
	s.setState(StateUnauthenticated)
}
