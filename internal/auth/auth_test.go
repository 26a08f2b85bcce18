package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/riffleapp/riffle/internal/clientstate"
	"github.com/riffleapp/riffle/internal/pkce"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	userID string
	err    error

	lastAccess  string
	lastRefresh string
}

func (b *fakeBackend) StoreToken(_ context.Context, accessToken, refreshToken string, _ int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastAccess = accessToken
	b.lastRefresh = refreshToken
	return b.userID, b.err
}

func newTestStore(t *testing.T) *clientstate.Store {
	t.Helper()
	store, err := clientstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return store
}

// tokenServer serves the OAuth2 token endpoint and records each form it saw.
func tokenServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *oauth2.Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &oauth2.Config{
		ClientID:    "riffle-client",
		RedirectURL: "http://localhost/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/authorize",
			TokenURL: srv.URL + "/api/token",
		},
		Scopes: []string{"user-top-read"},
	}
	return srv, cfg
}

func grantTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func TestExchange_Success(t *testing.T) {
	store := newTestStore(t)
	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
	if err != nil {
		t.Fatalf("generating verifier: %v", err)
	}
	if err := pkce.Stash(store, verifier); err != nil {
		t.Fatalf("stashing verifier: %v", err)
	}

	var gotGrant, gotCode, gotVerifier string
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token form: %v", err)
		}
		gotGrant = r.FormValue("grant_type")
		gotCode = r.FormValue("code")
		gotVerifier = r.FormValue("code_verifier")
		grantTokens(w, "access-1", "refresh-1")
	})

	backend := &fakeBackend{userID: "user-42"}
	svc := New(cfg, store, backend)

	userID, err := svc.Exchange(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if userID != "user-42" {
		t.Errorf("Exchange() user = %q, want user-42", userID)
	}
	if gotGrant != "authorization_code" || gotCode != "auth-code" {
		t.Errorf("token request grant=%q code=%q", gotGrant, gotCode)
	}
	if gotVerifier != verifier {
		t.Errorf("code_verifier = %q, want the stashed verifier", gotVerifier)
	}
	if backend.calls != 1 || backend.lastAccess != "access-1" {
		t.Errorf("backend saw %d calls, access %q", backend.calls, backend.lastAccess)
	}
	if svc.State() != StateAuthenticated {
		t.Errorf("state = %q, want authenticated", svc.State())
	}
	if got, _ := store.Get(clientstate.KeyAccessToken); got != "access-1" {
		t.Errorf("persisted access token = %q", got)
	}
	if got, _ := store.Get(clientstate.KeyUserID); got != "user-42" {
		t.Errorf("persisted user id = %q", got)
	}
	// The verifier is single-use.
	if _, ok := store.Get(clientstate.KeyCodeVerifier); ok {
		t.Error("verifier still present after exchange")
	}
}

func TestExchange_NoVerifierFailsClosed(t *testing.T) {
	store := newTestStore(t)
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint reached without a verifier")
	})
	backend := &fakeBackend{userID: "user-42"}
	svc := New(cfg, store, backend)

	_, err := svc.Exchange(context.Background(), "auth-code")
	if !errors.Is(err, pkce.ErrNoVerifier) {
		t.Fatalf("Exchange() error = %v, want ErrNoVerifier", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Exchange() error type = %T, want *AuthError", err)
	}
	if backend.calls != 0 {
		t.Error("backend called despite failed exchange")
	}
	if svc.State() != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", svc.State())
	}
}

func TestExchange_ServerRejectionTearsDown(t *testing.T) {
	store := newTestStore(t)
	if err := pkce.Stash(store, "some-verifier-value-that-is-long-enough-0123456789"); err != nil {
		t.Fatalf("stashing verifier: %v", err)
	}
	// Leftover session state from an earlier login must not survive.
	if err := store.Set(clientstate.KeyAccessToken, "stale"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	backend := &fakeBackend{userID: "user-42"}
	svc := New(cfg, store, backend)

	_, err := svc.Exchange(context.Background(), "bad-code")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Exchange() error = %v, want *AuthError", err)
	}
	if backend.calls != 0 {
		t.Error("backend called despite rejected code")
	}
	if _, ok := store.Get(clientstate.KeyAccessToken); ok {
		t.Error("stale access token survived teardown")
	}
	if svc.State() != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", svc.State())
	}
}

func TestExchange_BackendFailureTearsDown(t *testing.T) {
	store := newTestStore(t)
	if err := pkce.Stash(store, "some-verifier-value-that-is-long-enough-0123456789"); err != nil {
		t.Fatalf("stashing verifier: %v", err)
	}
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		grantTokens(w, "access-1", "refresh-1")
	})
	backend := &fakeBackend{err: errors.New("backend down")}
	svc := New(cfg, store, backend)

	if _, err := svc.Exchange(context.Background(), "auth-code"); err == nil {
		t.Fatal("Exchange() succeeded despite backend failure")
	}
	if _, ok := store.Get(clientstate.KeyAccessToken); ok {
		t.Error("access token survived backend failure")
	}
	if svc.State() != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", svc.State())
	}
}

func TestRefresh_CoalescesConcurrentCallers(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set(clientstate.KeyAccessToken, "old-access"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	if err := store.Set(clientstate.KeyRefreshToken, "refresh-1"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	var hits atomic.Int32
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		grantTokens(w, "new-access", "")
	})
	svc := New(cfg, store, &fakeBackend{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Refresh()[%d] error = %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
	if got, _ := store.Get(clientstate.KeyAccessToken); got != "new-access" {
		t.Errorf("access token after refresh = %q", got)
	}
	// The server omitted a rotated refresh token; the old one is kept.
	if got, _ := store.Get(clientstate.KeyRefreshToken); got != "refresh-1" {
		t.Errorf("refresh token after refresh = %q, want refresh-1", got)
	}
}

func TestRefresh_FailureClearsSession(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set(clientstate.KeyAccessToken, "old-access"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	if err := store.Set(clientstate.KeyRefreshToken, "revoked"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	svc := New(cfg, store, &fakeBackend{})

	err := svc.Refresh(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Refresh() error = %v, want *AuthError", err)
	}
	for _, key := range []string{clientstate.KeyAccessToken, clientstate.KeyRefreshToken, clientstate.KeyUserID} {
		if _, ok := store.Get(key); ok {
			t.Errorf("key %q survived failed refresh", key)
		}
	}
	if svc.State() != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", svc.State())
	}
}

func TestRefresh_WithoutRefreshToken(t *testing.T) {
	store := newTestStore(t)
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint reached without a refresh token")
	})
	svc := New(cfg, store, &fakeBackend{})

	if err := svc.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Refresh() error = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthURL_CarriesChallenge(t *testing.T) {
	store := newTestStore(t)
	_, cfg := tokenServer(t, nil)
	svc := New(cfg, store, &fakeBackend{})

	url, err := svc.AuthURL("xyz")
	if err != nil {
		t.Fatalf("AuthURL() error = %v", err)
	}

	verifier, ok := store.Get(clientstate.KeyCodeVerifier)
	if !ok {
		t.Fatal("no verifier stashed")
	}
	wantChallenge := pkce.ChallengeFromVerifier(verifier)
	for _, fragment := range []string{
		"code_challenge=" + wantChallenge,
		"code_challenge_method=S256",
		"state=xyz",
	} {
		if !strings.Contains(url, fragment) {
			t.Errorf("auth URL missing %q: %s", fragment, url)
		}
	}
}

func TestNew_RestoresAuthenticatedState(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set(clientstate.KeyAccessToken, "persisted"); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	_, cfg := tokenServer(t, nil)

	svc := New(cfg, store, &fakeBackend{})
	if svc.State() != StateAuthenticated {
		t.Errorf("state after restart = %q, want authenticated", svc.State())
	}
	tok, err := svc.Token()
	if err != nil || tok != "persisted" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
}
