package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/config"
	"github.com/kuitang/extension-relay/internal/credstore"
	"github.com/kuitang/extension-relay/internal/relay"
	"github.com/kuitang/extension-relay/internal/testdb"
)

func memoryCreds() *credstore.Store {
	return credstore.New(credstore.NewMemoryStore())
}

func newClient(t *testing.T, handler http.Handler) (*Client, *credstore.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := memoryCreds()
	c, err := New(creds, Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, creds
}

func TestNew_FailsClosedWithoutBaseURL(t *testing.T) {
	t.Parallel()
	_, err := New(memoryCreds(), Options{})
	require.ErrorIs(t, err, ErrNoBaseURL)

	for _, bad := range []string{"relay.example.com", "ftp://relay.example.com", "https://"} {
		_, err := New(memoryCreds(), Options{BaseURL: bad})
		assert.Error(t, err, bad)
	}
}

func TestNew_UsesStoredBackendURL(t *testing.T) {
	t.Parallel()
	creds := memoryCreds()
	require.NoError(t, creds.Set(credstore.KeyBackendURL, "https://relay.example.com/"))
	c, err := New(creds, Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", c.BaseURL())

	c, err = New(creds, Options{BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.BaseURL())
}

func TestUnauthorizedClearsToken(t *testing.T) {
	t.Parallel()
	var gotAuth atomic.Value
	c, creds := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Authentication required","code":"unauthenticated"}`))
	}))
	require.NoError(t, creds.SetToken("stale-token"))

	_, err := c.SubscriptionStatus(t.Context())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, "Bearer stale-token", gotAuth.Load())
	assert.False(t, creds.IsAuthenticated())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "unauthenticated", apiErr.Code)
	assert.Equal(t, "Authentication required", apiErr.Message)
}

func TestProviderUnauthorizedKeepsToken(t *testing.T) {
	t.Parallel()
	bodies := []string{
		`{"error":"invalid x-api-key","code":"unauthenticated"}`,
		`{"error":"Authentication required","code":"upstream_unavailable"}`,
		`not json`,
	}
	for _, body := range bodies {
		c, creds := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(body))
		}))
		require.NoError(t, creds.SetToken("own-key-user"))

		_, err := c.SubscriptionStatus(t.Context())
		require.Error(t, err)
		assert.True(t, IsUnauthorized(err), body)
		assert.True(t, creds.IsAuthenticated(), body)
	}
}

func testNonUnauthorizedErrorsKeepToken(t *rapid.T) {
	status := rapid.SampledFrom([]int{400, 403, 404, 409, 429, 500, 503}).Draw(t, "status")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	creds := memoryCreds()
	if err := creds.SetToken("keep-me"); err != nil {
		t.Fatal(err)
	}
	c, err := New(creds, Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Profile(t.Context())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != status {
		t.Fatalf("expected APIError with status %d, got %v", status, err)
	}
	if apiErr.Message != http.StatusText(status) {
		t.Fatalf("non-JSON body should fall back to status text, got %q", apiErr.Message)
	}
	if !creds.IsAuthenticated() {
		t.Fatalf("status %d cleared the token", status)
	}
}

func TestNonUnauthorizedErrorsKeepToken(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testNonUnauthorizedErrorsKeepToken)
}

func TestPostHogConfig_FallsBackToCache(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	c, creds := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "posthog", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"key":"phc_live","host":"https://eu.i.posthog.com"}`))
	}))

	cfg, err := c.PostHogConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "phc_live", cfg.Key)

	cached, ok, err := creds.Get(credstore.KeyPostHogConfig)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"key":"phc_live","host":"https://eu.i.posthog.com"}`, cached)

	healthy.Store(false)
	cfg, err = c.PostHogConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "phc_live", cfg.Key)
	assert.Equal(t, "https://eu.i.posthog.com", cfg.Host)
}

func TestPostHogConfig_NoCacheReturnsFetchError(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"PostHog configuration incomplete","code":"internal"}`))
	}))
	_, err := c.PostHogConfig(t.Context())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "PostHog configuration incomplete", apiErr.Message)
}

func TestAnalyze_UsesCachedSystemPrompt(t *testing.T) {
	t.Parallel()
	var got map[string]string
	c, creds := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"msg_1","content":[]}`))
	}))
	require.NoError(t, creds.Set(credstore.KeySystemPrompt, "cached prompt"))

	out, err := c.Analyze(t.Context(), "hello", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"msg_1","content":[]}`, string(out))
	assert.Equal(t, map[string]string{"text": "hello", "systemPrompt": "cached prompt"}, got)
}

// newRelay starts a real relay with local identity and no upstreams.
func newRelay(t *testing.T) string {
	t.Helper()
	store := testdb.MustStore(t)
	provider := auth.NewLocalProvider(store, strings.Repeat("k", 32), "extension-relay", time.Hour)
	provider.SetHasher(auth.PlaintextHasher{})
	srv := httptest.NewServer(relay.New(relay.Deps{
		Config: &config.Config{Version: "test", PostHogAPIKey: "phc_e2e", PostHogHost: "https://us.i.posthog.com"},
		Gate:   auth.NewGate(provider),
		Store:  store,
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestAgainstRelay_SessionAndSettings(t *testing.T) {
	t.Parallel()
	creds := memoryCreds()
	require.NoError(t, creds.Set(credstore.KeyBackendURL, newRelay(t)))
	c, err := New(creds, Options{})
	require.NoError(t, err)

	health, err := c.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	_, err = c.Signup(t.Context(), "cli@example.com", "correct-horse")
	require.NoError(t, err)
	login, err := c.Login(t.Context(), "cli@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "cli@example.com", login.User.Email)
	assert.True(t, creds.IsAuthenticated())

	view, err := c.Settings(t.Context())
	require.NoError(t, err)
	assert.Nil(t, view.SystemPrompt)

	prompt := "answer in haiku"
	view, err = c.SaveSettings(t.Context(), SettingsUpdate{SystemPrompt: &prompt})
	require.NoError(t, err)
	require.NotNil(t, view.SystemPrompt)
	cached, ok, err := creds.Get(credstore.KeySystemPrompt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prompt, cached)

	cfg, err := c.PostHogConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "phc_e2e", cfg.Key)

	track, err := c.Track(t.Context(), "User_Login", map[string]any{"plan": "trial"}, "")
	require.NoError(t, err)
	assert.True(t, track.Success)

	require.NoError(t, c.Logout(t.Context()))
	assert.False(t, creds.IsAuthenticated())

	_, err = c.Profile(t.Context())
	assert.True(t, IsUnauthorized(err))
}

func TestAgainstRelay_RevokedTokenIsCleared(t *testing.T) {
	t.Parallel()
	base := newRelay(t)
	creds := memoryCreds()
	c, err := New(creds, Options{BaseURL: base})
	require.NoError(t, err)
	_, err = c.Signup(t.Context(), "twice@example.com", "correct-horse")
	require.NoError(t, err)
	_, err = c.Login(t.Context(), "twice@example.com", "correct-horse")
	require.NoError(t, err)
	token, _ := creds.Token()

	// Revoke from a second client sharing nothing but the token.
	other := memoryCreds()
	require.NoError(t, other.SetToken(token))
	oc, err := New(other, Options{BaseURL: base})
	require.NoError(t, err)
	require.NoError(t, oc.Logout(t.Context()))

	_, err = c.SubscriptionStatus(t.Context())
	assert.True(t, IsUnauthorized(err))
	assert.False(t, creds.IsAuthenticated())
}
