// Package client is a Go client for the relay. It attaches the cached bearer
// token from a credstore.Store, clears it when the relay rejects the session, and
// caches client configuration so a relay outage does not disable analytics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/billing"
	"github.com/kuitang/extension-relay/internal/credstore"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
	"github.com/kuitang/extension-relay/internal/relay"
)

var log = obs.Pkg("client")

const defaultTimeout = 30 * time.Second

// ErrNoBaseURL is returned when neither the options nor the store name a relay.
var ErrNoBaseURL = errors.New("client: relay base URL is not configured")

// APIError is a non-2xx relay answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("relay: %d: %s", e.Status, e.Message)
}

// rejectsSession reports whether the relay itself refused the bearer token.
// A 401 relayed from a provider (an invalid own API key) carries its own
// message and leaves the session alone.
func (e *APIError) rejectsSession() bool {
	return e.Status == http.StatusUnauthorized &&
		e.Code == string(errs.Unauthenticated) &&
		e.Message == errs.GenericUnauthorized
}

// IsUnauthorized reports whether err is a 401 from the relay.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the backendUrl stored in the credential store.
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to one relay.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *credstore.Store
}

// New resolves the relay URL and returns a client. It never guesses a
// default URL.
func New(creds *credstore.Store, opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		stored, ok, err := creds.Get(credstore.KeyBackendURL)
		if err != nil {
			return nil, fmt.Errorf("client: read backend url: %w", err)
		}
		if ok {
			base = strings.TrimSpace(stored)
		}
	}
	if base == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: invalid relay base URL %q", base)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    httpClient,
		creds:   creds,
	}, nil
}

// BaseURL returns the resolved relay URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the backing credential store.
func (c *Client) Credentials() *credstore.Store { return c.creds }

// do sends one request. When out is a *json.RawMessage the body is kept as is.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.creds.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload relay.ErrorResponse
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		if apiErr.rejectsSession() {
			if err := c.creds.ClearToken(); err != nil {
				log.Warn("clear token after 401 failed", "error", err)
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if rawOut, ok := out.(*json.RawMessage); ok {
		*rawOut = append((*rawOut)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Health calls the healthcheck.
func (c *Client) Health(ctx context.Context) (*relay.HealthResponse, error) {
	var out relay.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/healthcheck", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup registers an account. It does not sign in.
func (c *Client) Signup(ctx context.Context, email, password string) (*relay.SignupResponse, error) {
	var out relay.SignupResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", credentials{email, password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login signs in and caches the returned token.
func (c *Client) Login(ctx context.Context, email, password string) (*relay.LoginResponse, error) {
	var out relay.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials{email, password}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, errors.New("client: login response carried no token")
	}
	if err := c.creds.SetToken(out.Token); err != nil {
		return nil, fmt.Errorf("client: store token: %w", err)
	}
	return &out, nil
}

// Logout revokes the session on the relay and always clears the local token.
func (c *Client) Logout(ctx context.Context) error {
	if !c.creds.IsAuthenticated() {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	if clearErr := c.creds.ClearToken(); clearErr != nil && err == nil {
		err = fmt.Errorf("client: clear token: %w", clearErr)
	}
	if IsUnauthorized(err) {
		return nil
	}
	return err
}

// Profile returns the signed-in identity.
func (c *Client) Profile(ctx context.Context) (*auth.Identity, error) {
	var out auth.Identity
	if err := c.do(ctx, http.MethodGet, "/api/user/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze requests one completion and returns the provider message verbatim.
// An empty systemPrompt falls back to the cached preference.
func (c *Client) Analyze(ctx context.Context, text, systemPrompt string) (json.RawMessage, error) {
	if systemPrompt == "" {
		if cached, ok, err := c.creds.Get(credstore.KeySystemPrompt); err == nil && ok {
			systemPrompt = cached
		}
	}
	in := map[string]string{"text": text}
	if systemPrompt != "" {
		in["systemPrompt"] = systemPrompt
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/anthropic/analyze", in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Settings fetches the stored prompts and refreshes the local cache. A user
// without settings gets a zero view.
func (c *Client) Settings(ctx context.Context) (*relay.SettingsView, error) {
	var out relay.SettingsView
	if err := c.do(ctx, http.MethodGet, "/api/user/settings", nil, &out); err != nil {
		return nil, err
	}
	c.cachePrompts(&out)
	return &out, nil
}

// SettingsUpdate is a partial settings write. Nil fields are left unchanged.
type SettingsUpdate struct {
	SystemPrompt        *string `json:"systemPrompt,omitempty"`
	ConnectSystemPrompt *string `json:"connectSystemPrompt,omitempty"`
}

// SaveSettings upserts the prompts and refreshes the local cache.
func (c *Client) SaveSettings(ctx context.Context, update SettingsUpdate) (*relay.SettingsView, error) {
	var out relay.SettingsView
	if err := c.do(ctx, http.MethodPost, "/api/user/settings", update, &out); err != nil {
		return nil, err
	}
	c.cachePrompts(&out)
	return &out, nil
}

func (c *Client) cachePrompts(view *relay.SettingsView) {
	for key, value := range map[string]*string{
		credstore.KeySystemPrompt:        view.SystemPrompt,
		credstore.KeyConnectSystemPrompt: view.ConnectSystemPrompt,
	} {
		if value == nil {
			continue
		}
		if err := c.creds.Set(key, *value); err != nil {
			log.Warn("cache setting failed", "key", key, "error", err)
		}
	}
}

// SubscriptionStatus returns the caller's plan.
func (c *Client) SubscriptionStatus(ctx context.Context) (*billing.StatusResponse, error) {
	var out billing.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/subscriptions/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checkout starts a hosted checkout. Empty URLs use the relay's redirect page.
func (c *Client) Checkout(ctx context.Context, successURL, cancelURL string) (*billing.CheckoutResponse, error) {
	in := map[string]string{}
	if successURL != "" {
		in["successUrl"] = successURL
	}
	if cancelURL != "" {
		in["cancelUrl"] = cancelURL
	}
	var out billing.CheckoutResponse
	if err := c.do(ctx, http.MethodPost, "/api/subscriptions/create-checkout", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSubscription schedules cancellation at period end.
func (c *Client) CancelSubscription(ctx context.Context) (*billing.CancelResponse, error) {
	var out billing.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/subscriptions/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAPIKey toggles the bring-your-own completion key.
func (c *Client) UpdateAPIKey(ctx context.Context, useOwn bool, apiKey string) (*billing.UpdateAPIKeyResponse, error) {
	in := billing.UpdateAPIKeyRequest{UseOwnAPIKey: useOwn, APIKey: apiKey}
	var out billing.UpdateAPIKeyResponse
	if err := c.do(ctx, http.MethodPost, "/api/subscriptions/update-api-key", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Track forwards one analytics event.
func (c *Client) Track(ctx context.Context, name string, properties map[string]any, distinctID string) (*relay.TrackResponse, error) {
	in := map[string]any{"eventName": name}
	if properties != nil {
		in["properties"] = properties
	}
	if distinctID != "" {
		in["distinctId"] = distinctID
	}
	var out relay.TrackResponse
	if err := c.do(ctx, http.MethodPost, "/api/analytics/track", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
