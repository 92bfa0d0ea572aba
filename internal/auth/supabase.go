package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	stdtime "time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

// SupabaseAudience is the aud claim on end-user access tokens.
const SupabaseAudience = "authenticated"

// SupabaseConfig configures a SupabaseProvider.
type SupabaseConfig struct {
	URL        string
	AnonKey    string
	JWTSecret  string // when set, tokens are verified with HS256
	Timeout    stdtime.Duration
	HTTPClient *http.Client
}

// SupabaseProvider delegates accounts to Supabase Auth (GoTrue) and verifies
// access tokens locally.
type SupabaseProvider struct {
	cfg      SupabaseConfig
	issuer   string
	verifier *oidc.IDTokenVerifier
	clock    Clock
}

// NewSupabaseProvider creates a SupabaseProvider. Without a JWT secret the
// project's JWKS is fetched lazily through ctx's HTTP client.
func NewSupabaseProvider(ctx context.Context, cfg SupabaseConfig) *SupabaseProvider {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	p := &SupabaseProvider{
		cfg:    cfg,
		issuer: cfg.URL + "/auth/v1",
		clock:  realClock{},
	}
	if cfg.JWTSecret == "" {
		keyCtx := oidc.ClientContext(ctx, cfg.HTTPClient)
		keySet := oidc.NewRemoteKeySet(keyCtx, p.issuer+"/.well-known/jwks.json")
		p.verifier = oidc.NewVerifier(p.issuer, keySet, &oidc.Config{
			ClientID:             SupabaseAudience,
			SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
			Now:                  func() stdtime.Time { return p.clock.Now() },
		})
	}
	return p
}

// SetClock replaces the clock used by the provider. Intended for testing.
func (p *SupabaseProvider) SetClock(c Clock) {
	p.clock = c
}

func (p *SupabaseProvider) Name() string { return "supabase" }

type gotrueUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type gotrueSession struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresIn   int64      `json:"expires_in"`
	ExpiresAt   int64      `json:"expires_at"`
	User        gotrueUser `json:"user"`
}

// gotrueSignup covers both reply shapes: a bare user when email confirmation
// is on, a session with nested user when it is off.
type gotrueSignup struct {
	gotrueUser
	User *gotrueUser `json:"user"`
}

type gotrueRequest struct {
	Method string
	Path   string
	Body   any
	Bearer string
}

// gotrueCall is the upstream adapter for one GoTrue endpoint.
type gotrueCall[Res any] struct {
	name    string
	baseURL string
	anonKey string
	onError func(status int, perr *upstream.ProviderError) error
}

func (g gotrueCall[Res]) Name() string { return "supabase." + g.name }

func (g gotrueCall[Res]) BuildRequest(ctx context.Context, r gotrueRequest) (*http.Request, error) {
	req, err := upstream.NewJSONRequest(ctx, r.Method, g.baseURL+r.Path, r.Body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", g.anonKey)
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	return req, nil
}

func (g gotrueCall[Res]) ParseSuccess(resp *http.Response) (Res, error) {
	var out Res
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read %s response: %w", g.name, err)
	}
	if len(body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", g.name, err)
	}
	return out, nil
}

func (g gotrueCall[Res]) ParseError(resp *http.Response) error {
	perr := upstream.ReadProviderError(resp)
	if g.onError != nil {
		if err := g.onError(resp.StatusCode, perr); err != nil {
			return err
		}
	}
	return errs.Upstream(resp.StatusCode, perr.Message, perr)
}

func (p *SupabaseProvider) Login(ctx context.Context, email, password string) (*Session, *Identity, error) {
	if err := ValidateLogin(email, password); err != nil {
		return nil, nil, err
	}
	call := gotrueCall[gotrueSession]{
		name:    "login",
		baseURL: p.cfg.URL,
		anonKey: p.cfg.AnonKey,
		onError: func(status int, perr *upstream.ProviderError) error {
			if status == http.StatusBadRequest || status == http.StatusUnauthorized {
				return errInvalidCredentials(perr)
			}
			return nil
		},
	}
	sess, err := upstream.Do(ctx, p.cfg.HTTPClient, call, gotrueRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/token?grant_type=password",
		Body:   map[string]string{"email": strings.TrimSpace(email), "password": password},
	}, p.cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}
	if sess.AccessToken == "" || sess.User.ID == "" {
		return nil, nil, errs.New(errs.UpstreamUnavailable, "upstream service unavailable")
	}

	now := p.clock.Now()
	expires := now.Add(stdtime.Duration(sess.ExpiresIn) * stdtime.Second)
	if sess.ExpiresAt > 0 {
		expires = stdtime.Unix(sess.ExpiresAt, 0)
	}
	identity := &Identity{SubjectID: sess.User.ID, Email: sess.User.Email, Role: roleOrDefault(sess.User.Role)}
	return &Session{SubjectID: sess.User.ID, Token: sess.AccessToken, IssuedAt: now, ExpiresAt: expires}, identity, nil
}

func (p *SupabaseProvider) Signup(ctx context.Context, email, password string) (*Identity, error) {
	if err := ValidateSignup(email, password); err != nil {
		return nil, err
	}
	call := gotrueCall[gotrueSignup]{
		name:    "signup",
		baseURL: p.cfg.URL,
		anonKey: p.cfg.AnonKey,
		onError: func(status int, perr *upstream.ProviderError) error {
			msg := strings.ToLower(perr.Message)
			if (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) &&
				(strings.Contains(msg, "already registered") || strings.Contains(msg, "already exists")) {
				return errAccountExists(perr)
			}
			return nil
		},
	}
	out, err := upstream.Do(ctx, p.cfg.HTTPClient, call, gotrueRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/signup",
		Body:   map[string]string{"email": strings.TrimSpace(email), "password": password},
	}, p.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	user := out.gotrueUser
	if out.User != nil {
		user = *out.User
	}
	if user.ID == "" {
		return nil, errs.New(errs.UpstreamUnavailable, "upstream service unavailable")
	}
	return &Identity{SubjectID: user.ID, Email: user.Email, Role: roleOrDefault(user.Role)}, nil
}

// Logout revokes the session upstream.
func (p *SupabaseProvider) Logout(ctx context.Context, token string) error {
	call := gotrueCall[json.RawMessage]{name: "logout", baseURL: p.cfg.URL, anonKey: p.cfg.AnonKey}
	_, err := upstream.Do(ctx, p.cfg.HTTPClient, call, gotrueRequest{
		Method: http.MethodPost,
		Path:   "/auth/v1/logout",
		Bearer: token,
	}, p.cfg.Timeout)
	return err
}

type supabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Introspect verifies token signature, expiry and audience locally.
func (p *SupabaseProvider) Introspect(ctx context.Context, token string) (*Identity, error) {
	if p.verifier != nil {
		idToken, err := p.verifier.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		var claims struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, err
		}
		return &Identity{SubjectID: idToken.Subject, Email: claims.Email, Role: roleOrDefault(claims.Role)}, nil
	}

	claims := &supabaseClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(p.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(SupabaseAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	return &Identity{SubjectID: claims.Subject, Email: claims.Email, Role: roleOrDefault(claims.Role)}, nil
}

// Supabase puts "authenticated" in role; callers see the relay's role names.
func roleOrDefault(role string) string {
	if role == "" || role == SupabaseAudience {
		return DefaultRole
	}
	return role
}
