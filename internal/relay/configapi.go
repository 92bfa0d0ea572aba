package relay

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/samber/lo"

	"github.com/kuitang/extension-relay/internal/errs"
)

// StripeSummary is the default /api/config?type=stripe answer.
type StripeSummary struct {
	PublishableKey   *string `json:"publishableKey"`
	PriceID          *string `json:"priceId"`
	HasSecretKey     bool    `json:"hasSecretKey"`
	HasWebhookSecret bool    `json:"hasWebhookSecret"`
}

// SupabaseSummary is the default /api/config?type=supabase answer.
type SupabaseSummary struct {
	URL           *string `json:"url"`
	HasAnonKey    bool    `json:"hasAnonKey"`
	HasServiceKey bool    `json:"hasServiceKey"`
}

// CheckEnvResponse is returned by /api/debug/check-env.
type CheckEnvResponse struct {
	Variables           map[string]string `json:"variables"`
	MissingVariables    []string          `json:"missingVariables"`
	AllVariablesPresent bool              `json:"allVariablesPresent"`
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notConfigured(what string) error {
	return errs.New(errs.Internal, what+" not configured")
}

// handleConfig serves client configuration. Publishable values are public;
// secret-bearing variants answer only trusted callers.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := s.configValue(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) configValue(r *http.Request) (any, error) {
	cfg := s.deps.Config
	q := r.URL.Query()
	trusted := func() error {
		if !s.isTrustedCaller(r) {
			return errs.New(errs.PermissionDenied, "Forbidden")
		}
		return nil
	}

	switch kind := q.Get("type"); kind {
	case "":
		return nil, errs.New(errs.InvalidArgument, "Configuration type is required")

	case "posthog":
		if cfg.PostHogAPIKey == "" || cfg.PostHogHost == "" {
			return nil, errs.New(errs.Internal, "PostHog configuration incomplete")
		}
		return map[string]string{"key": cfg.PostHogAPIKey, "host": cfg.PostHogHost}, nil

	case "stripe":
		switch q.Get("field") {
		case "publishable-key":
			if cfg.StripePublishableKey == "" {
				return nil, notConfigured("Stripe publishable key")
			}
			return map[string]string{"key": cfg.StripePublishableKey}, nil
		case "price-id":
			if cfg.StripeProPriceID == "" {
				return nil, notConfigured("Stripe price ID")
			}
			return map[string]string{"priceId": cfg.StripeProPriceID}, nil
		case "secret-key":
			if err := trusted(); err != nil {
				return nil, err
			}
			if cfg.StripeSecretKey == "" {
				return nil, notConfigured("Stripe secret key")
			}
			return map[string]string{"key": cfg.StripeSecretKey}, nil
		case "webhook-secret":
			if err := trusted(); err != nil {
				return nil, err
			}
			if cfg.StripeWebhookSecret == "" {
				return nil, notConfigured("Stripe webhook secret")
			}
			return map[string]string{"secret": cfg.StripeWebhookSecret}, nil
		default:
			return StripeSummary{
				PublishableKey:   nonEmpty(cfg.StripePublishableKey),
				PriceID:          nonEmpty(cfg.StripeProPriceID),
				HasSecretKey:     cfg.StripeSecretKey != "",
				HasWebhookSecret: cfg.StripeWebhookSecret != "",
			}, nil
		}

	case "supabase":
		switch q.Get("subfield") {
		case "url":
			if cfg.SupabaseURL == "" {
				return nil, notConfigured("Supabase URL")
			}
			return map[string]string{"url": cfg.SupabaseURL}, nil
		case "key":
			if cfg.SupabaseAnonKey == "" {
				return nil, notConfigured("Supabase anon key")
			}
			return map[string]string{"key": cfg.SupabaseAnonKey}, nil
		default:
			return SupabaseSummary{
				URL:           nonEmpty(cfg.SupabaseURL),
				HasAnonKey:    cfg.SupabaseAnonKey != "",
				HasServiceKey: cfg.SupabaseServiceKey != "",
			}, nil
		}

	case "anthropic":
		if err := trusted(); err != nil {
			return nil, err
		}
		if cfg.AnthropicAPIKey == "" {
			return nil, notConfigured("Anthropic API key")
		}
		return map[string]string{"key": cfg.AnthropicAPIKey}, nil

	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("Unknown configuration type: %s", kind))
	}
}

// handleCheckEnv reports which provider variables are set, never their values.
func (s *Server) handleCheckEnv(w http.ResponseWriter, r *http.Request) {
	presence := s.deps.Config.EnvPresence()
	variables := lo.MapValues(presence, func(present bool, _ string) string {
		if present {
			return "✓"
		}
		return "✗"
	})
	missing := lo.Keys(lo.OmitBy(presence, func(_ string, present bool) bool { return present }))
	slices.Sort(missing)
	writeJSON(w, http.StatusOK, CheckEnvResponse{
		Variables:           variables,
		MissingVariables:    missing,
		AllVariablesPresent: len(missing) == 0,
	})
}
