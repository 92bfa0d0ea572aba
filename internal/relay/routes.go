package relay

import "net/http"

// routeTable is the relay's static routing: route → (upstream, auth mode,
// degraded policy, handler). Aliases share handlers.
func (s *Server) routeTable() []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/api/healthcheck", Upstream: UpstreamNone, Auth: AuthNone,
			Description: "Check if the server is running", handler: s.handleHealthcheck},

		{Method: http.MethodPost, Path: "/api/anthropic/analyze", Upstream: UpstreamCompletion, Auth: AuthOptional, Degraded: true,
			Description: "Completion proxy", handler: s.handleAnalyze},

		{Method: http.MethodPost, Path: "/api/supabase/auth/login", Upstream: UpstreamIdentity, Auth: AuthNone,
			Description: "Sign in with email and password", handler: s.handleLogin},
		{Method: http.MethodPost, Path: "/api/auth/login", Upstream: UpstreamIdentity, Auth: AuthNone, handler: s.handleLogin},
		{Method: http.MethodPost, Path: "/api/supabase/auth/signup", Upstream: UpstreamIdentity, Auth: AuthNone,
			Description: "Create an account", handler: s.handleSignup},
		{Method: http.MethodPost, Path: "/api/auth/register", Upstream: UpstreamIdentity, Auth: AuthNone, handler: s.handleSignup},
		{Method: http.MethodPost, Path: "/api/supabase/auth/logout", Upstream: UpstreamIdentity, Auth: AuthRequired,
			Description: "Sign out and revoke the session", handler: s.handleLogout},
		{Method: http.MethodPost, Path: "/api/auth/logout", Upstream: UpstreamIdentity, Auth: AuthRequired, handler: s.handleLogout},

		{Method: http.MethodGet, Path: "/api/supabase/user-settings", Upstream: UpstreamIdentity, Auth: AuthRequired,
			Description: "Read saved prompts", handler: s.handleGetSettings},
		{Method: http.MethodPost, Path: "/api/supabase/user-settings", Upstream: UpstreamIdentity, Auth: AuthRequired,
			Description: "Save prompts", handler: s.handleSaveSettings},
		{Method: http.MethodGet, Path: "/api/user/settings", Upstream: UpstreamIdentity, Auth: AuthRequired, handler: s.handleGetSettings},
		{Method: http.MethodPost, Path: "/api/user/settings", Upstream: UpstreamIdentity, Auth: AuthRequired, handler: s.handleSaveSettings},
		{Method: http.MethodGet, Path: "/api/user/profile", Upstream: UpstreamIdentity, Auth: AuthRequired,
			Description: "Current user", handler: s.handleProfile},

		{Method: http.MethodGet, Path: "/api/subscriptions/status", Upstream: UpstreamBilling, Auth: AuthRequired,
			Description: "Subscription status", handler: s.handleSubscriptionStatus},
		{Method: http.MethodPost, Path: "/api/subscriptions/create-checkout", Upstream: UpstreamBilling, Auth: AuthRequired,
			Description: "Start a Pro checkout", handler: s.handleCreateCheckout},
		{Method: http.MethodPost, Path: "/api/subscriptions/cancel", Upstream: UpstreamBilling, Auth: AuthRequired,
			Description: "Cancel at period end", handler: s.handleCancel},
		{Method: http.MethodPost, Path: "/api/subscriptions/update-api-key", Upstream: UpstreamBilling, Auth: AuthRequired,
			Description: "Bring your own completion key", handler: s.handleUpdateAPIKey},
		{Method: http.MethodPost, Path: "/api/subscriptions/webhook", Upstream: UpstreamBilling, Auth: AuthSignature, Unlimited: true,
			handler: s.handleWebhook},
		{Method: http.MethodGet, Path: "/api/subscriptions/redirect", Upstream: UpstreamNone, Auth: AuthNone,
			handler: s.handleRedirect},

		{Method: http.MethodPost, Path: "/api/analytics/track", Upstream: UpstreamAnalytics, Auth: AuthOptional,
			Description: "Record a product event", handler: s.handleTrack},

		{Method: http.MethodGet, Path: "/api/config", Upstream: UpstreamNone, Auth: AuthNone,
			Description: "Public client configuration", handler: s.handleConfig},
		{Method: http.MethodGet, Path: "/api/debug/check-env", Upstream: UpstreamNone, Auth: AuthTrustedCaller,
			handler: s.handleCheckEnv},
	}
}
