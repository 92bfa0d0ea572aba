// Package relay is the HTTP surface of the extension relay. A static route
// table maps each path to an upstream, an auth mode and a handler; the
// relay attaches server-held credentials through the upstream adapters and
// maps every failure onto the error taxonomy.
package relay

import (
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/analytics"
	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/billing"
	"github.com/kuitang/extension-relay/internal/config"
	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
	"github.com/kuitang/extension-relay/internal/ratelimit"
	"github.com/kuitang/extension-relay/internal/upstream/completion"
	"github.com/kuitang/extension-relay/internal/web"
)

// AuthMode is how a route authenticates its caller.
type AuthMode int

const (
	// AuthNone routes are public.
	AuthNone AuthMode = iota
	// AuthOptional routes attach an identity when a valid bearer is sent.
	AuthOptional
	// AuthRequired routes reject callers without a valid bearer.
	AuthRequired
	// AuthSignature routes are verified by the billing adapter.
	AuthSignature
	// AuthTrustedCaller routes only answer callers inside TRUSTED_CONFIG_NETWORKS.
	AuthTrustedCaller
)

func (m AuthMode) String() string {
	switch m {
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "bearer"
	case AuthSignature:
		return "signature"
	case AuthTrustedCaller:
		return "trusted_caller"
	default:
		return "none"
	}
}

// Upstream names used in the route table.
const (
	UpstreamNone       = "none"
	UpstreamCompletion = "completion"
	UpstreamIdentity   = "identity"
	UpstreamBilling    = "billing"
	UpstreamAnalytics  = "analytics"
)

// Route is one entry of the static route table.
type Route struct {
	Method   string
	Path     string
	Upstream string
	Auth     AuthMode
	// Degraded routes may answer with a mock payload when the upstream
	// has no credentials and degraded mode is enabled.
	Degraded    bool
	Description string
	// Unlimited routes skip the per-caller rate limiter.
	Unlimited bool

	handler http.HandlerFunc
}

// Pattern is the ServeMux pattern for the route.
func (rt Route) Pattern() string {
	return rt.Method + " " + rt.Path
}

// Deps are the collaborators the relay dispatches to.
type Deps struct {
	Config     *config.Config
	Gate       *auth.Gate
	Store      *db.Store
	Completion *completion.Service
	Billing    *billing.Service
	Analytics  *analytics.Sink
	// Limiter is optional; nil disables rate limiting.
	Limiter  *ratelimit.RateLimiter
	Renderer *web.Renderer
	Now      func() time.Time
}

// Server is the relay's http.Handler.
type Server struct {
	deps    Deps
	routes  []Route
	methods map[string][]string // path -> allowed methods
	pages   *web.StaticHandler
	authMW  *auth.Middleware
	handler http.Handler
}

// New builds the route table and the middleware chain.
func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Renderer == nil {
		deps.Renderer = web.MustRenderer()
	}
	s := &Server{
		deps:    deps,
		methods: make(map[string][]string),
		authMW:  auth.NewMiddleware(deps.Gate, writeError),
	}
	s.routes = s.routeTable()

	endpoints := make([]web.Endpoint, 0, len(s.routes))
	for _, rt := range s.routes {
		if rt.Description != "" {
			endpoints = append(endpoints, web.Endpoint{Method: rt.Method, Path: rt.Path, Description: rt.Description})
		}
	}
	s.pages = web.NewStaticHandler(deps.Renderer, deps.Config.Version, endpoints)

	mux := http.NewServeMux()
	for _, rt := range s.routes {
		s.methods[rt.Path] = append(s.methods[rt.Path], rt.Method)
		mux.Handle(rt.Pattern(), s.wrap(rt))
	}
	mux.HandleFunc("GET /{$}", s.pages.HandleIndex)
	mux.HandleFunc("/", s.handleUnmatched)

	s.handler = obs.RequestContextMiddleware(
		obs.AccessLogMiddleware("relay",
			corsMiddleware(deps.Config.AllowedOrigins, mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Routes returns a copy of the route table.
func (s *Server) Routes() []Route {
	out := make([]Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// wrap applies the route's auth mode and the rate limiter, in that order,
// so paid callers are recognized before their bucket is chosen.
func (s *Server) wrap(rt Route) http.Handler {
	var h http.Handler = rt.handler
	if s.deps.Limiter != nil && !rt.Unlimited {
		h = ratelimit.Middleware(s.deps.Limiter, s.caller, writeError)(h)
	}
	switch rt.Auth {
	case AuthRequired:
		h = s.authMW.RequireAuth(h)
	case AuthOptional:
		h = s.authMW.OptionalAuth(h)
	case AuthTrustedCaller:
		h = s.requireTrustedCaller(h)
	}
	pattern := rt.Pattern()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(obs.WithRoute(r.Context(), pattern)))
	})
}

func (s *Server) caller(r *http.Request) ratelimit.Caller {
	if identity := auth.IdentityFromContext(r.Context()); identity != nil {
		paid := s.deps.Billing != nil && s.deps.Billing.IsPaid(r.Context(), identity.SubjectID)
		return ratelimit.Caller{Key: ratelimit.IdentityKey(identity.SubjectID), IsPaid: paid}
	}
	return ratelimit.Caller{Key: ratelimit.ClientIPKey(r, s.deps.Config.TrustProxyHeaders)}
}

func (s *Server) requireTrustedCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isTrustedCaller(r) {
			writeError(w, r, errs.New(errs.PermissionDenied, "Forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isTrustedCaller reports whether the caller's address falls inside
// TRUSTED_CONFIG_NETWORKS. The Host header plays no part. An empty list
// trusts nobody.
func (s *Server) isTrustedCaller(r *http.Request) bool {
	addr, err := netip.ParseAddr(ratelimit.ClientIP(r, s.deps.Config.TrustProxyHeaders))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, network := range s.deps.Config.TrustedConfigNetworks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	if allowed, ok := s.methods[r.URL.Path]; ok {
		w.Header().Set("Allow", strings.Join(append([]string{http.MethodOptions}, allowed...), ", "))
		writeError(w, r, &errs.Error{Code: errs.InvalidArgument, Message: "Method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}
	writeError(w, r, errs.New(errs.NotFound, "Not found"))
}
