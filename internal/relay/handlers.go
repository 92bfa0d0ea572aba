package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/upstream/completion"
)

// HealthResponse is returned by /api/healthcheck.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Version   string `json:"version"`
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.deps.Now().UTC().Format(time.RFC3339Nano),
		Message:   "Relay is working correctly",
		Version:   s.deps.Config.Version,
	})
}

type analyzeRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt"`
}

// handleAnalyze forwards one completion. A signed-in caller with an active
// subscription and a stored key is billed to their own key.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Completion == nil {
		writeError(w, r, errs.New(errs.UpstreamUnavailable, "Completion service not configured"))
		return
	}

	call := completion.Request{System: req.SystemPrompt, Text: req.Text}
	if identity := auth.IdentityFromContext(r.Context()); identity != nil && s.deps.Billing != nil {
		if key, ok := s.deps.Billing.OwnAPIKey(r.Context(), identity.SubjectID); ok {
			call.APIKey = key
		}
	}

	msg, err := s.deps.Completion.Complete(r.Context(), call)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := msg.Body()
	if err != nil {
		writeError(w, r, errs.Wrap(errs.Internal, "Could not encode completion", err))
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by the login routes.
type LoginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt string         `json:"expiresAt,omitempty"`
	User      *auth.Identity `json:"user"`
}

// SignupResponse is returned by the signup routes.
type SignupResponse struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, identity, err := s.deps.Gate.Provider().Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := LoginResponse{Token: session.Token, User: identity}
	if !session.ExpiresAt.IsZero() {
		resp.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	identity, err := s.deps.Gate.Provider().Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SignupResponse{
		ID:      identity.SubjectID,
		UserID:  identity.SubjectID,
		Message: "User registered successfully",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, r, errs.Unauthorized(auth.ErrMalformedHeader))
		return
	}
	if err := s.deps.Gate.Provider().Logout(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, r, errs.Unauthorized(errors.New("relay: no identity on authenticated route")))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}
