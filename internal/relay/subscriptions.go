package relay

import (
	"net/http"
	"strings"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/billing"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/urlutil"
)

type checkoutRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func (s *Server) billingService() (*billing.Service, error) {
	if s.deps.Billing == nil {
		return nil, errs.New(errs.UpstreamUnavailable, "Billing not configured")
	}
	return s.deps.Billing, nil
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	svc, err := s.billingService()
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := svc.Status(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.billingService()
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Omitted return URLs land on this relay's redirect page.
	success, cancel := urlutil.CheckoutReturnURLs(urlutil.OriginFromRequest(r, s.deps.Config.BaseURL, s.deps.Config.TrustProxyHeaders))
	if strings.TrimSpace(req.SuccessURL) == "" {
		req.SuccessURL = success
	}
	if strings.TrimSpace(req.CancelURL) == "" {
		req.CancelURL = cancel
	}
	resp, err := svc.CreateCheckout(r.Context(), *auth.IdentityFromContext(r.Context()), req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	svc, err := s.billingService()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := svc.Cancel(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateAPIKey validates the body before the billing service is asked
// to touch the store.
func (s *Server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req billing.UpdateAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, _, err := billing.ValidateAPIKeyRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.billingService()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := svc.UpdateAPIKey(r.Context(), auth.GetUserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebhook passes the raw body through untouched; the signature covers
// the exact bytes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.billingService()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	s.pages.HandleSubscriptionRedirect(w, r)
}
