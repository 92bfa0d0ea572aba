package web

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"sync"

	"github.com/kuitang/extension-relay/internal/obs"
)

//go:embed content/index.md
var indexMarkdown []byte

// Redirect statuses accepted on the checkout return URL.
const (
	RedirectSuccess  = "success"
	RedirectCanceled = "canceled"
)

// Endpoint is one line of the landing page's endpoint list.
type Endpoint struct {
	Method      string
	Path        string
	Description string
}

// RedirectPage is the data for the checkout confirmation page.
type RedirectPage struct {
	Tone      string // success, canceled or invalid
	Icon      string
	Title     string
	Lines     []string
	Status    string
	SessionID string
	// ShowStatus prints the raw status next to the session id.
	ShowStatus     bool
	AutoCloseAfter int // milliseconds
}

// IndexPage is the data for the landing page.
type IndexPage struct {
	Title     string
	Version   string
	Intro     template.HTML
	Endpoints []Endpoint
}

// StaticHandler serves the landing page and the checkout redirect pages.
type StaticHandler struct {
	renderer  *Renderer
	version   string
	endpoints []Endpoint

	introOnce sync.Once
	intro     template.HTML
}

// NewStaticHandler creates a StaticHandler. endpoints is listed on the
// landing page in order.
func NewStaticHandler(renderer *Renderer, version string, endpoints []Endpoint) *StaticHandler {
	return &StaticHandler{renderer: renderer, version: version, endpoints: endpoints}
}

// HandleIndex serves GET /.
func (h *StaticHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.introOnce.Do(func() {
		h.intro = renderMarkdown(bytes.TrimSpace(indexMarkdown))
	})
	data := IndexPage{
		Title:     "Extension Relay",
		Version:   h.version,
		Intro:     h.intro,
		Endpoints: h.endpoints,
	}
	if err := h.renderer.Render(w, http.StatusOK, "index.html", data); err != nil {
		obs.From(r.Context()).Error("render index failed", "error", err)
	}
}

// HandleSubscriptionRedirect serves the page Stripe Checkout returns to. It
// always answers 200; an unrecognized status gets the warning page.
func (h *StaticHandler) HandleSubscriptionRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := RedirectPageFor(q.Get("status"), q.Get("session_id"))
	if err := h.renderer.Render(w, http.StatusOK, "redirect.html", data); err != nil {
		obs.From(r.Context()).Error("render redirect failed", "error", err)
	}
}

// RedirectPageFor picks the page content for a checkout return status.
func RedirectPageFor(status, sessionID string) RedirectPage {
	page := RedirectPage{Status: status, SessionID: sessionID, AutoCloseAfter: 5000}
	switch status {
	case RedirectSuccess:
		page.Tone = "success"
		page.Icon = "✅"
		page.Title = "Subscription Successful!"
		page.Lines = []string{
			"Thank you for subscribing to the Pro plan. Your subscription is now active.",
			"You can now return to the extension and enjoy all the Pro features.",
		}
	case RedirectCanceled:
		page.Tone = "canceled"
		page.Icon = "❌"
		page.Title = "Subscription Canceled"
		page.Lines = []string{
			"You have canceled the subscription process. No charges have been made.",
			"You can still use the extension with the trial features.",
		}
	default:
		page.Tone = "invalid"
		page.Icon = "⚠️"
		page.Title = "Invalid Status"
		page.Lines = []string{"An invalid status was provided. Please return to the extension."}
		page.ShowStatus = true
	}
	return page
}
