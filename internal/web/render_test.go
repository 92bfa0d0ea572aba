package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestHandler(t *testing.T) *StaticHandler {
	t.Helper()
	renderer, err := NewRenderer()
	require.NoError(t, err)
	return NewStaticHandler(renderer, "1.2.3", []Endpoint{
		{Method: "GET", Path: "/api/healthcheck", Description: "Check if the server is running"},
		{Method: "POST", Path: "/api/anthropic/analyze", Description: "Completion proxy"},
	})
}

func getRedirect(t *testing.T, h *StaticHandler, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleSubscriptionRedirect(rec, httptest.NewRequest(http.MethodGet, "/api/subscriptions/redirect?"+query, nil))
	return rec
}

func TestRedirect_SuccessPage(t *testing.T) {
	t.Parallel()
	rec := getRedirect(t, newTestHandler(t), "status=success&session_id=cs_test_123")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Subscription Successful!")
	assert.Contains(t, body, "#4CAF50")
	assert.Contains(t, body, `class="centered success"`)
	assert.Contains(t, body, "Session ID: cs_test_123")
	assert.Contains(t, body, "window.close()")
	assert.Contains(t, body, "5000")
}

func TestRedirect_CanceledPage(t *testing.T) {
	t.Parallel()
	rec := getRedirect(t, newTestHandler(t), "status=canceled&session_id=cs_test_456")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Subscription Canceled")
	assert.Contains(t, body, `class="centered canceled"`)
	assert.Contains(t, body, "No charges have been made.")
}

func TestRedirect_InvalidStatusShowsNone(t *testing.T) {
	t.Parallel()
	rec := getRedirect(t, newTestHandler(t), "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Invalid Status")
	assert.Contains(t, body, `class="centered invalid"`)
	assert.Contains(t, body, "Status: none, Session ID: none")
}

func testRedirect_QueryValuesAreEscaped(t *rapid.T) {
	status := rapid.SampledFrom([]string{RedirectSuccess, RedirectCanceled, "bogus"}).Draw(t, "status")
	payload := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "payload")
	sessionID := "<script>" + payload + "</script>"

	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	h := NewStaticHandler(renderer, "", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions/redirect", nil)
	q := req.URL.Query()
	q.Set("status", status)
	q.Set("session_id", sessionID)
	req.URL.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	h.HandleSubscriptionRedirect(rec, req)
	if strings.Contains(rec.Body.String(), sessionID) {
		t.Fatalf("session id rendered unescaped")
	}
	if !strings.Contains(rec.Body.String(), "&lt;script&gt;"+payload) {
		t.Fatalf("escaped session id missing from page")
	}
}

func TestRedirect_QueryValuesAreEscaped(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testRedirect_QueryValuesAreEscaped)
}

func TestIndex_ListsEndpointsAndRendersIntro(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.HandleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<a href="/api/healthcheck">/api/healthcheck</a>`)
	assert.Contains(t, body, "<code>POST /api/anthropic/analyze</code>")
	assert.Contains(t, body, "<strong>backend URL</strong>")
	assert.Contains(t, body, "Version 1.2.3")
}

func TestRenderMarkdown_StripsScripts(t *testing.T) {
	t.Parallel()
	out := string(renderMarkdown([]byte("hello <script>alert(1)</script> **world**")))
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "<strong>world</strong>")
}

func TestRender_UnknownPage(t *testing.T) {
	t.Parallel()
	r, err := NewRenderer()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.Error(t, r.Render(rec, http.StatusOK, "missing.html", nil))
	assert.Empty(t, rec.Body.String())
}
