package urlutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func testOriginFromRequest_ForwardedProtoNeedsTrust(t *rapid.T) {
	host := fmt.Sprintf("%s.%s:%d",
		rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "host"),
		rapid.StringMatching(`[a-z]{2,8}`).Draw(t, "tld"),
		rapid.IntRange(1024, 9999).Draw(t, "port"),
	)
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/api/subscriptions/create-checkout", nil)
	req.Header.Set("X-Forwarded-Proto", "https, http")

	if got := OriginFromRequest(req, "https://fallback.test", true); got != "https://"+host {
		t.Fatalf("trusted proxy: got %s", got)
	}
	if got := OriginFromRequest(req, "https://fallback.test", false); got != "http://"+host {
		t.Fatalf("untrusted proxy: got %s", got)
	}
}

func TestOriginFromRequest_ForwardedProtoNeedsTrust(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testOriginFromRequest_ForwardedProtoNeedsTrust)
}

func TestOriginFromRequest_InvalidProtoAndMissingHost(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "http://relay.example.test/x", nil)
	req.Header.Set("X-Forwarded-Proto", "wss")
	assert.Equal(t, "http://relay.example.test", OriginFromRequest(req, "https://fallback.test", true))

	req.Host = ""
	assert.Equal(t, "https://fallback.test", OriginFromRequest(req, "https://fallback.test/", true))
	assert.Equal(t, "https://fallback.test", OriginFromRequest(nil, " https://fallback.test/ ", false))
}

func testBuildAbsolute_SingleSlash(t *rapid.T) {
	base := "https://" + rapid.StringMatching(`[a-z]{3,12}\.[a-z]{2,6}`).Draw(t, "host")
	if rapid.Bool().Draw(t, "trailingSlash") {
		base += "/"
	}
	segment := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "segment")
	for _, path := range []string{"/" + segment, segment} {
		got := BuildAbsolute(base, path)
		if got != strings.TrimRight(base, "/")+"/"+segment {
			t.Fatalf("BuildAbsolute(%q, %q) = %q", base, path, got)
		}
	}
	if got := BuildAbsolute(base, "https://other.test/x"); got != "https://other.test/x" {
		t.Fatalf("absolute path rewritten: %q", got)
	}
}

func TestBuildAbsolute_SingleSlash(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testBuildAbsolute_SingleSlash)
}

func TestCheckoutReturnURLs(t *testing.T) {
	t.Parallel()
	success, cancel := CheckoutReturnURLs("https://relay.example.com/")
	assert.Equal(t, "https://relay.example.com/api/subscriptions/redirect?status=success&session_id={CHECKOUT_SESSION_ID}", success)
	assert.Equal(t, "https://relay.example.com/api/subscriptions/redirect?status=canceled", cancel)
}
