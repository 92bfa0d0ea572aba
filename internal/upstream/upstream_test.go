package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/extension-relay/internal/errs"
)

type echoAdapter struct {
	baseURL  string
	parseErr func(*http.Response) error
}

func (a echoAdapter) Name() string { return "echo" }

func (a echoAdapter) BuildRequest(ctx context.Context, msg string) (*http.Request, error) {
	req, err := NewJSONRequest(ctx, http.MethodPost, a.baseURL+"/echo", map[string]string{"msg": msg})
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", "sk-server-secret")
	return req, nil
}

func (a echoAdapter) ParseSuccess(resp *http.Response) (map[string]string, error) {
	return DecodeJSON[map[string]string](resp)
}

func (a echoAdapter) ParseError(resp *http.Response) error {
	if a.parseErr != nil {
		return a.parseErr(resp)
	}
	perr := ReadProviderError(resp)
	return errs.Upstream(perr.StatusCode, perr.Message, perr)
}

func TestDo_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-server-secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer srv.Close()

	out, err := Do(context.Background(), srv.Client(), echoAdapter{baseURL: srv.URL}, "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["reply"])
}

func TestDo_TimeoutIsBusy(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := Do(context.Background(), srv.Client(), echoAdapter{baseURL: srv.URL}, "hello", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.UpstreamBusy, errs.CodeOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, errs.StatusOf(err))
}

func TestDo_TransportFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Do(context.Background(), nil, echoAdapter{baseURL: url}, "hello", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.UpstreamUnavailable, errs.CodeOf(err))
	assert.Equal(t, "upstream service unavailable", errs.MessageOf(err))
}

func testDo_StatusTranslation(t *rapid.T) {
	status := rapid.SampledFrom([]int{400, 401, 403, 404, 409, 422, 500, 502, 503}).Draw(t, "status")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"provider detail sk-live-123"}}`))
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), echoAdapter{baseURL: srv.URL}, "x", time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if status < 500 {
		if got := errs.StatusOf(err); got != status {
			t.Fatalf("4xx not kept verbatim: got=%d want=%d", got, status)
		}
		return
	}
	if got := errs.StatusOf(err); got != http.StatusInternalServerError {
		t.Fatalf("5xx not mapped to 500: got=%d", got)
	}
	if strings.Contains(errs.MessageOf(err), "sk-live-123") {
		t.Fatalf("5xx leaked provider detail: %q", errs.MessageOf(err))
	}
}

func TestDo_StatusTranslation(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testDo_StatusTranslation)
}

func TestDo_UntypedParseErrorIsTranslated(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := echoAdapter{baseURL: srv.URL, parseErr: func(*http.Response) error { return errors.New("raw") }}
	_, err := Do(context.Background(), srv.Client(), adapter, "x", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.UpstreamUnavailable, errs.CodeOf(err))
}

func TestReadProviderError_Shapes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		status     int
		body       string
		wantType   string
		wantMsg    string
		overloaded bool
		limited    bool
	}{
		{"anthropic overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "overloaded_error", "Overloaded", true, false},
		{"rate limit type", 400, `{"error":{"type":"rate_limit_error","message":"slow"}}`, "rate_limit_error", "slow", false, true},
		{"gotrue flat", 400, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`, "invalid_grant", "Invalid login credentials", false, false},
		{"gotrue msg", 422, `{"code":422,"msg":"User already registered"}`, "", "User already registered", false, false},
		{"plain text", 502, `bad gateway`, "", "bad gateway", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tc.status)
			_, _ = rec.WriteString(tc.body)
			perr := ReadProviderError(rec.Result())
			assert.Equal(t, tc.status, perr.StatusCode)
			assert.Equal(t, tc.wantType, perr.Type)
			assert.Equal(t, tc.wantMsg, perr.Message)
			assert.Equal(t, tc.overloaded, perr.IsOverloaded())
			assert.Equal(t, tc.limited, perr.IsRateLimited())
		})
	}
}
