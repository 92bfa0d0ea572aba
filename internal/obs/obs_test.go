package obs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

// Not parallel: Capture swaps the process logger.
func TestAccessLog_SeesFieldsSetByInnerHandlers(t *testing.T) {
	var buf bytes.Buffer
	restore := Capture(&buf)
	defer restore()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRoute(r.Context(), "GET /api/user")
		ctx = WithSubject(ctx, " user-1 ")
		From(ctx).Info("handled")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	})
	h := RequestContextMiddleware(AccessLogMiddleware("relay", inner))

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	req.Header.Set("Origin", "chrome-extension://abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	access := lines[1]
	assert.Equal(t, "http_access", access["msg"])
	assert.Equal(t, "req-abc", access["request_id"])
	assert.Equal(t, "GET /api/user", access["route"])
	assert.Equal(t, "user-1", access["subject"])
	assert.Equal(t, "chrome-extension://abc", access["origin"])
	assert.EqualValues(t, http.StatusTeapot, access["status"])
	assert.EqualValues(t, 5, access["resp_bytes"])
}

func TestRequestContext_GeneratesOrDerivesID(t *testing.T) {
	t.Parallel()
	var seen string
	h := RequestContextMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, strings.HasPrefix(seen, "req-"))
	assert.Len(t, seen, len("req-")+32)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", seen)
}

func testTraceIDOfRejectsMalformed(t *rapid.T) {
	id := rapid.StringMatching(`[0-9a-fA-F]{0,40}`).Draw(t, "id")
	got := traceIDOf("00-" + id + "-00f067aa0ba902b7-01")
	valid := len(id) == 32 && strings.Trim(id, "0") != ""
	if valid {
		assert.Equal(t, strings.ToLower(id), got)
	} else {
		assert.Empty(t, got)
	}
}

func TestTraceIDOf_RejectsMalformed(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testTraceIDOfRejectsMalformed)
	assert.Empty(t, traceIDOf("garbage"))
	assert.Empty(t, traceIDOf("00-zz"+strings.Repeat("a", 30)+"-00f067aa0ba902b7-01"))
}

func TestWithSubject_WorksOutsideRequests(t *testing.T) {
	t.Parallel()
	ctx := WithSubject(t.Context(), "user-2")
	assert.Equal(t, []any{"subject", "user-2"}, fieldsFrom(ctx).attrs())
	assert.Empty(t, RequestID(ctx))
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	restore := Capture(&buf)
	defer restore()

	SetLevel("warn")
	From(t.Context()).Info("hidden")
	From(t.Context()).Warn("shown")
	SetLevel("nonsense")
	From(t.Context()).Info("info again")

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, "info again", lines[1]["msg"])
}
