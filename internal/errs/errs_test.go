package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"pgregory.net/rapid"
)

var allCodes = []Code{
	InvalidArgument,
	Unauthenticated,
	PermissionDenied,
	NotFound,
	Conflict,
	RateLimited,
	UpstreamUnavailable,
	UpstreamBusy,
	Internal,
}

func testCodeOf_RoundtripForTypedErrors(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")

	err := New(code, message)
	if got := CodeOf(err); got != code {
		t.Fatalf("CodeOf(New) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(err); got != message {
		t.Fatalf("MessageOf(New) mismatch: got=%q want=%q", got, message)
	}
}

func TestCodeOf_RoundtripForTypedErrors(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOf_RoundtripForTypedErrors)
}

func testCodeOfAndMessageOf_WrappedTypedError(t *rapid.T) {
	code := rapid.SampledFrom(allCodes).Draw(t, "code")
	message := rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "message")
	cause := errors.New(rapid.StringMatching(`[a-zA-Z0-9 _:\-]{1,80}`).Draw(t, "cause"))

	err := Wrap(code, message, cause)
	wrapped := fmt.Errorf("outer: %w", err)

	if got := CodeOf(wrapped); got != code {
		t.Fatalf("CodeOf(wrapped) mismatch: got=%q want=%q", got, code)
	}
	if got := MessageOf(wrapped); got != message {
		t.Fatalf("MessageOf(wrapped) mismatch: got=%q want=%q", got, message)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected cause to remain reachable through errors.Is")
	}
}

func TestCodeOfAndMessageOf_WrappedTypedError(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeOfAndMessageOf_WrappedTypedError)
}

func testUntypedAndNilFallbacks(t *rapid.T) {
	raw := rapid.StringMatching(`[a-zA-Z0-9 _:\-./]{1,80}`).Draw(t, "raw")
	untyped := errors.New(raw)

	if got := CodeOf(untyped); got != Internal {
		t.Fatalf("CodeOf(untyped) mismatch: got=%q want=%q", got, Internal)
	}
	if got := MessageOf(untyped); got != "internal error" {
		t.Fatalf("MessageOf(untyped) mismatch: got=%q want=%q", got, "internal error")
	}
	if got := StatusOf(untyped); got != http.StatusInternalServerError {
		t.Fatalf("StatusOf(untyped) mismatch: got=%d", got)
	}
	if got := CodeOf(nil); got != Internal {
		t.Fatalf("CodeOf(nil) mismatch: got=%q want=%q", got, Internal)
	}
	if got := MessageOf(nil); got != string(Internal) {
		t.Fatalf("MessageOf(nil) mismatch: got=%q want=%q", got, Internal)
	}
}

func TestUntypedAndNilFallbacks(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testUntypedAndNilFallbacks)
}

func testCodeStatus_Mapping(t *rapid.T) {
	cases := map[Code]int{
		InvalidArgument:     http.StatusBadRequest,
		Unauthenticated:     http.StatusUnauthorized,
		PermissionDenied:    http.StatusForbidden,
		NotFound:            http.StatusNotFound,
		Conflict:            http.StatusConflict,
		RateLimited:         http.StatusTooManyRequests,
		UpstreamUnavailable: http.StatusInternalServerError,
		UpstreamBusy:        http.StatusServiceUnavailable,
		Internal:            http.StatusInternalServerError,
	}

	code := rapid.SampledFrom(append(append([]Code{}, allCodes...), Code("unknown_code"))).Draw(t, "code")

	want := http.StatusInternalServerError
	if mapped, ok := cases[code]; ok {
		want = mapped
	}
	if got := code.Status(); got != want {
		t.Fatalf("Status mismatch: code=%q got=%d want=%d", code, got, want)
	}
}

func TestCodeStatus_Mapping(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeStatus_Mapping)
}

func testUpstream_ClientStatusKeptVerbatim(t *rapid.T) {
	status := rapid.IntRange(400, 499).Draw(t, "status")
	err := Upstream(status, "bad input", errors.New("provider said no"))
	if got := StatusOf(err); got != status {
		t.Fatalf("StatusOf mismatch: got=%d want=%d", got, status)
	}
	if got := MessageOf(err); got != "bad input" {
		t.Fatalf("MessageOf mismatch: got=%q", got)
	}
}

func TestUpstream_ClientStatusKeptVerbatim(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testUpstream_ClientStatusKeptVerbatim)
}

func testUpstream_ServerStatusSanitized(t *rapid.T) {
	status := rapid.IntRange(500, 599).Draw(t, "status")
	secret := rapid.StringMatching(`sk-[a-zA-Z0-9]{8,24}`).Draw(t, "secret")
	err := Upstream(status, "leaked "+secret, errors.New(secret))
	if got := StatusOf(err); got != http.StatusInternalServerError {
		t.Fatalf("StatusOf mismatch: got=%d want=500", got)
	}
	if got := CodeOf(err); got != UpstreamUnavailable {
		t.Fatalf("CodeOf mismatch: got=%q", got)
	}
	if got := MessageOf(err); got != "upstream service unavailable" {
		t.Fatalf("MessageOf leaked provider text: %q", got)
	}
}

func TestUpstream_ServerStatusSanitized(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testUpstream_ServerStatusSanitized)
}

func TestBusyAndRateLimitedAreRetryable(t *testing.T) {
	t.Parallel()
	if !IsRetryable(Busy(nil)) {
		t.Fatal("busy should be retryable")
	}
	if !IsRetryable(New(RateLimited, "slow down")) {
		t.Fatal("rate limited should be retryable")
	}
	if IsRetryable(New(UpstreamUnavailable, "down")) {
		t.Fatal("unavailable should not be retryable")
	}
	if got := StatusOf(Busy(nil)); got != http.StatusServiceUnavailable {
		t.Fatalf("busy status mismatch: got=%d", got)
	}
}

func TestUnauthorized_IsGeneric(t *testing.T) {
	t.Parallel()
	err := Unauthorized(errors.New("token expired at 12:00"))
	if got := MessageOf(err); got != GenericUnauthorized {
		t.Fatalf("unauthorized message leaked detail: %q", got)
	}
	if got := StatusOf(err); got != http.StatusUnauthorized {
		t.Fatalf("unauthorized status mismatch: got=%d", got)
	}
}
