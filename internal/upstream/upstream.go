// Package upstream is the one place the relay talks to third-party HTTP APIs.
// Each provider is an Adapter that builds the outbound request and parses the
// reply; Do performs exactly one round trip under a deadline and translates
// every failure into the errs taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/logutil"
	"github.com/kuitang/extension-relay/internal/obs"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 4096

// Adapter describes one upstream API call.
type Adapter[Req, Res any] interface {
	// Name identifies the upstream in logs.
	Name() string
	// BuildRequest creates the outbound request, attaching server-held credentials.
	BuildRequest(ctx context.Context, req Req) (*http.Request, error)
	// ParseSuccess decodes a 2xx response.
	ParseSuccess(resp *http.Response) (Res, error)
	// ParseError translates a non-2xx response into an errs error.
	ParseError(resp *http.Response) error
}

// Do performs a single round trip through adapter. A zero timeout means the
// caller's context is the only bound.
func Do[Req, Res any](ctx context.Context, client *http.Client, adapter Adapter[Req, Res], req Req, timeout time.Duration) (Res, error) {
	var zero Res
	if client == nil {
		client = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger := obs.From(ctx).With("upstream", adapter.Name())

	httpReq, err := adapter.BuildRequest(ctx, req)
	if err != nil {
		if _, ok := asCoded(err); ok {
			return zero, err
		}
		return zero, errs.Wrap(errs.Internal, "internal error", fmt.Errorf("%s: build request: %w", adapter.Name(), err))
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		logger.Warn("upstream request failed",
			"method", httpReq.Method,
			"url", logutil.URL(httpReq.URL.String()),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return zero, transportError(ctx, adapter.Name(), err)
	}
	defer resp.Body.Close()

	logger.Debug("upstream response",
		"method", httpReq.Method,
		"url", logutil.URL(httpReq.URL.String()),
		"request_headers", logutil.Headers(httpReq.Header),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := adapter.ParseError(resp)
		if perr == nil {
			perr = errs.Upstream(resp.StatusCode, http.StatusText(resp.StatusCode), nil)
		} else if _, ok := asCoded(perr); !ok {
			perr = errs.Upstream(resp.StatusCode, http.StatusText(resp.StatusCode), perr)
		}
		logger.Info("upstream returned error", "status", resp.StatusCode, "code", errs.CodeOf(perr), "error", perr)
		return zero, perr
	}

	out, err := adapter.ParseSuccess(resp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, transportError(ctx, adapter.Name(), err)
		}
		if _, ok := asCoded(err); ok {
			return zero, err
		}
		return zero, errs.Wrap(errs.UpstreamUnavailable, "upstream service unavailable", fmt.Errorf("%s: parse response: %w", adapter.Name(), err))
	}
	return out, nil
}

func transportError(ctx context.Context, name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Busy(fmt.Errorf("%s: deadline exceeded: %w", name, err))
	}
	return errs.Wrap(errs.UpstreamUnavailable, "upstream service unavailable", fmt.Errorf("%s: %w", name, err))
}

func asCoded(err error) (*errs.Error, bool) {
	var coded *errs.Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// NewJSONRequest builds a request with a JSON body (nil body sends none).
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// DecodeJSON decodes a response body into T.
func DecodeJSON[T any](resp *http.Response) (T, error) {
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// ProviderError is a non-2xx reply in the common {"error":{"type","message"}}
// shape, or the flat {"error","message","msg"} shapes some providers use.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports HTTP 429 or a rate_limit_error type.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// IsOverloaded reports HTTP 529 or an overloaded_error type.
func (e *ProviderError) IsOverloaded() bool {
	return e.StatusCode == 529 || e.Type == "overloaded_error"
}

// ReadProviderError reads a bounded error body and parses it.
func ReadProviderError(resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var nested struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: nested.Error.Type, Message: nested.Error.Message}
	}

	var flat struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
		Msg              string `json:"msg"`
	}
	if json.Unmarshal(body, &flat) == nil {
		for _, candidate := range []string{flat.ErrorDescription, flat.Msg, flat.Message, flat.Error} {
			if candidate != "" {
				return &ProviderError{StatusCode: resp.StatusCode, Type: flat.Error, Message: candidate}
			}
		}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: logutil.Preview(string(body), 256)}
}
