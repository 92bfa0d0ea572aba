// Package completion relays a single system+user turn to an LLM provider and
// returns the reply in the Anthropic message shape the extension renders.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/logutil"
	"github.com/kuitang/extension-relay/internal/obs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

const (
	// DefaultSystemPrompt is used when the client sends none.
	DefaultSystemPrompt = "You are a helpful assistant."

	// DefaultMaxTokens bounds the reply length.
	DefaultMaxTokens = 1024

	mockResponseID = "msg_mock_response"
	mockText       = "This is a mock response because no API key was provided. Configure ANTHROPIC_API_KEY on the relay to get real completions."
	mockModel      = "claude-3-5-sonnet-20241022"
)

// Request is one completion call.
type Request struct {
	System string
	Text   string
	// APIKey replaces the server key for this call (bring-your-own key).
	APIKey string
}

// ContentBlock is one block of a message body.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage counts tokens.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Message is the normalized reply.
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`

	// raw is the provider body when it can be returned verbatim.
	raw json.RawMessage
}

// Text returns the first text block.
func (m *Message) Text() string {
	for _, block := range m.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// Body is the JSON sent to the client.
func (m *Message) Body() (json.RawMessage, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	return json.Marshal(m)
}

// MockMessage is the degraded-mode reply.
func MockMessage() *Message {
	return &Message{
		ID:         mockResponseID,
		Type:       "message",
		Role:       "assistant",
		Content:    []ContentBlock{{Type: "text", Text: mockText}},
		Model:      mockModel,
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 10, OutputTokens: 30},
	}
}

// Adapter is the provider-specific request/response mapping.
type Adapter = upstream.Adapter[Request, *Message]

// Options configures a Service.
type Options struct {
	// ServerKey is the relay's provider key; empty means none configured.
	ServerKey string
	// Degraded allows mock replies when no key is available.
	Degraded   bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Service runs completions through one provider adapter.
type Service struct {
	adapter Adapter
	opts    Options
}

// NewService creates a Service.
func NewService(adapter Adapter, opts Options) *Service {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Service{adapter: adapter, opts: opts}
}

// Provider returns the adapter name.
func (s *Service) Provider() string {
	return s.adapter.Name()
}

// Complete runs req. With no usable key it returns the mock reply when
// degraded mode is on and fails closed otherwise.
func (s *Service) Complete(ctx context.Context, req Request) (*Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errs.New(errs.InvalidArgument, "Text parameter is required")
	}
	if strings.TrimSpace(req.System) == "" {
		req.System = DefaultSystemPrompt
	}

	if req.APIKey == "" && s.opts.ServerKey == "" {
		if s.opts.Degraded {
			obs.From(ctx).Info("completion degraded: returning mock response", "provider", s.adapter.Name())
			return MockMessage(), nil
		}
		return nil, errs.New(errs.UpstreamUnavailable, "API key not configured on server")
	}

	obs.From(ctx).Debug("completion request",
		"provider", s.adapter.Name(),
		"own_key", req.APIKey != "",
		"text_preview", logutil.Preview(req.Text, 50),
	)
	return upstream.Do(ctx, s.opts.HTTPClient, s.adapter, req, s.opts.Timeout)
}

// translateProviderError maps a provider error reply into the taxonomy.
// Overload and rate limiting are retryable busy errors.
func translateProviderError(resp *http.Response) error {
	perr := upstream.ReadProviderError(resp)
	if perr.IsOverloaded() || perr.IsRateLimited() {
		return errs.Busy(perr)
	}
	message := perr.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return errs.Upstream(resp.StatusCode, fmt.Sprintf("API call failed: %d - %s", resp.StatusCode, logutil.Preview(message, 200)), perr)
}

func keyFor(req Request, serverKey string) string {
	if req.APIKey != "" {
		return req.APIKey
	}
	return serverKey
}
