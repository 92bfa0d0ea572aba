package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API and returns its body verbatim.
type Anthropic struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic(baseURL, apiKey, model string, maxTokens int) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Anthropic{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) BuildRequest(ctx context.Context, req Request) (*http.Request, error) {
	httpReq, err := upstream.NewJSONRequest(ctx, http.MethodPost, a.baseURL+"/v1/messages", anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Text}},
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", keyFor(req, a.apiKey))
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (a *Anthropic) ParseSuccess(resp *http.Response) (*Message, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read anthropic response: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	hasText := false
	for _, block := range msg.Content {
		if block.Type == "text" {
			hasText = true
			break
		}
	}
	if !hasText {
		return nil, errs.New(errs.UpstreamUnavailable, "upstream service unavailable")
	}
	msg.raw = body
	return &msg, nil
}

func (a *Anthropic) ParseError(resp *http.Response) error {
	return translateProviderError(resp)
}
