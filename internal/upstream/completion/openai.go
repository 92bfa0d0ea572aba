package completion

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

// OpenAI calls Chat Completions and reshapes the reply into a Message.
type OpenAI struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(baseURL, apiKey, model string, maxTokens int) *OpenAI {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &OpenAI{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) BuildRequest(ctx context.Context, req Request) (*http.Request, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Text),
		},
		MaxCompletionTokens: openai.Int(int64(o.maxTokens)),
	}
	httpReq, err := upstream.NewJSONRequest(ctx, http.MethodPost, o.baseURL+"/chat/completions", params)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+keyFor(req, o.apiKey))
	return httpReq, nil
}

func (o *OpenAI) ParseSuccess(resp *http.Response) (*Message, error) {
	completion, err := upstream.DecodeJSON[openai.ChatCompletion](resp)
	if err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return nil, errs.New(errs.UpstreamUnavailable, "upstream service unavailable")
	}
	choice := completion.Choices[0]
	return &Message{
		ID:         completion.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    []ContentBlock{{Type: "text", Text: choice.Message.Content}},
		Model:      completion.Model,
		StopReason: stopReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

func (o *OpenAI) ParseError(resp *http.Response) error {
	return translateProviderError(resp)
}

func stopReason(finish string) string {
	switch finish {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return finish
	}
}
