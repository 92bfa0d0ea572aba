package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/extension-relay/internal/errs"
)

const anthropicReply = `{"id":"msg_01","type":"message","role":"assistant","content":[{"type":"text","text":"Hello there"}],"model":"claude-3-5-sonnet-20241022","stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`

func TestAnthropic_ForwardsAndReturnsBodyVerbatim(t *testing.T) {
	t.Parallel()
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    string `json:"system"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-server", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	svc := NewService(NewAnthropic(srv.URL, "sk-server", "claude-3-5-sonnet-20241022", 0), Options{ServerKey: "sk-server", Timeout: time.Second})
	msg, err := svc.Complete(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", msg.Text())

	body, err := msg.Body()
	require.NoError(t, err)
	assert.JSONEq(t, anthropicReply, string(body))

	assert.Equal(t, DefaultSystemPrompt, got.System)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestAnthropic_OwnKeyReplacesServerKey(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-user-own", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer srv.Close()

	svc := NewService(NewAnthropic(srv.URL, "sk-server", "m", 1024), Options{ServerKey: "sk-server"})
	_, err := svc.Complete(context.Background(), Request{Text: "hi", APIKey: "sk-user-own"})
	require.NoError(t, err)
}

func TestAnthropic_OverloadIsBusy(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		status int
		body   string
	}{
		{529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
		{429, `{"type":"error","error":{"type":"rate_limit_error","message":"Too many"}}`},
		{500, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		svc := NewService(NewAnthropic(srv.URL, "k", "m", 0), Options{ServerKey: "k"})
		_, err := svc.Complete(context.Background(), Request{Text: "hi"})
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, errs.UpstreamBusy, errs.CodeOf(err), "status %d", tc.status)
		assert.Equal(t, http.StatusServiceUnavailable, errs.StatusOf(err))
	}
}

func TestAnthropic_ClientErrorKeptVerbatim(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer srv.Close()

	svc := NewService(NewAnthropic(srv.URL, "k", "m", 0), Options{ServerKey: "k"})
	_, err := svc.Complete(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errs.StatusOf(err))
	assert.Equal(t, "API call failed: 400 - max_tokens too large", errs.MessageOf(err))
}

func TestAnthropic_NoTextBlockIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"msg","type":"message","content":[]}`))
	}))
	defer srv.Close()

	svc := NewService(NewAnthropic(srv.URL, "k", "m", 0), Options{ServerKey: "k"})
	_, err := svc.Complete(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, errs.UpstreamUnavailable, errs.CodeOf(err))
}

func TestService_DegradedWithoutKeyReturnsMock(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	svc := NewService(NewAnthropic(srv.URL, "", "m", 0), Options{Degraded: true})
	msg, err := svc.Complete(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msg_mock_response", msg.ID)
	assert.Equal(t, "end_turn", msg.StopReason)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 30}, msg.Usage)
	assert.Zero(t, calls.Load())
}

func TestService_NoKeyNotDegradedFailsClosed(t *testing.T) {
	t.Parallel()
	svc := NewService(NewAnthropic("http://127.0.0.1:0", "", "m", 0), Options{})
	_, err := svc.Complete(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, errs.StatusOf(err))
}

func TestService_MissingTextIsInvalid(t *testing.T) {
	t.Parallel()
	svc := NewService(NewAnthropic("http://127.0.0.1:0", "k", "m", 0), Options{ServerKey: "k"})
	_, err := svc.Complete(context.Background(), Request{Text: "  "})
	require.Error(t, err)
	assert.Equal(t, "Text parameter is required", errs.MessageOf(err))
	assert.Equal(t, http.StatusBadRequest, errs.StatusOf(err))
}

func TestOpenAI_ReshapesReply(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-openai", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		msgs, ok := body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi from openai"}}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}))
	defer srv.Close()

	svc := NewService(NewOpenAI(srv.URL, "sk-openai", "gpt-4o-mini", 0), Options{ServerKey: "sk-openai"})
	msg, err := svc.Complete(context.Background(), Request{Text: "hi", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "Hi from openai", msg.Text())
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "end_turn", msg.StopReason)
	assert.Equal(t, int64(7), msg.Usage.InputTokens)

	body, err := msg.Body()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":[{"type":"text","text":"Hi from openai"}]`)
}
