package analytics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/upstream"
)

// EventSource tags every forwarded event.
const EventSource = "extension_relay"

// PostHog posts events to the capture endpoint.
type PostHog struct {
	host   string
	apiKey string
}

// NewPostHog creates the PostHog capturer.
func NewPostHog(host, apiKey string) *PostHog {
	return &PostHog{host: strings.TrimRight(host, "/"), apiKey: apiKey}
}

type captureRequest struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	DistinctID string         `json:"distinct_id"`
	Timestamp  string         `json:"timestamp"`
}

func (p *PostHog) Name() string { return "posthog" }

func (p *PostHog) BuildRequest(ctx context.Context, ev Event) (*http.Request, error) {
	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	props := make(map[string]any, len(ev.Properties)+2)
	for k, v := range ev.Properties {
		props[k] = v
	}
	props["source"] = EventSource
	props["timestamp"] = ts
	return upstream.NewJSONRequest(ctx, http.MethodPost, p.host+"/capture/", captureRequest{
		APIKey:     p.apiKey,
		Event:      ev.Name,
		Properties: props,
		DistinctID: ev.DistinctID,
		Timestamp:  ts,
	})
}

func (p *PostHog) ParseSuccess(resp *http.Response) (struct{}, error) {
	_, _ = io.Copy(io.Discard, resp.Body)
	return struct{}{}, nil
}

func (p *PostHog) ParseError(resp *http.Response) error {
	perr := upstream.ReadProviderError(resp)
	return errs.Upstream(resp.StatusCode, "analytics provider rejected event", perr)
}
