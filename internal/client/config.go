package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kuitang/extension-relay/internal/credstore"
)

// PostHogConfig is the analytics project the relay hands to clients.
type PostHogConfig struct {
	Key  string `json:"key"`
	Host string `json:"host"`
}

// PostHogConfig fetches the analytics config and caches it. When the relay
// cannot answer, the cached copy is returned with the fetch error logged.
func (c *Client) PostHogConfig(ctx context.Context) (*PostHogConfig, error) {
	var out PostHogConfig
	fetchErr := c.do(ctx, http.MethodGet, "/api/config?type=posthog", nil, &out)
	if fetchErr == nil && out.Key != "" {
		if raw, err := json.Marshal(out); err == nil {
			if err := c.creds.Set(credstore.KeyPostHogConfig, string(raw)); err != nil {
				log.Warn("cache posthog config failed", "error", err)
			}
		}
		return &out, nil
	}
	if fetchErr == nil {
		fetchErr = fmt.Errorf("client: posthog config has no key")
	}

	cached, ok, err := c.creds.Get(credstore.KeyPostHogConfig)
	if err != nil || !ok {
		return nil, fetchErr
	}
	var stale PostHogConfig
	if err := json.Unmarshal([]byte(cached), &stale); err != nil || stale.Key == "" {
		return nil, fetchErr
	}
	log.Info("using cached posthog config", "error", fetchErr)
	return &stale, nil
}
