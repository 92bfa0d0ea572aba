package relay

import (
	"net/http"
	"strings"

	"github.com/kuitang/extension-relay/internal/analytics"
	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/errs"
)

type trackRequest struct {
	EventName  string         `json:"eventName"`
	Properties map[string]any `json:"properties"`
	DistinctID string         `json:"distinctId"`
}

// TrackResponse is returned by /api/analytics/track. Delivery problems are
// never surfaced; the caller only learns whether the event was queued.
type TrackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Warning string `json:"warning,omitempty"`
	Event   string `json:"event"`
	Queued  bool   `json:"queued"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.EventName)
	if name == "" {
		writeError(w, r, errs.New(errs.InvalidArgument, "eventName is required"))
		return
	}

	distinctID := strings.TrimSpace(req.DistinctID)
	if subject := auth.GetUserID(r.Context()); subject != "" {
		distinctID = subject
	}

	outcome := analytics.NotConfigured
	if s.deps.Analytics != nil {
		outcome = s.deps.Analytics.Track(r.Context(), analytics.Event{
			Name:       name,
			Properties: req.Properties,
			DistinctID: distinctID,
		})
	}

	resp := TrackResponse{Success: true, Event: name, Queued: outcome == analytics.Queued}
	switch outcome {
	case analytics.Queued:
		resp.Message = "Event tracked successfully"
	case analytics.NotConfigured:
		resp.Message = "Event acknowledged but not tracked (PostHog not configured)"
	case analytics.NotAllowed:
		resp.Message = "Event acknowledged but not tracked (event not allowed)"
	default:
		resp.Warning = "Event acknowledged but dropped"
	}
	writeJSON(w, http.StatusOK, resp)
}
