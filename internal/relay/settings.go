package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kuitang/extension-relay/internal/auth"
	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/errs"
)

// SettingsView is the stored settings row on the wire.
type SettingsView struct {
	UserID              string    `json:"user_id"`
	SystemPrompt        *string   `json:"system_prompt"`
	ConnectSystemPrompt *string   `json:"connect_system_prompt"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func settingsView(s *db.Settings) SettingsView {
	return SettingsView{
		UserID:              s.UserID,
		SystemPrompt:        s.SystemPrompt,
		ConnectSystemPrompt: s.ConnectSystemPrompt,
		CreatedAt:           s.CreatedAt.UTC(),
		UpdatedAt:           s.UpdatedAt.UTC(),
	}
}

var errInvalidSettings = errs.New(errs.InvalidArgument, "Invalid settings data")

// settingsFields maps each accepted key to the patch field it sets. Both
// the extension's camelCase and the table's snake_case are accepted.
var settingsFields = map[string]func(*db.SettingsPatch, *string){
	"systemPrompt":          func(p *db.SettingsPatch, v *string) { p.SystemPrompt = v },
	"system_prompt":         func(p *db.SettingsPatch, v *string) { p.SystemPrompt = v },
	"connectSystemPrompt":   func(p *db.SettingsPatch, v *string) { p.ConnectSystemPrompt = v },
	"connect_system_prompt": func(p *db.SettingsPatch, v *string) { p.ConnectSystemPrompt = v },
}

// parseSettingsPatch accepts a JSON object. Known keys must be strings or
// null (null keeps the stored value); unknown keys are ignored.
func parseSettingsPatch(body []byte) (db.SettingsPatch, error) {
	var patch db.SettingsPatch
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return patch, errInvalidSettings
	}
	for key, raw := range fields {
		set, ok := settingsFields[key]
		if !ok {
			continue
		}
		var value *string
		if err := json.Unmarshal(raw, &value); err != nil {
			return patch, errInvalidSettings
		}
		if value != nil {
			set(&patch, value)
		}
	}
	return patch, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	settings, err := s.deps.Store.GetSettings(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err != nil {
		writeError(w, r, errs.Wrap(errs.Internal, "Error fetching user settings", err))
		return
	}
	writeJSON(w, http.StatusOK, settingsView(settings))
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := parseSettingsPatch(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	settings, err := s.deps.Store.UpsertSettings(r.Context(), auth.GetUserID(r.Context()), patch)
	if err != nil {
		writeError(w, r, errs.Wrap(errs.Internal, "Error updating user settings", err))
		return
	}
	writeJSON(w, http.StatusOK, settingsView(settings))
}
