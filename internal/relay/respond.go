package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
)

const (
	// maxBodyBytes bounds every request body, webhook payloads included.
	maxBodyBytes = 1 << 20

	// busyRetryAfterSeconds is sent with upstream_busy responses.
	busyRetryAfterSeconds = 5
)

// ErrorResponse is the wire shape of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError is the only place that turns an error into a status code. The
// cause is logged; only the user-safe message leaves the process.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.StatusOf(err)
	code := errs.CodeOf(err)

	logger := obs.From(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "code", code, "error", err)
	} else {
		logger.Info("request rejected", "status", status, "code", code, "error", err)
	}

	if errs.IsRetryable(err) && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{Error: errs.MessageOf(err), Code: string(code)})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "Invalid JSON body", err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &errs.Error{Code: errs.InvalidArgument, Message: "Request body too large", Status: http.StatusRequestEntityTooLarge, Err: err}
		}
		return nil, errs.Wrap(errs.InvalidArgument, "Could not read request body", err)
	}
	return body, nil
}
