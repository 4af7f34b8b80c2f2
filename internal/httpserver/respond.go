package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Respond writes data as a JSON response with the given status code and
// cache-control: no-store. Handlers are responsible for including an "ok"
// field in data themselves (success shapes vary per endpoint); RespondError
// below is the one place that standardizes the failure envelope.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope:
// {ok:false, error, message, details?}.
type ErrorResponse struct {
	Ok             bool     `json:"ok"`
	Error          string   `json:"error"`
	Message        string   `json:"message,omitempty"`
	Details        []string `json:"details,omitempty"`
	RetryAfter     int      `json:"retryAfter,omitempty"`
	MissingSecrets []string `json:"missingSecrets,omitempty"`
	UpstreamStatus int      `json:"upstreamStatus,omitempty"`
}

// RespondError writes the standard error envelope.
func RespondError(w http.ResponseWriter, status int, kind string, message string) {
	Respond(w, status, ErrorResponse{Ok: false, Error: kind, Message: message})
}

// RespondErrorDetails writes the standard error envelope with a details list,
// used for invalid_manifest and similar multi-error kinds.
func RespondErrorDetails(w http.ResponseWriter, status int, kind string, details []string) {
	Respond(w, status, ErrorResponse{Ok: false, Error: kind, Details: details})
}

// RespondLoginLocked writes login_locked with its retry-after seconds.
func RespondLoginLocked(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	Respond(w, http.StatusTooManyRequests, ErrorResponse{Ok: false, Error: "login_locked", RetryAfter: retryAfter})
}

// RespondMissingRequiredSecrets writes missing_required_secrets with its
// missingSecrets list.
func RespondMissingRequiredSecrets(w http.ResponseWriter, missing []string) {
	Respond(w, http.StatusBadRequest, ErrorResponse{Ok: false, Error: "missing_required_secrets", MissingSecrets: missing})
}

// RespondUpstreamError writes upstream_error with the upstream status code.
func RespondUpstreamError(w http.ResponseWriter, status, upstreamStatus int) {
	Respond(w, status, ErrorResponse{Ok: false, Error: "upstream_error", UpstreamStatus: upstreamStatus})
}
