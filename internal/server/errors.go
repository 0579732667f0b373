package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	scribe "github.com/eugener/scribe/internal"
)

// apiError is the envelope every failure path serializes.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorEnvelope(typ, msg string) apiError {
	return apiError{Error: apiErrorBody{Type: typ, Message: msg}}
}

// errorStatus maps a domain error to its HTTP status and taxonomy type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scribe.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, scribe.ErrUnauthorized):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, scribe.ErrForbidden):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, scribe.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, scribe.ErrConflict):
		return http.StatusConflict, "invalid_request_error"
	case errors.Is(err, scribe.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, scribe.ErrUpstreamAuth):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, scribe.ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, scribe.ErrStorageDisabled):
		return http.StatusServiceUnavailable, "internal_server_error"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

// upstreamAuthMessage is the only message an upstream credential failure may
// surface; the root cause is logged, never returned.
const upstreamAuthMessage = "upstream authentication failed"

// writeError serializes err as the taxonomy envelope. Secrets are scrubbed
// here, at the serializer boundary.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := errorStatus(err)
	msg := s.scrubErr(err)
	if errors.Is(err, scribe.ErrUpstreamAuth) {
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream auth failed",
			slog.String("request_id", scribe.RequestIDFromContext(r.Context())),
			slog.String("tenant", scribe.TenantFromContext(r.Context())),
			slog.String("error", msg),
		)
		msg = upstreamAuthMessage
	}
	writeJSON(w, status, errorEnvelope(typ, msg))
}

// scrubErr renders err with every configured secret removed.
func (s *server) scrubErr(err error) string {
	if s.deps.Credentials != nil {
		return s.deps.Credentials.ScrubErr(err)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *server) scrub(v string) string {
	if s.deps.Credentials != nil {
		return s.deps.Credentials.Scrub(v)
	}
	return v
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
