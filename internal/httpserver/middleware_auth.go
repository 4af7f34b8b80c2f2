package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/dhannusch/pincer/internal/session"
	"github.com/dhannusch/pincer/internal/telemetry"
	"github.com/dhannusch/pincer/internal/verifier"
)

var secretLeakPattern = regexp.MustCompile(`(?i)secret`)

type authContextKey string

const (
	keyIDContextKey     authContextKey = "runtime_key_id"
	sessionContextKey   authContextKey = "admin_session"
	maxRuntimeBodyBytes                = 2 << 20
)

// keyIDFromContext returns the authenticated runtime key id, set by
// requireSignedRequest.
func keyIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyIDContextKey).(string); ok {
		return v
	}
	return ""
}

// sessionFromContext returns the enforced admin session, set by
// requireSession.
func sessionFromContext(ctx context.Context) *session.Session {
	if v, ok := ctx.Value(sessionContextKey).(*session.Session); ok {
		return v
	}
	return nil
}

// requireSignedRequest authenticates every /v1/adapter* and /v1/adapters*
// call against the signed-request verifier. The body is buffered so it
// can be hashed here and still read again by the handler.
func (s *Server) requireSignedRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRuntimeBodyBytes))
		if err != nil {
			RespondError(w, http.StatusBadRequest, "invalid_payload", "reading request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		req := verifier.Request{
			Method:          r.Method,
			Path:            r.URL.Path,
			Body:            body,
			Authorization:   r.Header.Get("Authorization"),
			TimestampHeader: r.Header.Get("x-pincer-timestamp"),
			BodySHA256Hex:   r.Header.Get("x-pincer-body-sha256"),
			Signature:       r.Header.Get("x-pincer-signature"),
		}

		keyID, err := s.verifier.Verify(r.Context(), req)
		if err != nil {
			var verr *verifier.Error
			if errors.As(err, &verr) {
				telemetry.VerifierFailuresTotal.WithLabelValues(string(verr.Reason)).Inc()
				RespondError(w, verr.Status, string(verr.Reason), "")
				return
			}
			s.logger.Error("signed request verification failed", "error", sanitize(err.Error()))
			RespondError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}

		ctx := context.WithValue(r.Context(), keyIDContextKey, keyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession enforces an admin session cookie. requireCSRF
// additionally checks the x-pincer-csrf header on non-idempotent routes.
func (s *Server) requireSession(requireCSRF bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := s.enforceSession(w, r, requireCSRF)
			if !ok {
				return
			}
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// enforceSession runs the session enforcement contract inline (used both
// by requireSession and by GET /v1/admin/session/me, which sits outside
// the generic middleware group since it's reachable without a session
// yet). On failure it writes the error response itself and returns
// ok=false.
func (s *Server) enforceSession(w http.ResponseWriter, r *http.Request, requireCSRF bool) (*session.Session, bool) {
	var cookieValue string
	if c, err := r.Cookie(session.CookieName); err == nil {
		cookieValue = c.Value
	}

	result, err := s.sessions.Enforce(r.Context(), cookieValue, r.Header.Get(session.CSRFHeader), requireCSRF)
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) {
			RespondError(w, serr.Status, serr.Kind, "")
			return nil, false
		}
		s.logger.Error("session enforcement failed", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return nil, false
	}

	if result.Cookie != nil {
		http.SetCookie(w, result.Cookie)
	}
	return result.Session, true
}

// sanitize redacts any substring matching /secret/i from a message before
// it can leave the boundary.
func sanitize(msg string) string {
	return secretLeakPattern.ReplaceAllString(msg, "[redacted]")
}
