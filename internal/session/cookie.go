package session

import "net/http"

// CookieName is the admin session cookie.
const CookieName = "pincer_admin_session"

// CSRFHeader is the header clients must echo the session's CSRF token on
// for non-idempotent admin requests.
const CSRFHeader = "x-pincer-csrf"

// cookieFor builds the Set-Cookie value for an active session:
// HttpOnly; Secure; SameSite=Lax; Path=/.
func cookieFor(s *Session) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    s.SessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  s.AbsoluteExpiry,
	}
}

// ExpiredCookie clears the session cookie on the client.
func ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

// ClientID derives the lockout-keying client id from the
// cf-connecting-ip header value, deliberately coarse.
func ClientID(cfConnectingIP string) string {
	if cfConnectingIP == "" {
		return "unknown"
	}
	return cfConnectingIP
}
