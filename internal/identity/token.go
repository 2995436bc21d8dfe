package identity

import (
	"net/http"
	"strings"
)

// DefaultCookieName is the session cookie set on login.
const DefaultCookieName = "noticeboard_session"

// TokenFromRequest returns the session token carried by r, preferring an
// `Authorization: Bearer` header over the named cookie.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
