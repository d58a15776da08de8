package middleware

// context.go holds the request-scoped values the middleware chain attaches
// for handlers, plus the cookies it owns.

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	AccessCookie  = "accessToken"
	SessionCookie = "session_id"

	identityKey  = "auth.identity"
	sessionIDKey = "auth.session_id"
)

// IdentityFrom returns the identity attached by the guard.
func IdentityFrom(c echo.Context) (*Identity, bool) {
	id, ok := c.Get(identityKey).(*Identity)
	return id, ok && id != nil
}

// WithIdentity attaches id to the request.
func WithIdentity(c echo.Context, id *Identity) { c.Set(identityKey, id) }

// SessionIDFrom returns the browser session id, or "" when none could be
// established.
func SessionIDFrom(c echo.Context) string {
	s, _ := c.Get(sessionIDKey).(string)
	return s
}

// WithSessionID attaches id to the request. Used by the session middleware
// and by tests.
func WithSessionID(c echo.Context, id string) { c.Set(sessionIDKey, id) }

func newCookie(name, value string, secure bool, maxAge time.Duration) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	// browsers drop SameSite=None cookies that are not Secure
	if secure {
		ck.SameSite = http.SameSiteNoneMode
	}
	if maxAge > 0 {
		ck.MaxAge = int(maxAge / time.Second)
	}
	return ck
}

// SetAccessCookie sets the access token cookie.
func SetAccessCookie(c echo.Context, token string, secure bool) {
	c.SetCookie(newCookie(AccessCookie, token, secure, 0))
}

// ClearAccessCookie expires the access token cookie.
func ClearAccessCookie(c echo.Context, secure bool) {
	ck := newCookie(AccessCookie, "", secure, 0)
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0)
	c.SetCookie(ck)
}

func cookieValue(c echo.Context, name string) string {
	ck, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
