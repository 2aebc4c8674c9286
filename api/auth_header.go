package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"lending-api/internal/consts"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const (
	bearerPrefix    = "Bearer "
	authDurationKey = "auth_duration"
)

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := trimmed[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the Authorization header of r. Browsers cannot set
// headers on a WebSocket handshake, so a token query parameter is accepted
// as a fallback.
func authHeader(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if tok := r.URL.Query().Get(consts.WSTokenQueryParam); tok != "" {
		return bearerPrefix + tok
	}
	return ""
}

// RequireUser authenticates every request and stores the user id in the echo
// context under consts.UsernameContextKey.
func RequireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(authHeader(c.Request()))
			c.Set(authDurationKey, time.Since(start))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Set(consts.UsernameContextKey, userID)
			return next(c)
		}
	}
}

func userFrom(c echo.Context) string {
	if u, ok := c.Get(consts.UsernameContextKey).(string); ok {
		return u
	}
	return ""
}
