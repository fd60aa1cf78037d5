package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/utils"
)

// AuthMiddleware checks for the IronSeal cookie and validates it
func AuthMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip for public routes
			path := c.Request().URL.Path
			if path == "/login" || path == "/health" || path == "/logout" {
				return next(c)
			}

			// Get Cookie
			cookie, err := c.Cookie(utils.CookieName)
			if err != nil {
				return unauthenticated(c)
			}

			// Decrypt
			creds, err := authService.DecryptCredentials(cookie.Value)
			if err != nil {
				// Invalid cookie - Clear it to prevent loop
				cookie.MaxAge = -1
				c.SetCookie(cookie)
				return unauthenticated(c)
			}

			// Store creds in context for handlers to use
			c.Set(utils.ContextKeyCreds, creds)

			return next(c)
		}
	}
}

// unauthenticated redirects page requests to the login form. API and event
// stream callers get a plain 401 they can act on.
func unauthenticated(c echo.Context) error {
	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired. Please login again.")
	}
	return c.Redirect(http.StatusSeeOther, "/login")
}
