package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/utils"
	"github.com/damacus/iron-tree/internal/workspace"
)

type AuthHandler struct {
	authService *services.AuthService
	stores      services.StoreFactory
	registry    *workspace.Registry
	endpoint    string
	log         zerolog.Logger
}

func NewAuthHandler(authService *services.AuthService, stores services.StoreFactory, registry *workspace.Registry, endpoint string, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		stores:      stores,
		registry:    registry,
		endpoint:    endpoint,
		log:         log,
	}
}

// LoginPage renders the login view
func (h *AuthHandler) LoginPage(c echo.Context) error {
	// If already logged in (cookie exists AND is valid), redirect to the browser
	cookie, err := c.Cookie(utils.CookieName)
	if err == nil {
		if _, err := h.authService.DecryptCredentials(cookie.Value); err == nil {
			return c.Redirect(http.StatusSeeOther, "/")
		}
	}
	return c.Render(http.StatusOK, "login", map[string]interface{}{
		"Endpoint": h.endpoint,
	})
}

// Login verifies the submitted credentials against the backend and seals
// them into the session cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	creds := services.Credentials{
		Endpoint:  h.endpoint,
		AccessKey: c.FormValue("accessKey"),
		SecretKey: c.FormValue("secretKey"),
		SessionID: uuid.NewString(),
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return c.Render(http.StatusOK, "login_error", "Username and password are required")
	}

	store, err := h.stores.NewStore(creds)
	if err != nil {
		return c.Render(http.StatusOK, "login_error", "Invalid Configuration")
	}

	if err := store.Verify(c.Request().Context()); err != nil {
		h.log.Info().Err(err).Str("user", creds.AccessKey).Msg("login rejected")
		if errors.Is(err, services.ErrUnauthorized) {
			return c.Render(http.StatusOK, "login_error", "Authentication Failed: Invalid Credentials")
		}
		return c.Render(http.StatusOK, "login_error", "Authentication Failed: File Service Unreachable")
	}

	encrypted, err := h.authService.EncryptCredentials(creds)
	if err != nil {
		return c.HTML(http.StatusInternalServerError, "Failed to create session")
	}

	cookie := new(http.Cookie)
	cookie.Name = utils.CookieName
	cookie.Value = encrypted
	cookie.Expires = time.Now().Add(24 * time.Hour)
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteStrictMode
	cookie.Secure = requestIsSecure(c)
	c.SetCookie(cookie)

	h.log.Info().Str("user", creds.AccessKey).Str("session", creds.SessionID).Msg("login")
	return HTMXRedirect(c, "/")
}

// Logout clears the session and stops its upload queue.
func (h *AuthHandler) Logout(c echo.Context) error {
	if existing, err := c.Cookie(utils.CookieName); err == nil {
		if creds, err := h.authService.DecryptCredentials(existing.Value); err == nil {
			h.registry.Remove(SessionKey(creds))
		}
	}

	cookie := new(http.Cookie)
	cookie.Name = utils.CookieName
	cookie.Value = ""
	cookie.Expires = time.Now().Add(-1 * time.Hour)
	cookie.MaxAge = -1
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteStrictMode
	cookie.Secure = requestIsSecure(c)
	c.SetCookie(cookie)
	return c.Redirect(http.StatusSeeOther, "/login")
}

func requestIsSecure(c echo.Context) bool {
	req := c.Request()
	if req.TLS != nil {
		return true
	}

	return req.Header.Get("X-Forwarded-Proto") == "https"
}
