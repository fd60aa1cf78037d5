package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/uploads"
	"github.com/damacus/iron-tree/internal/utils"
	"github.com/damacus/iron-tree/internal/workspace"
)

// GetCredentials retrieves and validates credentials from the context
func GetCredentials(c echo.Context) (*services.Credentials, error) {
	val := c.Get(utils.ContextKeyCreds)
	if val == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	creds, ok := val.(*services.Credentials)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	return creds, nil
}

// GetCredentialsOrRedirect retrieves credentials or redirects to login
func GetCredentialsOrRedirect(c echo.Context) (*services.Credentials, error) {
	creds, err := GetCredentials(c)
	if err != nil {
		return nil, c.Redirect(http.StatusSeeOther, "/login")
	}
	return creds, nil
}

// HTMXRedirect sets the HX-Redirect header and returns a 200 OK response.
// This is used for HTMX requests that should trigger a client-side redirect.
func HTMXRedirect(c echo.Context, url string) error {
	c.Response().Header().Set("HX-Redirect", url)
	return c.NoContent(http.StatusOK)
}

// SessionKey identifies the workspace that belongs to creds. Cookies issued
// before session IDs existed fall back to the access key.
func SessionKey(creds *services.Credentials) string {
	if creds.SessionID != "" {
		return creds.SessionID
	}
	return creds.Endpoint + "|" + creds.AccessKey
}

// Sessions resolves a request to its store and workspace.
type Sessions struct {
	Stores   services.StoreFactory
	Registry *workspace.Registry
}

func (s *Sessions) open(c echo.Context) (services.ObjectStore, *workspace.Workspace, error) {
	creds, err := GetCredentials(c)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.Stores.NewStore(*creds)
	if err != nil {
		c.Logger().Errorf("open store: %v", err)
		return nil, nil, echo.NewHTTPError(http.StatusInternalServerError, "Failed to connect to file service")
	}
	ws, err := s.Registry.Get(SessionKey(creds), func() (uploads.Executor, error) {
		return store, nil
	})
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusInternalServerError, "Failed to open workspace")
	}
	return store, ws, nil
}

// storeError maps a store failure onto the HTTP status shown to the user.
func storeError(err error) *echo.HTTPError {
	var appErr *uploads.ApplicationError
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired. Please login again.")
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	case errors.Is(err, services.ErrEmptyKey):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, services.ErrEmptyKey.Error())
	case errors.As(err, &appErr):
		return echo.NewHTTPError(http.StatusBadGateway, appErr.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, "File service unavailable")
	}
}
