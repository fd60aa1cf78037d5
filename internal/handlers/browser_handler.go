package handlers

import (
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/uploads"
)

// BrowserHandler serves the folder view over the flat object listing.
type BrowserHandler struct {
	sessions *Sessions
	log      zerolog.Logger
}

func NewBrowserHandler(sessions *Sessions, log zerolog.Logger) *BrowserHandler {
	return &BrowserHandler{sessions: sessions, log: log}
}

// view lists prefix and returns the overlaid tree for it.
func (h *BrowserHandler) view(c echo.Context, prefix string) (*tree.Node, services.ObjectStore, error) {
	store, ws, err := h.sessions.open(c)
	if err != nil {
		return nil, nil, err
	}
	records, err := store.List(c.Request().Context(), prefix)
	if err != nil {
		h.log.Warn().Err(err).Str("prefix", prefix).Msg("list failed")
		return nil, nil, storeError(err)
	}
	return ws.View(records, prefix), store, nil
}

// Browse renders the file browser page for ?prefix=.
func (h *BrowserHandler) Browse(c echo.Context) error {
	if creds, err := GetCredentialsOrRedirect(c); creds == nil {
		return err
	}
	prefix := uploads.NormalisePrefix(c.QueryParam("prefix"))

	root, store, err := h.view(c, prefix)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"ActiveNav":      "files",
		"Prefix":         prefix,
		"Breadcrumbs":    models.BuildBreadcrumbs(prefix),
		"Tree":           root,
		"StorageClasses": uploads.StorageClasses,
	}
	if reporter, ok := store.(services.UsageReporter); ok {
		if usage, err := reporter.Usage(c.Request().Context()); err == nil {
			data["Usage"] = usage
		} else {
			h.log.Debug().Err(err).Msg("usage unavailable")
		}
	}
	return c.Render(http.StatusOK, "browser", data)
}

// Tree returns the overlaid tree for ?prefix= as JSON.
func (h *BrowserHandler) Tree(c echo.Context) error {
	root, _, err := h.view(c, uploads.NormalisePrefix(c.QueryParam("prefix")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, root)
}

// Paths returns every node path of the overlaid tree, sorted. ?depth=
// limits the result to that many levels below the prefix.
func (h *BrowserHandler) Paths(c echo.Context) error {
	maxDepth := 0
	if v := c.QueryParam("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "depth must be a positive number")
		}
		maxDepth = n
	}
	prefix := uploads.NormalisePrefix(c.QueryParam("prefix"))
	root, _, err := h.view(c, prefix)
	if err != nil {
		return err
	}
	set := tree.AllPaths(root)
	paths := make([]string, 0, len(set))
	for p := range set {
		if maxDepth > 0 && tree.Depth(p, prefix) > maxDepth {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return c.JSON(http.StatusOK, paths)
}

// Search matches ?q= against keys under ?prefix=, ignoring case.
func (h *BrowserHandler) Search(c echo.Context) error {
	pattern := c.QueryParam("q")
	if pattern == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Search pattern is required")
	}
	store, _, err := h.sessions.open(c)
	if err != nil {
		return err
	}
	records, err := store.Search(c.Request().Context(), pattern, uploads.NormalisePrefix(c.QueryParam("prefix")))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pattern": pattern,
		"files":   records,
		"count":   len(records),
	})
}

// Download streams ?key= as an attachment.
func (h *BrowserHandler) Download(c echo.Context) error {
	if creds, err := GetCredentialsOrRedirect(c); creds == nil {
		return err
	}
	store, _, err := h.sessions.open(c)
	if err != nil {
		return err
	}

	key := c.QueryParam("key")
	body, size, err := store.Download(c.Request().Context(), key)
	if err != nil {
		return storeError(err)
	}
	defer func() { _ = body.Close() }()

	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+strconv.Quote(services.DownloadName(key)))
	if size >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	return c.Stream(http.StatusOK, contentType(key), body)
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
}

// contentType guesses from the key's extension; unknown types download as
// octet streams.
func contentType(key string) string {
	if t, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return t
	}
	return echo.MIMEOctetStream
}

// Delete removes the object named by the form field key.
func (h *BrowserHandler) Delete(c echo.Context) error {
	store, _, err := h.sessions.open(c)
	if err != nil {
		return err
	}
	key := c.FormValue("key")
	if err := store.Delete(c.Request().Context(), key); err != nil {
		return storeError(err)
	}
	h.log.Info().Str("key", key).Msg("object deleted")
	return c.NoContent(http.StatusOK) // Row disappears
}
