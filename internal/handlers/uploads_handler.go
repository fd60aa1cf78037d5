package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/uploads"
	"github.com/damacus/iron-tree/internal/workspace"
)

// UploadsHandler exposes the session's upload queue.
type UploadsHandler struct {
	sessions *Sessions
	spoolDir string
	log      zerolog.Logger
}

func NewUploadsHandler(sessions *Sessions, spoolDir string, log zerolog.Logger) *UploadsHandler {
	return &UploadsHandler{sessions: sessions, spoolDir: spoolDir, log: log}
}

// queueView is the data behind the upload_queue partial.
type queueView struct {
	Tasks     []uploads.Snapshot           `json:"tasks"`
	Stats     uploads.Stats                `json:"stats"`
	Completed []uploads.CompletedUpload    `json:"completed"`
	Classes   []uploads.StorageClassOption `json:"-"`
}

func newQueueView(ws *workspace.Workspace) queueView {
	return queueView{
		Tasks:     ws.Queue().Tasks(),
		Stats:     ws.Queue().Stats(),
		Completed: ws.Completed(),
		Classes:   uploads.StorageClasses,
	}
}

// UploadModal renders the upload dialog for ?prefix=.
func (h *UploadsHandler) UploadModal(c echo.Context) error {
	return c.Render(http.StatusOK, "upload_modal", map[string]interface{}{
		"Prefix":         uploads.NormalisePrefix(c.QueryParam("prefix")),
		"StorageClasses": uploads.StorageClasses,
	})
}

// Enqueue spools the submitted files and queues one task per file. The
// response returns as soon as the tasks are queued.
func (h *UploadsHandler) Enqueue(c echo.Context) error {
	class, err := uploads.ParseStorageClass(c.FormValue("storage_class"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "No files uploaded")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "No files selected")
	}

	_, ws, err := h.sessions.open(c)
	if err != nil {
		return err
	}

	prefix := uploads.NormalisePrefix(c.FormValue("prefix"))
	subFolder := c.FormValue("sub_folder")
	tasks := make([]*uploads.Task, 0, len(headers))
	for _, fh := range headers {
		spooled, err := h.spool(fh)
		if err != nil {
			for _, t := range tasks {
				_ = t.File.(uploads.Releaser).Release()
			}
			h.log.Error().Err(err).Str("file", fh.Filename).Msg("spool failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to receive "+fh.Filename)
		}
		key := uploads.DestinationKey(prefix, subFolder, spooled.Name())
		tasks = append(tasks, uploads.NewTask(spooled, key, class))
	}

	ids, err := ws.Queue().Enqueue(tasks...)
	if err != nil {
		for _, t := range tasks {
			_ = t.File.(uploads.Releaser).Release()
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Upload queue is closed")
	}
	h.log.Info().Int("files", len(ids)).Str("prefix", prefix).Str("storage_class", string(class)).Msg("uploads queued")

	if c.Request().Header.Get("HX-Request") == "true" {
		return c.Render(http.StatusAccepted, "upload_queue", newQueueView(ws))
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ids": ids})
}

func (h *UploadsHandler) spool(fh *multipart.FileHeader) (*uploads.SpooledFile, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	return uploads.Spool(h.spoolDir, filepath.Base(fh.Filename), src)
}

// QueuePartial renders the upload queue panel.
func (h *UploadsHandler) QueuePartial(c echo.Context) error {
	_, ws, err := h.sessions.open(c)
	if err != nil {
		return err
	}
	return c.Render(http.StatusOK, "upload_queue", newQueueView(ws))
}

// List returns the queue as JSON.
func (h *UploadsHandler) List(c echo.Context) error {
	_, ws, err := h.sessions.open(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newQueueView(ws))
}

// Events streams task snapshots as server-sent events until the client
// disconnects or the queue closes. The current tasks are sent first.
func (h *UploadsHandler) Events(c echo.Context) error {
	_, ws, err := h.sessions.open(c)
	if err != nil {
		return err
	}
	events, cancel := ws.Queue().Subscribe()
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	for _, snap := range ws.Queue().Tasks() {
		if err := writeEvent(res, snap); err != nil {
			return nil
		}
	}
	res.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(res, snap); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeEvent(res *echo.Response, snap uploads.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(res, "event: task\ndata: %s\n\n", data)
	return err
}

// Retry requeues a failed task under a new ID.
func (h *UploadsHandler) Retry(c echo.Context) error {
	id, ws, err := h.task(c)
	if err != nil {
		return err
	}
	newID, err := ws.Queue().Retry(id)
	if err != nil {
		return taskError(err)
	}
	if c.Request().Header.Get("HX-Request") == "true" {
		return c.Render(http.StatusOK, "upload_queue", newQueueView(ws))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": newID})
}

// Dismiss removes a failed task from the queue.
func (h *UploadsHandler) Dismiss(c echo.Context) error {
	id, ws, err := h.task(c)
	if err != nil {
		return err
	}
	if err := ws.Queue().Dismiss(id); err != nil {
		return taskError(err)
	}
	if c.Request().Header.Get("HX-Request") == "true" {
		return c.Render(http.StatusOK, "upload_queue", newQueueView(ws))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *UploadsHandler) task(c echo.Context) (uuid.UUID, *workspace.Workspace, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid task id")
	}
	_, ws, err := h.sessions.open(c)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return id, ws, nil
}

func taskError(err error) error {
	switch {
	case errors.Is(err, uploads.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Upload not found")
	case errors.Is(err, uploads.ErrTaskNotFailed):
		return echo.NewHTTPError(http.StatusConflict, "Only failed uploads can be retried or dismissed")
	case errors.Is(err, uploads.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Upload queue is closed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
