package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/uploads"
)

// uploadRequest builds the upload form. files alternates name and content.
func uploadRequest(t *testing.T, fields map[string]string, files ...string) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	for i := 0; i+1 < len(files); i += 2 {
		part, err := writer.CreateFormFile("files", files[i])
		require.NoError(t, err)
		_, _ = part.Write([]byte(files[i+1]))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func enqueueIDs(t *testing.T, rec *httptest.ResponseRecorder) []uuid.UUID {
	t.Helper()
	var body struct {
		IDs []uuid.UUID `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.IDs
}

func treeFor(t *testing.T, env *testEnv, prefix string) *tree.Node {
	t.Helper()
	h := NewBrowserHandler(env.sessions, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/files/tree?prefix="+prefix, nil)
	require.NoError(t, h.Tree(env.context(req, rec)))
	var root tree.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	return &root
}

func TestEnqueue_OverlaysUntilListed(t *testing.T) {
	store := newFakeStore("docs/existing.txt")
	store.gate = make(chan struct{})
	env := newTestEnv(t, store)
	h := NewUploadsHandler(env.sessions, t.TempDir(), zerolog.Nop())

	rec := httptest.NewRecorder()
	req := uploadRequest(t, map[string]string{
		"prefix":        "docs/",
		"sub_folder":    "/reports/",
		"storage_class": "glacier",
	}, "q1.pdf", "quarter one")
	require.NoError(t, h.Enqueue(env.context(req, rec)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueueIDs(t, rec), 1)

	// In flight: the file shows as uploading under a synthesized folder.
	root := treeFor(t, env, "docs/")
	uploading := tree.Find(root, "docs/reports/q1.pdf")
	require.NotNil(t, uploading)
	assert.True(t, uploading.IsUploading)
	require.NotNil(t, uploading.Upload)
	assert.Equal(t, uploads.StorageGlacier, uploading.Upload.StorageClass)
	assert.Equal(t, "docs/reports/", root.Children[0].Path, "new folders go first")

	close(store.gate)
	env.waitIdle(t)

	// Finished but not yet listed: still shown, no longer uploading.
	done := tree.Find(treeFor(t, env, "docs/"), "docs/reports/q1.pdf")
	require.NotNil(t, done)
	assert.False(t, done.IsUploading)
	assert.Equal(t, uint64(len("quarter one")), done.Size)

	// Once the listing has the key the local record is dropped.
	store.mu.Lock()
	store.objects["docs/reports/q1.pdf"] = []byte("quarter one")
	store.mu.Unlock()
	require.NotNil(t, tree.Find(treeFor(t, env, "docs/"), "docs/reports/q1.pdf"))

	ws, ok := env.registry.Lookup(testCreds.SessionID)
	require.True(t, ok)
	assert.Empty(t, ws.Completed())
}

func TestEnqueue_HTMXRendersQueue(t *testing.T) {
	env := newTestEnv(t, newFakeStore())
	h := NewUploadsHandler(env.sessions, t.TempDir(), zerolog.Nop())

	req := uploadRequest(t, nil, "a.txt", "a", "b.txt", "b")
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	require.NoError(t, h.Enqueue(env.context(req, rec)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	call := env.renderer.last()
	assert.Equal(t, "upload_queue", call.Name)
	assert.IsType(t, queueView{}, call.Data)
	env.waitIdle(t)
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t, newFakeStore())
	h := NewUploadsHandler(env.sessions, t.TempDir(), zerolog.Nop())

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"unknown storage class", uploadRequest(t, map[string]string{"storage_class": "COLD"}, "a.txt", "a")},
		{"no files", uploadRequest(t, map[string]string{"prefix": "docs/"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Enqueue(env.context(tt.req, httptest.NewRecorder()))
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, http.StatusBadRequest, httpErr.Code)
		})
	}
	assert.Equal(t, 0, env.registry.Len(), "rejected requests do not open a workspace")
}

func TestRetryAndDismiss(t *testing.T) {
	store := newFakeStore()
	store.setUploadErr(&uploads.ApplicationError{Message: "quota exceeded"})
	store.setVisible(true)
	env := newTestEnv(t, store)
	h := NewUploadsHandler(env.sessions, t.TempDir(), zerolog.Nop())

	rec := httptest.NewRecorder()
	require.NoError(t, h.Enqueue(env.context(uploadRequest(t, nil, "a.txt", "a", "b.txt", "b"), rec)))
	ids := enqueueIDs(t, rec)
	require.Len(t, ids, 2)
	env.waitIdle(t)

	listRec := httptest.NewRecorder()
	require.NoError(t, h.List(env.context(httptest.NewRequest(http.MethodGet, "/api/uploads", nil), listRec)))
	var view queueView
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &view))
	assert.Equal(t, 2, view.Stats.Failed)
	assert.Equal(t, "quota exceeded", view.Tasks[0].Error)

	call := func(fn echo.HandlerFunc, id string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := env.context(httptest.NewRequest(http.MethodPost, "/", nil), rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return rec, fn(c)
	}

	// Dismiss the first failure.
	rec, err := call(h.Dismiss, ids[0].String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Retry the second once the backend accepts uploads again.
	store.setUploadErr(nil)
	rec, err = call(h.Retry, ids[1].String())
	require.NoError(t, err)
	var retried struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.NotEqual(t, ids[1], retried.ID)
	env.waitIdle(t)

	store.mu.Lock()
	assert.Contains(t, store.objects, "b.txt")
	assert.NotContains(t, store.objects, "a.txt")
	store.mu.Unlock()

	tests := []struct {
		name string
		fn   echo.HandlerFunc
		id   string
		code int
	}{
		{"bad id", h.Retry, "not-a-uuid", http.StatusBadRequest},
		{"unknown task", h.Dismiss, uuid.NewString(), http.StatusNotFound},
		{"already gone", h.Retry, ids[0].String(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(tt.fn, tt.id)
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.code, httpErr.Code)
		})
	}
}

func TestTaskErrorNotFailed(t *testing.T) {
	var httpErr *echo.HTTPError
	require.ErrorAs(t, taskError(uploads.ErrTaskNotFailed), &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

// syncRecorder is a ResponseWriter safe to read while a handler streams.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   bytes.Buffer
	code   int
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func TestEvents_StreamsTaskSnapshots(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	env := newTestEnv(t, store)
	h := NewUploadsHandler(env.sessions, t.TempDir(), zerolog.Nop())

	require.NoError(t, h.Enqueue(env.context(uploadRequest(t, nil, "live.txt", "live"), httptest.NewRecorder())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &syncRecorder{header: http.Header{}}
	req := httptest.NewRequest(http.MethodGet, "/api/uploads/events", nil).WithContext(ctx)
	done := make(chan error, 1)
	go func() { done <- h.Events(env.context(req, rec)) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(rec.String(), `"status":"uploading"`)
	}, 2*time.Second, 10*time.Millisecond)

	close(store.gate)
	assert.Eventually(t, func() bool {
		return strings.Contains(rec.String(), `"status":"completed"`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not stop")
	}
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.String(), "event: task\ndata: ")
}
