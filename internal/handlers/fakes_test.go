package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/tree"
	"github.com/damacus/iron-tree/internal/uploads"
	"github.com/damacus/iron-tree/internal/utils"
	"github.com/damacus/iron-tree/internal/workspace"
)

// fakeStore is an in-memory ObjectStore. Uploads land in objects only when
// visible is set, which models a listing that lags behind the write.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	visible   bool
	verifyErr error
	listErr   error
	uploadErr error
	gate      chan struct{}
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{objects: make(map[string][]byte)}
	for _, k := range keys {
		s.objects[k] = []byte(k)
	}
	return s
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]models.ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.ObjectRecord
	for k, v := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, models.ObjectRecord{Key: k, Size: uint64(len(v)), StorageClass: "STANDARD"})
		}
	}
	return out, nil
}

func (s *fakeStore) Search(ctx context.Context, pattern, prefix string) ([]models.ObjectRecord, error) {
	all, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []models.ObjectRecord
	for _, r := range all {
		if strings.Contains(strings.ToLower(r.Key), strings.ToLower(pattern)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Download(_ context.Context, key string) (io.ReadCloser, int64, error) {
	if key == "" {
		return nil, 0, services.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, services.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return services.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return services.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) Verify(context.Context) error {
	return s.verifyErr
}

func (s *fakeStore) Execute(ctx context.Context, task uploads.Snapshot, file uploads.File, progress uploads.ProgressFunc) (uploads.Response, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return uploads.Response{}, uploads.TransportError(ctx.Err())
		}
	}
	s.mu.Lock()
	err := s.uploadErr
	s.mu.Unlock()
	if err != nil {
		return uploads.Response{}, err
	}

	rc, err := file.Open()
	if err != nil {
		return uploads.Response{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(uploads.NewProgressReader(rc, progress))
	if err != nil {
		return uploads.Response{}, uploads.TransportError(err)
	}

	s.mu.Lock()
	if s.visible {
		s.objects[task.DestinationKey] = data
	}
	s.mu.Unlock()
	return uploads.Response{Message: "File uploaded successfully"}, nil
}

func (s *fakeStore) setUploadErr(err error) {
	s.mu.Lock()
	s.uploadErr = err
	s.mu.Unlock()
}

func (s *fakeStore) setVisible(v bool) {
	s.mu.Lock()
	s.visible = v
	s.mu.Unlock()
}

// renderCall records what a handler asked to render.
type renderCall struct {
	Name string
	Data interface{}
}

type recordingRenderer struct {
	mu    sync.Mutex
	calls []renderCall
}

func (r *recordingRenderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, renderCall{Name: name, Data: data})
	_, err := io.WriteString(w, name)
	return err
}

func (r *recordingRenderer) last() renderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return renderCall{}
	}
	return r.calls[len(r.calls)-1]
}

var testCreds = &services.Credentials{
	Endpoint:  "localhost:9000",
	AccessKey: "admin",
	SecretKey: "password",
	SessionID: "session-1",
}

type testEnv struct {
	e        *echo.Echo
	store    *fakeStore
	registry *workspace.Registry
	sessions *Sessions
	renderer *recordingRenderer
}

func newTestEnv(t *testing.T, store *fakeStore) *testEnv {
	t.Helper()
	registry := workspace.NewRegistry(tree.NewBuilder(language.English), zerolog.Nop())
	t.Cleanup(registry.Close)

	r := &recordingRenderer{}
	e := echo.New()
	e.Renderer = r
	return &testEnv{
		e:     e,
		store: store,
		sessions: &Sessions{
			Stores: services.StoreFactoryFunc(func(services.Credentials) (services.ObjectStore, error) {
				return store, nil
			}),
			Registry: registry,
		},
		registry: registry,
		renderer: r,
	}
}

// context builds an authenticated echo context for req.
func (env *testEnv) context(req *http.Request, rec http.ResponseWriter) echo.Context {
	c := env.e.NewContext(req, rec)
	c.Set(utils.ContextKeyCreds, testCreds)
	return c
}

func (env *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ws, ok := env.registry.Lookup(testCreds.SessionID)
	if !ok {
		t.Fatal("no workspace for test session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Queue().WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}
