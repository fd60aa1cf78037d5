package services

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/uploads"
)

var (
	// ErrEmptyKey is returned when an operation needs an object key.
	ErrEmptyKey = errors.New("file path cannot be empty")
	// ErrUnauthorized means the backend rejected the session's credentials.
	ErrUnauthorized = errors.New("session expired or credentials rejected")
	// ErrNotFound means the object does not exist.
	ErrNotFound = errors.New("file not found")
)

// ObjectStore is the file backend one session talks to. It also performs
// the session's uploads.
type ObjectStore interface {
	uploads.Executor

	// List returns every object under prefix, recursively.
	List(ctx context.Context, prefix string) ([]models.ObjectRecord, error)
	// Search returns the objects under prefix whose key contains pattern,
	// ignoring case.
	Search(ctx context.Context, pattern, prefix string) ([]models.ObjectRecord, error)
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	// Verify checks that the credentials are accepted.
	Verify(ctx context.Context) error
}

// StoreFactory opens a store for a session's credentials.
type StoreFactory interface {
	NewStore(creds Credentials) (ObjectStore, error)
}

// StoreFactoryFunc adapts a function to StoreFactory.
type StoreFactoryFunc func(creds Credentials) (ObjectStore, error)

func (f StoreFactoryFunc) NewStore(creds Credentials) (ObjectStore, error) {
	return f(creds)
}

// UsageReporter is implemented by stores that can report bucket usage.
type UsageReporter interface {
	Usage(ctx context.Context) (Usage, error)
}

// Usage summarises the bucket behind a store.
type Usage struct {
	Objects uint64
	Size    uint64
}

// matchesPattern is the search predicate shared by all stores.
func matchesPattern(key, pattern string) bool {
	return strings.Contains(strings.ToLower(key), strings.ToLower(pattern))
}

func filterRecords(records []models.ObjectRecord, pattern string) []models.ObjectRecord {
	out := make([]models.ObjectRecord, 0, len(records))
	for _, r := range records {
		if matchesPattern(r.Key, pattern) {
			out = append(out, r)
		}
	}
	return out
}

// DownloadName is the file name offered to the browser for key.
func DownloadName(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
