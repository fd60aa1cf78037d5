package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/uploads"
)

// MinioStore talks to one bucket through the S3 API.
type MinioStore struct {
	client  MinioClient
	factory MinioClientFactory
	creds   Credentials
	bucket  string
	log     zerolog.Logger
}

// NewMinioStore opens a client for creds scoped to bucket.
func NewMinioStore(factory MinioClientFactory, creds Credentials, bucket string, log zerolog.Logger) (*MinioStore, error) {
	client, err := factory.NewClient(creds)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", creds.Endpoint, err)
	}
	return &MinioStore{
		client:  client,
		factory: factory,
		creds:   creds,
		bucket:  bucket,
		log:     log.With().Str("backend", "minio").Str("bucket", bucket).Logger(),
	}, nil
}

func toRecord(obj minio.ObjectInfo) models.ObjectRecord {
	size := uint64(0)
	if obj.Size > 0 {
		size = uint64(obj.Size)
	}
	class := obj.StorageClass
	if class == "" {
		class = string(uploads.StorageStandard)
	}
	return models.ObjectRecord{
		Key:          obj.Key,
		Size:         size,
		LastModified: obj.LastModified,
		StorageClass: class,
		ETag:         obj.ETag,
	}
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]models.ObjectRecord, error) {
	objects, err := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	if err != nil {
		return nil, s.wrap("list objects", err)
	}
	records := make([]models.ObjectRecord, 0, len(objects))
	for _, obj := range objects {
		records = append(records, toRecord(obj))
	}
	return records, nil
}

func (s *MinioStore) Search(ctx context.Context, pattern, prefix string) ([]models.ObjectRecord, error) {
	records, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return filterRecords(records, pattern), nil
}

func (s *MinioStore) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}
	r, size, err := s.client.GetObjectReader(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, s.wrap("get object", err)
	}
	return r, size, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.wrap("stat object", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("remove object", err)
	}
	s.log.Info().Str("key", key).Msg("object deleted")
	return nil
}

func (s *MinioStore) Verify(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap("check bucket", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q: %w", s.bucket, ErrNotFound)
	}
	return nil
}

// Execute uploads one task with PutObject.
func (s *MinioStore) Execute(ctx context.Context, task uploads.Snapshot, file uploads.File, progress uploads.ProgressFunc) (uploads.Response, error) {
	rc, err := file.Open()
	if err != nil {
		return uploads.Response{}, uploads.TransportError(fmt.Errorf("open %s: %w", file.Name(), err))
	}
	defer rc.Close()

	info, err := s.client.PutObject(ctx, s.bucket, task.DestinationKey, rc, file.Size(), minio.PutObjectOptions{
		StorageClass: string(task.StorageClass),
		ContentType:  "application/octet-stream",
		Progress:     &progressHook{progress: progress},
	})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code != "" {
			return uploads.Response{}, &uploads.ApplicationError{Message: resp.Message, Code: resp.Code}
		}
		return uploads.Response{}, uploads.TransportError(err)
	}
	return uploads.Response{Message: fmt.Sprintf("uploaded %s (%d bytes)", info.Key, info.Size)}, nil
}

// progressHook receives minio-go's progress updates. The client reads a
// buffer the size of each chunk it has sent, so the running length is the
// number of bytes transferred.
type progressHook struct {
	progress uploads.ProgressFunc
	mu       sync.Mutex
	sent     uint64
}

func (h *progressHook) Read(p []byte) (int, error) {
	h.mu.Lock()
	h.sent += uint64(len(p))
	sent := h.sent
	h.mu.Unlock()
	if h.progress != nil && len(p) > 0 {
		h.progress(sent)
	}
	return len(p), nil
}

// Usage reports the bucket's size from the admin data usage scan.
func (s *MinioStore) Usage(ctx context.Context) (Usage, error) {
	mdm, err := s.factory.NewAdminClient(s.creds)
	if err != nil {
		return Usage{}, fmt.Errorf("connect admin: %w", err)
	}
	info, err := mdm.DataUsageInfo(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("data usage: %w", err)
	}
	if b, ok := info.BucketsUsage[s.bucket]; ok {
		return Usage{Objects: b.ObjectsCount, Size: b.Size}, nil
	}
	return Usage{Size: info.BucketSizes[s.bucket]}, nil
}

// wrap maps S3 error responses onto the store's sentinel errors.
func (s *MinioStore) wrap(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied" ||
		resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return fmt.Errorf("%s: %w", op, err)
}
