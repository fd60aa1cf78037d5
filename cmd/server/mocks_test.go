package main

import (
	"context"
	"io"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/mock"

	"github.com/damacus/iron-tree/internal/services"
)

// MockMinioClient implements both MinioClient and MinioAdminClient interfaces for testing
type MockMinioClient struct {
	mock.Mock
}

// MinioAdminClient methods

func (m *MockMinioClient) DataUsageInfo(ctx context.Context) (madmin.DataUsageInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(madmin.DataUsageInfo), args.Error(1)
}

// MinioClient methods

func (m *MockMinioClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockMinioClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) ([]minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, opts)
	return args.Get(0).([]minio.ObjectInfo), args.Error(1)
}

func (m *MockMinioClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	n, _ := io.Copy(io.Discard, reader)
	if opts.Progress != nil && n > 0 {
		_, _ = opts.Progress.Read(make([]byte, n))
	}
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *MockMinioClient) GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Get(1).(int64), args.Error(2)
}

func (m *MockMinioClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *MockMinioClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Error(0)
}

// MockMinioFactory implements MinioClientFactory for testing
type MockMinioFactory struct {
	mock.Mock
}

func (m *MockMinioFactory) NewAdminClient(creds services.Credentials) (services.MinioAdminClient, error) {
	args := m.Called(creds)
	return args.Get(0).(services.MinioAdminClient), args.Error(1)
}

func (m *MockMinioFactory) NewClient(creds services.Credentials) (services.MinioClient, error) {
	args := m.Called(creds)
	return args.Get(0).(services.MinioClient), args.Error(1)
}
