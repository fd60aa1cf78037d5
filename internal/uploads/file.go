package uploads

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is the opaque handle to the bytes of one upload.
type File interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Releaser is implemented by files that hold resources which must be freed
// once the queue no longer needs the file.
type Releaser interface {
	Release() error
}

// LocalFile is a file already on local disk.
type LocalFile struct {
	path string
	name string
	size int64
}

// NewLocalFile stats path and returns a handle for it.
func NewLocalFile(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &LocalFile{path: path, name: filepath.Base(path), size: info.Size()}, nil
}

func (f *LocalFile) Name() string { return f.name }
func (f *LocalFile) Size() int64  { return f.size }

func (f *LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// MemoryFile keeps the whole payload in memory.
type MemoryFile struct {
	name string
	data []byte
}

// NewMemoryFile wraps data under the given name.
func NewMemoryFile(name string, data []byte) *MemoryFile {
	return &MemoryFile{name: name, data: data}
}

func (f *MemoryFile) Name() string { return f.name }
func (f *MemoryFile) Size() int64  { return int64(len(f.data)) }

func (f *MemoryFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// SpooledFile is a copy of request data written to a temp file so it outlives
// the HTTP request that carried it.
type SpooledFile struct {
	LocalFile
}

// Spool copies r into a new temp file under dir. The caller owns the result
// and frees it with Release.
func Spool(dir, name string, r io.Reader) (*SpooledFile, error) {
	tmp, err := os.CreateTemp(dir, "iron-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("spool %s: %w", name, err)
	}
	return &SpooledFile{LocalFile{path: tmp.Name(), name: name, size: size}}, nil
}

// Release removes the temp file.
func (f *SpooledFile) Release() error {
	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
