package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/uploads"
)

// Error codes sent by the file API.
const (
	CodeAuthRequired       = "AUTH_001"
	CodeInvalidCredentials = "AUTH_002"
	CodeFileNotFound       = "FILE_001"
)

const maxEnvelopeBytes = 32 << 20

// envelope is the file API's response wrapper.
type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	ErrorCode string          `json:"error_code"`
}

// failure is the text shown for a rejected request.
func (e *envelope) failure() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// decodeEnvelope reads an API response. Error responses raised by the server
// framework nest the envelope under "detail".
func decodeEnvelope(resp *http.Response) (*envelope, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return nil, uploads.TransportError(fmt.Errorf("read response: %w", err))
	}

	env, err := parseEnvelope(body)
	if err != nil {
		return nil, uploads.MalformedResponse(fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}

	appErr := &uploads.ApplicationError{Message: env.failure(), Code: env.ErrorCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized ||
		env.ErrorCode == CodeAuthRequired || env.ErrorCode == CodeInvalidCredentials:
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, appErr)
	case resp.StatusCode == http.StatusNotFound || env.ErrorCode == CodeFileNotFound:
		return nil, fmt.Errorf("%w: %w", ErrNotFound, appErr)
	case resp.StatusCode >= http.StatusBadRequest || !env.Success:
		return nil, appErr
	}
	return env, nil
}

func parseEnvelope(body []byte) (*envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if detail, ok := raw["detail"]; ok {
		if _, hasSuccess := raw["success"]; !hasSuccess {
			body = detail
		}
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if !env.Success && env.failure() == "" && env.ErrorCode == "" {
		return nil, errors.New("response carries neither success nor an error")
	}
	return &env, nil
}

// wireObject accepts both the S3-style and the snake_case field spellings.
type wireObject struct {
	KeyS3          string      `json:"Key"`
	Key            string      `json:"key"`
	SizeS3         json.Number `json:"Size"`
	Size           json.Number `json:"size"`
	LastModifiedS3 string      `json:"LastModified"`
	LastModified   string      `json:"last_modified"`
	StorageClassS3 string      `json:"StorageClass"`
	StorageClass   string      `json:"storage_class"`
	ETagS3         string      `json:"ETag"`
	ETag           string      `json:"etag"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123,
}

// parseTime tries the layouts the API is known to emit. Unparsable values
// yield the zero time.
func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseSize(n json.Number) uint64 {
	if n == "" {
		return 0
	}
	if i, err := n.Int64(); err == nil && i > 0 {
		return uint64(i)
	}
	if f, err := n.Float64(); err == nil && f > 0 {
		return uint64(f)
	}
	return 0
}

func (w wireObject) record() models.ObjectRecord {
	size := w.Size
	if size == "" {
		size = w.SizeS3
	}
	return models.ObjectRecord{
		Key:          firstNonEmpty(w.Key, w.KeyS3),
		Size:         parseSize(size),
		LastModified: parseTime(firstNonEmpty(w.LastModified, w.LastModifiedS3)),
		StorageClass: firstNonEmpty(w.StorageClass, w.StorageClassS3, string(uploads.StorageStandard)),
		ETag:         firstNonEmpty(w.ETag, w.ETagS3),
	}
}

// decodeRecords accepts list data as {"files": [...]} or as a bare array.
// Entries without a key are dropped.
func decodeRecords(data json.RawMessage) ([]models.ObjectRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []models.ObjectRecord{}, nil
	}

	var objects []wireObject
	if data[0] == '[' {
		if err := json.Unmarshal(data, &objects); err != nil {
			return nil, uploads.MalformedResponse(err)
		}
	} else {
		var wrapped struct {
			Files []wireObject `json:"files"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, uploads.MalformedResponse(err)
		}
		objects = wrapped.Files
	}

	records := make([]models.ObjectRecord, 0, len(objects))
	for _, o := range objects {
		rec := o.record()
		if rec.Key == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
