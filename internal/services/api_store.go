package services

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/logging"
	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/uploads"
)

// DefaultListLimit is the max_keys sent with list and search requests.
const DefaultListLimit = 1000

// APIOptions tunes the file API client.
type APIOptions struct {
	Retries   int
	Timeout   time.Duration
	ListLimit int
	// HTTPClient replaces the transport client, mainly for tests.
	HTTPClient *http.Client
}

// APIStore talks to the REST file API with HTTP Basic credentials.
// Idempotent calls are retried; uploads stream their body and are not.
type APIStore struct {
	baseURL  string
	user     string
	password string
	limit    int
	client   *retryablehttp.Client
	upload   *http.Client
	log      zerolog.Logger
}

// NewAPIStore creates a client for the API at baseURL.
func NewAPIStore(baseURL string, creds Credentials, opts APIOptions, log zerolog.Logger) *APIStore {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = DefaultListLimit
	}
	log = log.With().Str("backend", "api").Logger()

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = logging.RetryLogger{Log: log}
	// hand the last response back so its envelope can be decoded
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// uploads may run far longer than a single API call
	uploadClient := *httpClient
	uploadClient.Timeout = 0

	return &APIStore{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     creds.AccessKey,
		password: creds.SecretKey,
		limit:    opts.ListLimit,
		client:   retryClient,
		upload:   &uploadClient,
		log:      log,
	}
}

func (s *APIStore) url(path string, query url.Values) string {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// call performs a retried request and decodes the envelope.
func (s *APIStore) call(ctx context.Context, method, path string, query url.Values) (*envelope, error) {
	resp, err := s.send(ctx, method, path, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp)
}

func (s *APIStore) send(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.url(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(s.user, s.password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, uploads.TransportError(err)
	}
	return resp, nil
}

func (s *APIStore) List(ctx context.Context, prefix string) ([]models.ObjectRecord, error) {
	return s.list(ctx, "/files/list", url.Values{"prefix": {prefix}, "max_keys": {strconv.Itoa(s.limit)}})
}

func (s *APIStore) Search(ctx context.Context, pattern, prefix string) ([]models.ObjectRecord, error) {
	records, err := s.list(ctx, "/files/search", url.Values{"pattern": {pattern}, "prefix": {prefix}})
	if err != nil {
		return nil, err
	}
	// the server filters too; keep the predicate identical across backends
	return filterRecords(records, pattern), nil
}

func (s *APIStore) list(ctx context.Context, path string, query url.Values) ([]models.ObjectRecord, error) {
	env, err := s.call(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return decodeRecords(env.Data)
}

func (s *APIStore) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}
	resp, err := s.send(ctx, http.MethodGet, "/files/download/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		_, err := decodeEnvelope(resp)
		if err == nil {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("download %s: %w", key, err)
	}
	return resp.Body, resp.ContentLength, nil
}

func (s *APIStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.call(ctx, http.MethodDelete, "/files/"+url.PathEscape(key), nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.log.Info().Str("key", key).Msg("object deleted")
	return nil
}

func (s *APIStore) Verify(ctx context.Context) error {
	if _, err := s.call(ctx, http.MethodGet, "/auth/verify", nil); err != nil {
		return fmt.Errorf("verify credentials: %w", err)
	}
	return nil
}

// Execute posts the file as multipart form data to /files/upload.
func (s *APIStore) Execute(ctx context.Context, task uploads.Snapshot, file uploads.File, progress uploads.ProgressFunc) (uploads.Response, error) {
	rc, err := file.Open()
	if err != nil {
		return uploads.Response{}, uploads.TransportError(fmt.Errorf("open %s: %w", file.Name(), err))
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(form, task, file.Name(), uploads.NewProgressReader(rc, progress)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("/files/upload", nil), pr)
	if err != nil {
		_ = pr.Close()
		return uploads.Response{}, uploads.TransportError(err)
	}
	req.SetBasicAuth(s.user, s.password)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := s.upload.Do(req)
	if err != nil {
		_ = pr.Close()
		return uploads.Response{}, uploads.TransportError(err)
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp)
	if err != nil {
		return uploads.Response{}, err
	}
	return uploads.Response{Message: env.Message, Data: env.Data}, nil
}

func writeUploadForm(form *multipart.Writer, task uploads.Snapshot, name string, body io.Reader) error {
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	if err := form.WriteField("s3_key", task.DestinationKey); err != nil {
		return err
	}
	if err := form.WriteField("storage_class", string(task.StorageClass)); err != nil {
		return err
	}
	return form.Close()
}
