package services

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/damacus/iron-tree/internal/config"
)

// BackendFactory opens the store selected in the configuration.
type BackendFactory struct {
	Backend       string
	MinioEndpoint string
	Bucket        string
	APIURL        string
	API           APIOptions
	Minio         MinioClientFactory
	Log           zerolog.Logger
}

// NewBackendFactory builds a factory from cfg with the production MinIO
// client factory.
func NewBackendFactory(cfg *config.Config, log zerolog.Logger) *BackendFactory {
	return &BackendFactory{
		Backend:       cfg.Backend,
		MinioEndpoint: cfg.MinioEndpoint,
		Bucket:        cfg.Bucket,
		APIURL:        cfg.APIURL,
		API: APIOptions{
			Retries: cfg.HTTPRetries,
			Timeout: cfg.HTTPTimeout,
		},
		Minio: &RealMinioFactory{},
		Log:   log,
	}
}

// Endpoint is the address shown on the login page and stored with new
// credentials.
func (f *BackendFactory) Endpoint() string {
	if f.Backend == config.BackendAPI {
		return f.APIURL
	}
	return f.MinioEndpoint
}

func (f *BackendFactory) NewStore(creds Credentials) (ObjectStore, error) {
	log := f.Log
	if creds.SessionID != "" {
		log = log.With().Str("session", creds.SessionID).Logger()
	}

	switch f.Backend {
	case config.BackendAPI:
		return NewAPIStore(f.APIURL, creds, f.API, log), nil
	case config.BackendMinio:
		if creds.Endpoint == "" {
			creds.Endpoint = f.MinioEndpoint
		}
		store, err := NewMinioStore(f.Minio, creds, f.Bucket, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", f.Backend)
	}
}
