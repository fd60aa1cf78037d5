package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damacus/iron-tree/internal/config"
)

func TestBackendFactory(t *testing.T) {
	cfg := &config.Config{
		Backend:       config.BackendMinio,
		MinioEndpoint: "localhost:9000",
		Bucket:        "files",
		APIURL:        "http://files.local",
	}

	t.Run("minio", func(t *testing.T) {
		f := NewBackendFactory(cfg, zerolog.Nop())
		mockFactory := new(MockMinioFactory)
		f.Minio = mockFactory
		creds := Credentials{AccessKey: "admin", SecretKey: "pw"}
		withEndpoint := creds
		withEndpoint.Endpoint = "localhost:9000"
		mockFactory.On("NewClient", withEndpoint).Return(new(MockMinioClient), nil)

		store, err := f.NewStore(creds)
		require.NoError(t, err)
		assert.IsType(t, &MinioStore{}, store)
		assert.Equal(t, "localhost:9000", f.Endpoint())
		mockFactory.AssertExpectations(t)
	})

	t.Run("api", func(t *testing.T) {
		apiCfg := *cfg
		apiCfg.Backend = config.BackendAPI
		f := NewBackendFactory(&apiCfg, zerolog.Nop())

		store, err := f.NewStore(Credentials{AccessKey: "admin", SecretKey: "pw"})
		require.NoError(t, err)
		assert.IsType(t, &APIStore{}, store)
		assert.Equal(t, "http://files.local", f.Endpoint())
	})

	t.Run("unknown", func(t *testing.T) {
		badCfg := *cfg
		badCfg.Backend = "ftp"

		_, err := NewBackendFactory(&badCfg, zerolog.Nop()).NewStore(Credentials{})
		assert.Error(t, err)
	})
}
