package origin

import (
	"time"

	"github.com/bitrise-io/go-uploadkit/envconf"
	"github.com/bitrise-io/go-utils/v2/env"
)

// Environment keys read by ConfigFromEnv.
const (
	EnvSecret             = "UPLOADKIT_SECRET"
	EnvAPIKey             = "UPLOADKIT_API_KEY"
	EnvFailureCallbackURL = "UPLOADKIT_FAILURE_CALLBACK_URL"
	EnvChunkSize          = "UPLOADKIT_CHUNK_SIZE"
	EnvMultipartThreshold = "UPLOADKIT_MULTIPART_THRESHOLD"
	EnvPresignExpiry      = "UPLOADKIT_PRESIGN_EXPIRY"
)

// Config ...
type Config struct {
	// Secret verifies signed storage callbacks and signs failure callbacks.
	Secret envconf.Secret
	// APIKey is sent as x-uploadkit-api-key to the failure callback endpoint.
	APIKey envconf.Secret
	// FailureCallbackURL receives failed uploads. When empty, failed multipart
	// uploads are aborted in storage directly.
	FailureCallbackURL string
	// ChunkSize is the part size of multipart uploads.
	ChunkSize int64
	// MultipartThreshold is the size from which files are uploaded in parts.
	MultipartThreshold int64
	// PresignExpiry is the lifetime of presigned requests.
	PresignExpiry time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ChunkSize:          5 * 1024 * 1024,
		MultipartThreshold: 5 * 1024 * 1024,
		PresignExpiry:      time.Hour,
	}
}

// ConfigFromEnv builds a Config from DefaultConfig overridden by the environment.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	r := envconf.NewReader(envRepo)
	config := DefaultConfig()

	config.Secret = r.RequiredSecret(EnvSecret)
	config.APIKey = r.Secret(EnvAPIKey)
	config.FailureCallbackURL = r.String(EnvFailureCallbackURL, "")
	config.ChunkSize = r.Size(EnvChunkSize, config.ChunkSize)
	config.MultipartThreshold = r.Size(EnvMultipartThreshold, config.MultipartThreshold)
	config.PresignExpiry = r.Duration(EnvPresignExpiry, config.PresignExpiry)

	if err := r.Err(); err != nil {
		return Config{}, err
	}
	return config, nil
}
