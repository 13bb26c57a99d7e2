package s3storage

import (
	"github.com/bitrise-io/go-uploadkit/envconf"
	"github.com/bitrise-io/go-utils/v2/env"
)

// Environment keys read by ConfigFromEnv.
const (
	EnvBucket          = "UPLOADKIT_S3_BUCKET"
	EnvRegion          = "UPLOADKIT_S3_REGION"
	EnvEndpoint        = "UPLOADKIT_S3_ENDPOINT"
	EnvAccessKeyID     = "UPLOADKIT_S3_ACCESS_KEY_ID"
	EnvSecretAccessKey = "UPLOADKIT_S3_SECRET_ACCESS_KEY"
	EnvPublicURL       = "UPLOADKIT_PUBLIC_URL"
)

// Config ...
type Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint, for S3 compatible services. Setting it
	// switches to path style addressing.
	Endpoint string
	// AccessKeyID and SecretAccessKey are optional: without them credentials are
	// loaded from the default AWS chain.
	AccessKeyID     string
	SecretAccessKey envconf.Secret
	// PublicURL is the base URL stored files are served from.
	PublicURL string
}

// ConfigFromEnv ...
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	r := envconf.NewReader(envRepo)
	config := Config{
		Bucket:          r.RequiredString(EnvBucket),
		Region:          r.RequiredString(EnvRegion),
		Endpoint:        r.String(EnvEndpoint, ""),
		AccessKeyID:     r.String(EnvAccessKeyID, ""),
		SecretAccessKey: r.Secret(EnvSecretAccessKey),
		PublicURL:       r.String(EnvPublicURL, ""),
	}
	if err := r.Err(); err != nil {
		return Config{}, err
	}
	return config, nil
}
