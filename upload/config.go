package upload

import (
	"github.com/bitrise-io/go-uploadkit/envconf"
	"github.com/bitrise-io/go-utils/v2/env"
)

// Environment keys read by ClientConfigFromEnv.
const (
	EnvURL             = "UPLOADKIT_URL"
	EnvPackage         = "UPLOADKIT_PACKAGE"
	EnvConcurrency     = "UPLOADKIT_CONCURRENCY"
	EnvFileConcurrency = "UPLOADKIT_FILE_CONCURRENCY"
	EnvMaxAttempts     = "UPLOADKIT_MAX_ATTEMPTS"
	EnvRetrySinglePost = "UPLOADKIT_RETRY_SINGLE_POST"
	EnvRequestTimeout  = "UPLOADKIT_REQUEST_TIMEOUT"
	EnvPollInterval    = "UPLOADKIT_POLL_INTERVAL"
	EnvMaxPolls        = "UPLOADKIT_MAX_POLLS"
	EnvOriginTimeout   = "UPLOADKIT_ORIGIN_TIMEOUT"
)

// ClientConfigFromEnv builds a ClientConfig from DefaultClientConfig overridden by the environment.
func ClientConfigFromEnv(envRepo env.Repository) (ClientConfig, error) {
	r := envconf.NewReader(envRepo)
	config := DefaultClientConfig()

	config.URL = r.RequiredString(EnvURL)
	config.Package = r.String(EnvPackage, config.Package)
	config.FileConcurrency = r.Int(EnvFileConcurrency, config.FileConcurrency)
	config.PollInterval = r.Duration(EnvPollInterval, config.PollInterval)
	config.MaxPolls = uint(r.Int(EnvMaxPolls, int(config.MaxPolls)))
	config.OriginRequestTimeout = r.Duration(EnvOriginTimeout, config.OriginRequestTimeout)

	config.Transfer.Concurrency = r.Int(EnvConcurrency, config.Transfer.Concurrency)
	config.Transfer.MaxInFlight = 4 * config.Transfer.Concurrency
	config.Transfer.MaxAttempts = r.Int(EnvMaxAttempts, config.Transfer.MaxAttempts)
	config.Transfer.RetrySinglePost = r.Bool(EnvRetrySinglePost, config.Transfer.RetrySinglePost)
	config.Transfer.RequestTimeout = r.Duration(EnvRequestTimeout, config.Transfer.RequestTimeout)

	if err := r.Err(); err != nil {
		return ClientConfig{}, err
	}
	return config, nil
}
