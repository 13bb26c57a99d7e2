package origin

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	repo := env.NewRepository()
	t.Setenv(EnvSecret, "secret")
	t.Setenv(EnvChunkSize, "8MB")
	t.Setenv(EnvPresignExpiry, "15m")

	config, err := ConfigFromEnv(repo)

	require.NoError(t, err)
	assert.Equal(t, "secret", string(config.Secret))
	assert.Equal(t, int64(8*1024*1024), config.ChunkSize)
	assert.Equal(t, int64(5*1024*1024), config.MultipartThreshold)
	assert.Equal(t, 15*time.Minute, config.PresignExpiry)
	assert.Empty(t, config.FailureCallbackURL)
}

func TestConfigFromEnvErrors(t *testing.T) {
	repo := env.NewRepository()
	t.Setenv(EnvSecret, "")
	t.Setenv(EnvChunkSize, "lots")

	_, err := ConfigFromEnv(repo)

	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSecret)
	assert.Contains(t, err.Error(), EnvChunkSize)
}

func TestFileStoreSettlesOnce(t *testing.T) {
	s := newFileStore()
	s.put(fileRecord{key: "a", file: protocol.FileDescriptor{Name: "a.txt"}})

	var wg sync.WaitGroup
	var claimed atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.claim("a", fileCompleting) {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())
	assert.False(t, s.claim("a", fileFailed))

	s.release("a")
	assert.True(t, s.claim("a", fileCompleting))
	s.finish("a", []byte(`{"ok":true}`))

	r, ok := s.get("a")
	require.True(t, ok)
	assert.Equal(t, fileDone, r.state)
	assert.JSONEq(t, `{"ok":true}`, string(r.serverData))
	assert.False(t, s.claim("missing", fileFailed))
}

func TestFileStoreRetriesFailedCleanup(t *testing.T) {
	s := newFileStore()
	s.put(fileRecord{key: "a", file: protocol.FileDescriptor{Name: "a.txt"}})

	require.True(t, s.claim("a", fileFailed))
	assert.False(t, s.retryCleanup("a"), "cleanup is still running")

	s.cleaned("a", errors.New("callback unreachable"))
	assert.True(t, s.retryCleanup("a"))
	assert.False(t, s.retryCleanup("a"))

	s.cleaned("a", nil)
	assert.False(t, s.retryCleanup("a"))

	r, ok := s.get("a")
	require.True(t, ok)
	assert.Equal(t, fileFailed, r.state)
	assert.Equal(t, cleanupDone, r.cleanup)
}
