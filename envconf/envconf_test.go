package envconf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func TestReader(t *testing.T) {
	repo := fakeEnvRepo{envVars: map[string]string{
		"URL":       " http://localhost:3000 ",
		"TOKEN":     "sk_test_123",
		"CHUNK":     "5MB",
		"FILES":     "4",
		"DEBUG":     "true",
		"INTERVAL":  "250ms",
		"BAD_CHUNK": "five",
	}}
	r := NewReader(repo)

	assert.Equal(t, "http://localhost:3000", r.RequiredString("URL"))
	assert.Equal(t, Secret("sk_test_123"), r.RequiredSecret("TOKEN"))
	assert.Equal(t, int64(5*1024*1024), r.Size("CHUNK", 0))
	assert.Equal(t, 4, r.Int("FILES", 1))
	assert.True(t, r.Bool("DEBUG", false))
	assert.Equal(t, 250*time.Millisecond, r.Duration("INTERVAL", time.Second))
	assert.Equal(t, "fallback", r.String("UNSET", "fallback"))
	require.NoError(t, r.Err())

	assert.Equal(t, int64(1), r.Size("BAD_CHUNK", 1))
	r.RequiredString("MISSING")

	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
	assert.Contains(t, err.Error(), `BAD_CHUNK: invalid size "five"`)
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("sk_test_123").String())
	assert.Equal(t, "*****", fmt.Sprintf("%s", Secret("sk_test_123")))
	assert.Equal(t, "", Secret("").String())
}
