// Package envconf reads typed configuration values from an env.Repository.
package envconf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Secret is a configuration value that must not be printed.
type Secret string

// String redacts the value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Reader reads env values and collects missing required keys.
type Reader struct {
	repo    env.Repository
	missing []string
	errs    []string
}

// NewReader ...
func NewReader(repo env.Repository) *Reader {
	return &Reader{repo: repo}
}

// String returns the value of key, or def when unset.
func (r *Reader) String(key, def string) string {
	if v := strings.TrimSpace(r.repo.Get(key)); v != "" {
		return v
	}
	return def
}

// RequiredString returns the value of key and records it as missing when unset.
func (r *Reader) RequiredString(key string) string {
	v := r.String(key, "")
	if v == "" {
		r.missing = append(r.missing, key)
	}
	return v
}

// Secret ...
func (r *Reader) Secret(key string) Secret {
	return Secret(r.String(key, ""))
}

// RequiredSecret ...
func (r *Reader) RequiredSecret(key string) Secret {
	return Secret(r.RequiredString(key))
}

// Size parses a human readable size ("5MB") from key.
func (r *Reader) Size(key string, def int64) int64 {
	v := r.String(key, "")
	if v == "" {
		return def
	}
	b, err := units.RAMInBytes(v)
	if err != nil || b <= 0 {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid size %q", key, v))
		return def
	}
	return b
}

// Int ...
func (r *Reader) Int(key string, def int) int {
	v := r.String(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return def
	}
	return i
}

// Bool ...
func (r *Reader) Bool(key string, def bool) bool {
	v := r.String(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid bool %q", key, v))
		return def
	}
	return b
}

// Duration ...
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v := r.String(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

// Err reports every missing or malformed value read so far.
func (r *Reader) Err() error {
	var parts []string
	if len(r.missing) > 0 {
		parts = append(parts, fmt.Sprintf("the following variables are not defined: %s", strings.Join(r.missing, ", ")))
	}
	parts = append(parts, r.errs...)
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}
