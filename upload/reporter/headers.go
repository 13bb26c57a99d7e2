package reporter

import (
	"context"
	"net/http"
)

// HeaderProvider supplies caller headers for a report. It is resolved once per request,
// right before the request is sent.
type HeaderProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StaticHeaders is a fixed set of headers.
type StaticHeaders map[string]string

// Headers ...
func (h StaticHeaders) Headers(context.Context) (http.Header, error) {
	header := make(http.Header, len(h))
	for k, v := range h {
		header.Set(k, v)
	}
	return header, nil
}

// HeaderFunc computes headers per request, for example to fetch a fresh auth token.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// Headers ...
func (f HeaderFunc) Headers(ctx context.Context) (http.Header, error) {
	return f(ctx)
}
