// Package reporter is the client side RPC layer that sends upload lifecycle events
// to the origin server's upload endpoint.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const maxResponseSize = 10 * 1024 * 1024

// Config ...
type Config struct {
	// URL is the origin upload endpoint, e.g. https://example.com/api/uploadkit
	URL string
	// Slug is the route the reports belong to.
	Slug string
	// Package identifies the calling package, sent as x-uploadkit-package.
	Package string
	// Headers are merged into every request after the required headers.
	Headers HeaderProvider
	// Timeout bounds each report, retries included. Zero leaves reports bounded only by their context.
	Timeout time.Duration
}

// Reporter ...
type Reporter struct {
	url        *url.URL
	slug       string
	pkg        string
	headers    HeaderProvider
	timeout    time.Duration
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewHTTPClient returns a retrying client that hands non-2xx responses back to the caller
// once retries are exhausted, so their bodies can be classified.
func NewHTTPClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, fmt.Errorf("giving up after %d attempt(s): %w", numTries, err)
	}
	return client
}

// New ...
func New(config Config, client *retryablehttp.Client, logger log.Logger) (*Reporter, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("origin URL is empty")
	}
	if config.Slug == "" {
		return nil, fmt.Errorf("route slug is empty")
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse origin URL: %w", err)
	}
	if client == nil {
		client = NewHTTPClient(logger)
	}

	return &Reporter{
		url:        u,
		slug:       config.Slug,
		pkg:        config.Package,
		headers:    config.Headers,
		timeout:    config.Timeout,
		httpClient: client,
		logger:     logger,
	}, nil
}

// RequestPresigned asks for one presigned descriptor per file, in request order.
func (r *Reporter) RequestPresigned(ctx context.Context, event UploadEvent) ([]protocol.PresignedDescriptor, error) {
	var descriptors []protocol.PresignedDescriptor
	if err := r.Report(ctx, event, &descriptors); err != nil {
		return nil, err
	}
	if len(descriptors) != len(event.Files) {
		return nil, uploaderror.Newf(uploaderror.KindPresignedDescriptor, uploaderror.CodeBadRequest,
			"expected %d presigned descriptors, got %d", len(event.Files), len(descriptors))
	}
	return descriptors, nil
}

// CompleteMultipart submits the ordered part results of a multipart upload.
func (r *Reporter) CompleteMultipart(ctx context.Context, event MultipartCompleteEvent) error {
	var resp protocol.SuccessResponse
	if err := r.Report(ctx, event, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeUploadFailed,
			"origin did not complete multipart upload of %s", event.FileKey)
	}
	return nil
}

// ReportFailure reports a terminal file failure. The returned error is always non-nil:
// it is the classified storage failure of the file.
func (r *Reporter) ReportFailure(ctx context.Context, event FailureEvent) error {
	return r.Report(ctx, event, nil)
}

// Poll asks the origin whether the upload of a file was acknowledged.
func (r *Reporter) Poll(ctx context.Context, event PollEvent) (protocol.PollResponse, error) {
	var resp protocol.PollResponse
	if err := r.Report(ctx, event, &resp); err != nil {
		return protocol.PollResponse{}, err
	}
	return resp, nil
}

// Report posts event to the origin and decodes a 2xx JSON response into out (unless out is nil).
// A FailureEvent always yields the file's classified storage error.
func (r *Reporter) Report(ctx context.Context, event Event, out any) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	failure, isFailure := event.(FailureEvent)

	req, err := r.newRequest(ctx, event)
	if err != nil {
		if isFailure {
			return r.failureResult(failure, nil, err)
		}
		return err
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		r.logger.Warnf("error while dumping request: %s", err)
	}
	r.logger.Debugf("Report request dump: %s", string(dump))

	resp, err := r.httpClient.Do(req)

	if isFailure {
		return r.failureResult(failure, resp, err)
	}

	if err != nil {
		return uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeInternalClient,
			"report %s: %s", event.ActionType(), err).WithCause(err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			r.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return uploaderror.FromResponse(resp, uploaderror.KindReporting)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeBadRequest,
			"read %s response: %s", event.ActionType(), err).WithStatus(resp.StatusCode).WithCause(err)
	}
	r.logger.Debugf("Report response (%d): %s", resp.StatusCode, string(raw))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		e := uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeBadRequest,
			"unable to parse response: %s", err).WithStatus(resp.StatusCode).WithCause(err)
		e.Data = string(raw)
		return e
	}

	return nil
}

// failureResult turns a failure report into the file's classified storage error.
// A failing report call is logged and never replaces the storage error.
func (r *Reporter) failureResult(event FailureEvent, resp *http.Response, reportErr error) error {
	if reportErr != nil {
		r.logger.Warnf("Failed to report upload failure of %s: %s", event.FileName, reportErr)
	} else {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			r.logger.Warnf("Origin rejected failure report of %s: %s", event.FileName, uploaderror.FromResponse(resp, uploaderror.KindReporting))
		}
		if err := resp.Body.Close(); err != nil {
			r.logger.Warnf("close response body: %s", err)
		}
	}

	return uploaderror.StorageFailure(event.FileName, []byte(event.StorageError), event.Cause)
}

func (r *Reporter) newRequest(ctx context.Context, event Event) (*retryablehttp.Request, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalClient, "encode report").WithCause(err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(event.ActionType()), body)
	if err != nil {
		return nil, uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalClient, "create report request").WithCause(err)
	}
	if err := r.setHeaders(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Reporter) endpoint(action protocol.ActionType) string {
	u := *r.url
	query := u.Query()
	query.Set(protocol.QueryActionType, string(action))
	query.Set(protocol.QuerySlug, r.slug)
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *Reporter) setHeaders(ctx context.Context, req *retryablehttp.Request) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderPackage, r.pkg)
	req.Header.Set(protocol.HeaderVersion, protocol.Version)

	if r.headers == nil {
		return nil
	}
	custom, err := r.headers.Headers(ctx)
	if err != nil {
		return uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalClient, "resolve custom headers").WithCause(err)
	}
	for key, values := range custom {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return nil
}
