// Package upload uploads batches of files to object storage through an origin server:
// it validates the files, obtains presigned descriptors, transfers every file with
// bounded concurrency and reports the outcome of each file back to the origin.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/route"
	"github.com/bitrise-io/go-uploadkit/upload/plan"
	"github.com/bitrise-io/go-uploadkit/upload/reporter"
	"github.com/bitrise-io/go-uploadkit/upload/transfer"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// DefaultPackage is sent as x-uploadkit-package when ClientConfig.Package is empty.
const DefaultPackage = "go-uploadkit"

var errStillWaiting = errors.New("upload not acknowledged yet")

// ClientConfig ...
type ClientConfig struct {
	// URL is the origin upload endpoint.
	URL string
	// Package identifies the caller, sent as x-uploadkit-package.
	Package string
	// Routes, when set, are used to validate files before any network call.
	Routes map[string]route.Config
	// Transfer configures storage transfers.
	Transfer transfer.Config
	// FileConcurrency bounds the files of one batch transferred at the same time.
	FileConcurrency int
	// PollInterval is the wait between completion polls.
	PollInterval time.Duration
	// MaxPolls is the number of polls after the first one before giving up.
	MaxPolls uint
	// OriginRequestTimeout bounds each request to the origin, its retries included.
	OriginRequestTimeout time.Duration
	// FailureReportTimeout bounds a failure report sent after the batch was cancelled.
	FailureReportTimeout time.Duration
	// HTTPClient is used for origin requests. Defaults to reporter.NewHTTPClient.
	HTTPClient *retryablehttp.Client
}

// DefaultClientConfig ...
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Package:              DefaultPackage,
		Transfer:             transfer.DefaultConfig(),
		FileConcurrency:      4,
		PollInterval:         time.Second,
		MaxPolls:             30,
		OriginRequestTimeout: time.Minute,
		FailureReportTimeout: 30 * time.Second,
	}
}

// Client uploads files. It is safe for concurrent use: simultaneous batches share
// its origin client and its transfer executor, including the in-flight limiter.
type Client struct {
	config     ClientConfig
	executor   *transfer.Executor
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewClient ...
func NewClient(config ClientConfig, logger log.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("origin URL is empty")
	}
	def := DefaultClientConfig()
	if config.Package == "" {
		config.Package = def.Package
	}
	if config.FileConcurrency <= 0 {
		config.FileConcurrency = def.FileConcurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.OriginRequestTimeout <= 0 {
		config.OriginRequestTimeout = def.OriginRequestTimeout
	}
	if config.FailureReportTimeout <= 0 {
		config.FailureReportTimeout = def.FailureReportTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = reporter.NewHTTPClient(logger)
	}

	return &Client{
		config:     config,
		executor:   transfer.New(config.Transfer, logger),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Options of one Upload call.
type Options struct {
	Files []File
	// Input is passed to the route's middleware as JSON.
	Input any
	// SkipPolling returns as soon as the bytes are stored, without waiting for the
	// origin to acknowledge the upload.
	SkipPolling bool
	// Headers are sent with every origin request of the batch.
	Headers reporter.HeaderProvider
	// OnProgress receives transferred byte counts. It runs on its own goroutine and
	// never blocks transfers; intermediate updates may be dropped.
	OnProgress func(transfer.Progress)
	// OnUploadBegin is called when the transfer of a file starts.
	OnUploadBegin func(fileName string)
}

// Result is the outcome of one file.
type Result struct {
	Name string
	File protocol.UploadedFile
	Err  error
}

// Upload uploads the files of opts to the route slug. A non-nil error means the batch
// failed as a whole (validation or the presigned request); otherwise there is one Result
// per file, in order, and a failing file never affects its siblings.
func (c *Client) Upload(ctx context.Context, slug string, opts Options) (Results, error) {
	if len(opts.Files) == 0 {
		return nil, uploaderror.Validation(uploaderror.CodeBadRequest, "No files provided")
	}

	descriptors := make([]protocol.FileDescriptor, len(opts.Files))
	for i, f := range opts.Files {
		descriptors[i] = f.descriptor()
	}
	if err := c.validate(slug, descriptors); err != nil {
		return nil, err
	}

	var input json.RawMessage
	if opts.Input != nil {
		b, err := json.Marshal(opts.Input)
		if err != nil {
			return nil, uploaderror.Validation(uploaderror.CodeBadRequest, fmt.Sprintf("invalid input: %s", err))
		}
		input = b
	}

	rep, err := reporter.New(reporter.Config{
		URL:     c.config.URL,
		Slug:    slug,
		Package: c.config.Package,
		Headers: opts.Headers,
		Timeout: c.config.OriginRequestTimeout,
	}, c.httpClient, c.logger)
	if err != nil {
		return nil, err
	}

	c.logger.Infof("Requesting presigned URLs for %d file(s) on %s", len(descriptors), slug)
	presigned, err := rep.RequestPresigned(ctx, reporter.UploadEvent{Files: descriptors, Input: input})
	if err != nil {
		return nil, err
	}

	var notify func(transfer.Progress)
	if opts.OnProgress != nil {
		notifier := transfer.NewNotifier(opts.OnProgress)
		defer notifier.Close()
		notify = notifier.Notify
	}

	results := make(Results, len(opts.Files))
	var g errgroup.Group
	g.SetLimit(c.config.FileConcurrency)
	for i := range opts.Files {
		g.Go(func() error {
			results[i] = c.uploadFile(ctx, rep, opts, opts.Files[i], presigned[i], notify)
			return nil
		})
	}
	_ = g.Wait()

	if err := results.Err(); err != nil {
		c.logger.Warnf("%d of %d file(s) failed to upload", len(results)-len(results.Files()), len(results))
	} else {
		c.logger.Donef("Uploaded %d file(s)", len(results))
	}
	if stats := c.executor.Stats(); stats.FinishedCount() > 0 {
		c.logger.Debugf("%d part(s) uploaded so far (%s), %s on average at %s/s", stats.FinishedCount(),
			units.HumanSize(float64(stats.Bytes())), stats.Average().Round(time.Millisecond), units.HumanSize(stats.Throughput()))
	}
	return results, nil
}

// Close releases idle connections of the client.
func (c *Client) Close() {
	c.executor.CloseIdleConnections()
	c.httpClient.HTTPClient.CloseIdleConnections()
}

func (c *Client) validate(slug string, files []protocol.FileDescriptor) error {
	if c.config.Routes == nil {
		return nil
	}
	cfg, ok := c.config.Routes[slug]
	if !ok {
		return uploaderror.Validation(uploaderror.CodeNotFound, fmt.Sprintf("No file route found for slug %s", slug))
	}
	return cfg.Validate(files)
}

func (c *Client) uploadFile(ctx context.Context, rep *reporter.Reporter, opts Options, file File, descriptor protocol.PresignedDescriptor, notify func(transfer.Progress)) Result {
	p, err := plan.New(file.descriptor(), descriptor)
	if err != nil {
		c.logger.Errorf("Invalid presigned descriptor for %s: %s", file.Name, err)
		return Result{Name: file.Name, Err: err}
	}

	if opts.OnUploadBegin != nil {
		opts.OnUploadBegin(file.Name)
	}
	c.logger.Debugf("Uploading %s (%s) as %s using %s", file.Name, units.HumanSize(float64(file.Size())), descriptor.Key, p.Strategy)

	completer := transfer.CompleterFunc(func(ctx context.Context, req protocol.MultipartCompleteRequest) error {
		return rep.CompleteMultipart(ctx, reporter.MultipartCompleteEvent(req))
	})
	task := transfer.NewTask(p, notify)
	if err := c.executor.Execute(ctx, task, file.content, completer); err != nil {
		return Result{Name: file.Name, Err: c.reportFailure(ctx, rep, p, err)}
	}

	uploaded := protocol.UploadedFile{
		Name:     file.Name,
		Size:     file.Size(),
		Type:     file.Type,
		CustomID: descriptor.CustomID,
		Key:      descriptor.Key,
		URL:      descriptor.FileURL,
	}

	if !opts.SkipPolling {
		serverData, err := c.poll(ctx, rep, descriptor.Key)
		if err != nil {
			c.logger.Errorf("Upload of %s was not acknowledged: %s", file.Name, err)
			return Result{Name: file.Name, File: uploaded, Err: err}
		}
		uploaded.ServerData = serverData
	}

	c.logger.Infof("Uploaded %s to %s", file.Name, uploaded.URL)
	return Result{Name: file.Name, File: uploaded}
}

// reportFailure tells the origin about a failed file and returns the file's classified
// error. The report is sent even when ctx is already cancelled.
func (c *Client) reportFailure(ctx context.Context, rep *reporter.Reporter, p *plan.Plan, cause error) error {
	c.logger.Errorf("Upload of %s failed: %s", p.File.Name, cause)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FailureReportTimeout)
	defer cancel()

	return rep.ReportFailure(reportCtx, reporter.FailureEvent{
		FailureRequest: protocol.FailureRequest{
			FileKey:      p.Descriptor.Key,
			UploadID:     p.UploadID(),
			StorageError: string(transfer.StorageResponse(cause)),
			FileName:     p.File.Name,
		},
		Cause: cause,
	})
}

// poll waits until the origin acknowledges the upload of key and returns the data
// its completion hook attached.
func (c *Client) poll(ctx context.Context, rep *reporter.Reporter, key string) (json.RawMessage, error) {
	var serverData json.RawMessage

	err := retry.Times(c.config.MaxPolls).Wait(c.config.PollInterval).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		resp, err := rep.Poll(ctx, reporter.PollEvent{FileKey: key})
		if err != nil {
			return err, true
		}
		if resp.Status != protocol.PollStatusDone {
			c.logger.TDebugf("Poll %d: %s is %s", attempt+1, key, resp.Status)
			return errStillWaiting, false
		}

		serverData = resp.ServerData
		return nil, false
	})
	if errors.Is(err, errStillWaiting) {
		return nil, uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeUploadFailed,
			"origin did not acknowledge upload of %s after %d polls", key, c.config.MaxPolls+1)
	}
	return serverData, err
}
