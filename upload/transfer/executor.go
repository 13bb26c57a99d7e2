// Package transfer moves file bytes to storage by executing upload plans: single shot
// presigned POSTs and parallel presigned part PUTs, with retries, hung part detection,
// progress accounting and cancellation.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/upload/plan"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxErrorBodySize = 64 * 1024

// Completer finishes a multipart upload once every part is stored.
type Completer interface {
	CompleteMultipart(ctx context.Context, req protocol.MultipartCompleteRequest) error
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req protocol.MultipartCompleteRequest) error

// CompleteMultipart ...
func (f CompleterFunc) CompleteMultipart(ctx context.Context, req protocol.MultipartCompleteRequest) error {
	return f(ctx, req)
}

// Executor runs upload plans. It is safe for concurrent use; its HTTP client and
// in-flight limiter are shared by every task it runs.
type Executor struct {
	config     Config
	httpClient *http.Client
	limiter    *semaphore.Weighted
	stats      *Stats
	logger     log.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	hungCheckInterval time.Duration
}

// New creates a new Executor with the given configuration.
func New(config Config, logger log.Logger) *Executor {
	config = config.withDefaults()

	return &Executor{
		config:     config,
		httpClient: config.HTTPClient,
		limiter:    semaphore.NewWeighted(int64(config.MaxInFlight)),
		stats:      NewStats(),
		logger:     logger,
		sleep:      sleepContext,

		hungCheckInterval: time.Second,
	}
}

// Stats returns the part upload statistics.
func (e *Executor) Stats() *Stats {
	return e.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (e *Executor) CloseIdleConnections() {
	e.httpClient.CloseIdleConnections()
}

// Execute transfers src according to task's plan. A multipart plan is finished through
// completer after all of its parts are stored. On return the task is Succeeded or Failed.
func (e *Executor) Execute(ctx context.Context, task *Task, src io.ReaderAt, completer Completer) error {
	if s := task.Status(); s != StatusPending {
		return fmt.Errorf("task of %s is %s, expected %s", task.Plan.File.Name, s, StatusPending)
	}

	var err error
	switch task.Plan.Strategy {
	case plan.SinglePost:
		err = e.executePost(ctx, task, src)
	case plan.Multipart:
		err = e.executeMultipart(ctx, task, src, completer)
	default:
		err = fmt.Errorf("unknown strategy %s", task.Plan.Strategy)
	}

	if err != nil {
		task.fail(err)
		return err
	}
	if err := task.transition(StatusSucceeded); err != nil {
		return err
	}
	return nil
}

func (e *Executor) executePost(ctx context.Context, task *Task, src io.ReaderAt) error {
	step := task.Plan.Steps[0]

	maxAttempts := 1
	if e.config.RetrySinglePost {
		maxAttempts = e.config.MaxAttempts
	}

	start := time.Now()
	exhausted, err := e.retry(ctx, task, maxAttempts, func(ctx context.Context, _ int) error {
		return e.post(ctx, task, step, src)
	})
	if err != nil {
		return transferError(task, step, maxAttempts, exhausted, err)
	}

	e.logger.Debugf("Uploaded %s in %v", task.Plan.File.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *Executor) executeMultipart(ctx context.Context, task *Task, src io.ReaderAt, completer Completer) error {
	if completer == nil {
		return errors.New("multipart upload requires a completer")
	}

	steps := task.Plan.Transfers()
	results := make([]protocol.PartResult, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for i, step := range steps {
		g.Go(func() error {
			etag, err := e.uploadPart(gctx, task, step, src, len(steps))
			if err != nil {
				return err
			}
			results[i] = protocol.PartResult{PartNumber: step.PartNumber, ETag: etag}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	protocol.SortParts(results)
	for i, r := range results {
		if r.PartNumber != i+1 || r.ETag == "" {
			return uploaderror.Newf(uploaderror.KindPermanentTransfer, uploaderror.CodeUploadFailed,
				"incomplete part results for %s", task.Plan.File.Name)
		}
	}

	return completer.CompleteMultipart(ctx, protocol.MultipartCompleteRequest{
		FileKey:  task.Plan.Descriptor.Key,
		UploadID: task.Plan.Descriptor.Multipart.UploadID,
		Etags:    results,
	})
}

func (e *Executor) uploadPart(ctx context.Context, task *Task, step plan.Step, src io.ReaderAt, totalParts int) (string, error) {
	var etag string
	maxAttempts := e.config.MaxAttempts

	exhausted, err := e.retry(ctx, task, maxAttempts, func(ctx context.Context, attempt int) error {
		e.logger.Debugf("Uploading part %d/%d of %s (attempt %d/%d) [finished=%d] [avg=%v]",
			step.PartNumber, totalParts, task.Plan.File.Name, attempt, maxAttempts,
			e.stats.FinishedCount(), e.stats.Average().Round(time.Second))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)
		defer cancelPart()

		// Start hung detection goroutine (except on last attempt)
		if attempt < maxAttempts && e.config.HungThreshold > 0 {
			go e.detectHungPart(partCtx, cancelPart, start, step.PartNumber)
		}

		tag, err := e.put(ctx, partCtx, task, step, src)
		if err != nil {
			return err
		}

		took := time.Since(start)
		e.stats.Record(step.Length, took)
		e.logger.Debugf("Part %d of %s uploaded in %v, ETag: %s", step.PartNumber, task.Plan.File.Name, took.Round(time.Millisecond), tag)
		etag = tag
		return nil
	})
	if err != nil {
		return "", transferError(task, step, maxAttempts, exhausted, err)
	}
	return etag, nil
}

func (e *Executor) detectHungPart(ctx context.Context, cancel context.CancelFunc, start time.Time, partNumber int) {
	ticker := time.NewTicker(e.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := e.stats.Average()
				if elapsed-avg > e.config.HungThreshold {
					e.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						partNumber, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (e *Executor) post(ctx context.Context, task *Task, step plan.Step, src io.ReaderAt) error {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.limiter.Release(1)

	head, tail, contentType, err := formEnvelope(step.Fields, task.Plan.File)
	if err != nil {
		return err
	}
	file := &progressReader{
		r:       io.NewSectionReader(src, step.Offset, step.Length),
		onBytes: func(sent int64) { task.advance(step.PartNumber, sent) },
	}

	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, step.URL, io.MultiReader(bytes.NewReader(head), file, bytes.NewReader(tail)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(head)) + step.Length + int64(len(tail))
	req.Header.Set("Content-Type", contentType)

	_, err = e.do(ctx, req)
	return err
}

// put uploads one part. ctx is the step's context, partCtx the attempt's.
func (e *Executor) put(ctx, partCtx context.Context, task *Task, step plan.Step, src io.ReaderAt) (string, error) {
	if err := e.limiter.Acquire(partCtx, 1); err != nil {
		return "", &attemptError{err: err, transient: ctx.Err() == nil}
	}
	defer e.limiter.Release(1)

	body := &progressReader{
		r:       io.NewSectionReader(src, step.Offset, step.Length),
		onBytes: func(sent int64) { task.advance(step.PartNumber, sent) },
	}

	reqCtx, cancel := e.requestContext(partCtx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, step.URL, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = step.Length
	req.Header.Set("Content-Type", "application/octet-stream")

	header, err := e.do(ctx, req)
	if err != nil {
		return "", err
	}

	etag := header.Get("ETag")
	if etag == "" {
		return "", &attemptError{err: errors.New("no ETag in response")}
	}
	return etag, nil
}

// do sends req and turns failures into attempt errors. ctx is the step's context,
// which tells cancellation apart from per request timeouts and hung part cancels.
func (e *Executor) do(ctx context.Context, req *http.Request) (http.Header, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &attemptError{err: fmt.Errorf("do request: %w", err), transient: classify(ctx, nil, err)}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			e.logger.Warnf("close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &attemptError{
			status:    resp.StatusCode,
			body:      body,
			err:       fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			transient: classify(ctx, resp, nil),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	return resp.Header, nil
}

func (e *Executor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, e.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// formEnvelope renders the multipart/form-data body around the file contents:
// head holds the presigned fields and the file part header, tail the closing boundary.
func formEnvelope(fields map[string]string, file protocol.FileDescriptor) ([]byte, []byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, nil, "", fmt.Errorf("write form field %s: %w", k, err)
		}
	}

	contentType := file.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Name)))
	h.Set("Content-Type", contentType)
	if _, err := w.CreatePart(h); err != nil {
		return nil, nil, "", fmt.Errorf("write file part header: %w", err)
	}

	headLen := buf.Len()
	if err := w.Close(); err != nil {
		return nil, nil, "", fmt.Errorf("close form: %w", err)
	}
	all := buf.Bytes()

	return all[:headLen], all[headLen:], w.FormDataContentType(), nil
}

// transferError classifies the final error of a step.
func transferError(task *Task, step plan.Step, maxAttempts int, exhausted bool, err error) error {
	what := task.Plan.File.Name
	if step.Kind == plan.StepPut {
		what = fmt.Sprintf("part %d of %s", step.PartNumber, task.Plan.File.Name)
	}

	var aErr *attemptError
	if !errors.As(err, &aErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return uploaderror.Newf(uploaderror.KindTransientTransfer, uploaderror.CodeUploadFailed,
				"upload of %s cancelled: %s", what, err).WithCause(err)
		}
		return uploaderror.Newf(uploaderror.KindPermanentTransfer, uploaderror.CodeInternalClient,
			"upload of %s failed: %s", what, err).WithCause(err)
	}

	kind := uploaderror.KindPermanentTransfer
	if aErr.transient || exhausted {
		kind = uploaderror.KindTransientTransfer
	}
	code := uploaderror.CodeUploadFailed
	if aErr.status != 0 {
		code = uploaderror.CodeFromStatus(aErr.status)
	}

	message := fmt.Sprintf("upload of %s failed: %s", what, err)
	if exhausted {
		message = fmt.Sprintf("upload of %s failed after %d attempts: %s", what, maxAttempts, err)
	}

	e := uploaderror.New(kind, code, message).WithStatus(aErr.status).WithCause(err)
	if len(aErr.body) > 0 {
		e.Data = string(aErr.body)
	}
	return e
}

// StorageResponse returns the body of the last storage error response behind err, if any.
func StorageResponse(err error) []byte {
	var aErr *attemptError
	if errors.As(err, &aErr) {
		return aErr.body
	}
	return nil
}
