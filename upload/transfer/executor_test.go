package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/upload/plan"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accessDeniedXML = `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`

func newTestExecutor(config Config) *Executor {
	e := New(config, log.NewLogger())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func postPlan(t *testing.T, url string, content []byte) *plan.Plan {
	p, err := plan.New(
		protocol.FileDescriptor{Name: "foo.txt", Size: int64(len(content)), Type: "text/plain"},
		protocol.PresignedDescriptor{
			Key:  "abc",
			Post: &protocol.PresignedPost{URL: url, Fields: map[string]string{"key": "abc", "policy": "p", "x-amz-signature": "s"}},
		},
	)
	require.NoError(t, err)
	return p
}

func multipartPlan(t *testing.T, url string, size, chunkSize int64) *plan.Plan {
	n := plan.PartCount(size, chunkSize)
	parts := make([]protocol.PresignedPart, n)
	for i := range parts {
		parts[i] = protocol.PresignedPart{
			PartNumber: i + 1,
			URL:        fmt.Sprintf("%s/abc?partNumber=%d&uploadId=random-upload-id", url, i+1),
		}
	}
	p, err := plan.New(
		protocol.FileDescriptor{Name: "big.bin", Size: size, Type: "application/octet-stream"},
		protocol.PresignedDescriptor{
			Key:       "abc",
			Multipart: &protocol.PresignedMultipart{UploadID: "random-upload-id", ChunkSize: chunkSize, Parts: parts},
		},
	)
	require.NoError(t, err)
	return p
}

type recordingCompleter struct {
	mu    sync.Mutex
	calls []protocol.MultipartCompleteRequest
}

func (c *recordingCompleter) CompleteMultipart(_ context.Context, req protocol.MultipartCompleteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return nil
}

type progressRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *progressRecorder) last() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestExecutor_SinglePost(t *testing.T) {
	// Given
	var fields map[string][]string
	var fileName, fileContent, fileType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fields = r.MultipartForm.Value
		f, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		fileName, fileContent, fileType = header.Filename, string(b), header.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	progress := &progressRecorder{}
	task := NewTask(postPlan(t, server.URL, []byte("abc")), progress.record)
	executor := newTestExecutor(DefaultConfig())

	// When
	err := executor.Execute(context.Background(), task, bytes.NewReader([]byte("abc")), nil)

	// Then
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, fields["key"])
	assert.Equal(t, []string{"p"}, fields["policy"])
	assert.Equal(t, "foo.txt", fileName)
	assert.Equal(t, "abc", fileContent)
	assert.Equal(t, "text/plain", fileType)

	snapshot := task.Snapshot()
	assert.Equal(t, StatusSucceeded, snapshot.Status)
	assert.Equal(t, int64(3), snapshot.BytesSent)
	assert.Equal(t, Progress{FileKey: "abc", FileName: "foo.txt", Loaded: 3, Total: 3}, progress.last())
}

func TestExecutor_SinglePost_NotRetriedByDefault(t *testing.T) {
	// Given
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(accessDeniedXML))
	}))
	defer server.Close()

	task := NewTask(postPlan(t, server.URL, []byte("abc")), nil)
	executor := newTestExecutor(DefaultConfig())

	// When
	err := executor.Execute(context.Background(), task, bytes.NewReader([]byte("abc")), nil)

	// Then
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.Equal(t, uploaderror.KindTransientTransfer, uploaderror.KindOf(err))
	assert.Equal(t, accessDeniedXML, string(StorageResponse(err)))
	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, err, task.Snapshot().LastError)
}

func TestExecutor_SinglePost_RetryEnabled(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.RetrySinglePost = true
	config.MaxAttempts = 3
	progress := &progressRecorder{}
	task := NewTask(postPlan(t, server.URL, []byte("abc")), progress.record)

	err := newTestExecutor(config).Execute(context.Background(), task, bytes.NewReader([]byte("abc")), nil)

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	assert.Equal(t, int64(3), task.Snapshot().BytesSent)
	assert.Equal(t, int64(3), progress.last().Loaded)
}

func TestExecutor_Multipart(t *testing.T) {
	// Given a 10 byte file in 4 byte chunks, where part 2 fails once
	content := []byte("0123456789")
	var mu sync.Mutex
	received := map[int]string{}
	var part2Attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "random-upload-id", r.URL.Query().Get("uploadId"))
		partNumber, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))
		body, _ := io.ReadAll(r.Body)

		if partNumber == 2 && atomic.AddInt32(&part2Attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		mu.Lock()
		received[partNumber] = string(body)
		mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf("\"etag-%d\"", partNumber))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Concurrency = 2
	config.HungThreshold = 0
	progress := &progressRecorder{}
	task := NewTask(multipartPlan(t, server.URL, int64(len(content)), 4), progress.record)
	completer := &recordingCompleter{}

	// When
	err := newTestExecutor(config).Execute(context.Background(), task, bytes.NewReader(content), completer)

	// Then
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "0123", 2: "4567", 3: "89"}, received)
	assert.Equal(t, int32(2), atomic.LoadInt32(&part2Attempts))

	require.Len(t, completer.calls, 1)
	assert.Equal(t, protocol.MultipartCompleteRequest{
		FileKey:  "abc",
		UploadID: "random-upload-id",
		Etags: []protocol.PartResult{
			{PartNumber: 1, ETag: `"etag-1"`},
			{PartNumber: 2, ETag: `"etag-2"`},
			{PartNumber: 3, ETag: `"etag-3"`},
		},
	}, completer.calls[0])

	assert.Equal(t, StatusSucceeded, task.Status())
	assert.Equal(t, int64(10), task.Snapshot().BytesSent)
	for _, p := range progress.events {
		assert.LessOrEqual(t, p.Loaded, int64(10))
	}
}

func TestExecutor_Multipart_PartFailures(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		etag             bool
		wantKind         uploaderror.Kind
		wantPart2Attempt int32
	}{
		{name: "transient failure exhausts retries", status: http.StatusInternalServerError, wantKind: uploaderror.KindTransientTransfer, wantPart2Attempt: 3},
		{name: "permanent failure is not retried", status: http.StatusForbidden, wantKind: uploaderror.KindPermanentTransfer, wantPart2Attempt: 1},
		{name: "missing etag is permanent", status: http.StatusOK, wantKind: uploaderror.KindPermanentTransfer, wantPart2Attempt: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			var part2Attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				if r.URL.Query().Get("partNumber") == "2" {
					atomic.AddInt32(&part2Attempts, 1)
					w.WriteHeader(tt.status)
					if tt.status >= 300 {
						_, _ = w.Write([]byte(accessDeniedXML))
					}
					return
				}
				w.Header().Set("ETag", `"ok"`)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			config := DefaultConfig()
			config.MaxAttempts = 3
			config.HungThreshold = 0
			completer := &recordingCompleter{}
			task := NewTask(multipartPlan(t, server.URL, 12, 4), nil)

			// When
			err := newTestExecutor(config).Execute(context.Background(), task, bytes.NewReader(make([]byte, 12)), completer)

			// Then
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, uploaderror.KindOf(err))
			assert.Contains(t, err.Error(), "part 2 of big.bin")
			assert.Equal(t, tt.wantPart2Attempt, atomic.LoadInt32(&part2Attempts))
			assert.Empty(t, completer.calls)
			assert.Equal(t, StatusFailed, task.Status())
		})
	}
}

func TestExecutor_Multipart_RequestTimeoutRetried(t *testing.T) {
	// Given a storage server that stalls the first attempt of the only part
	release := make(chan struct{})
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if atomic.AddInt32(&attempts, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		w.Header().Set("ETag", `"ok"`)
	}))
	defer server.Close()
	defer close(release)

	config := DefaultConfig()
	config.MaxAttempts = 3
	config.RequestTimeout = 50 * time.Millisecond
	config.HungThreshold = 0
	task := NewTask(multipartPlan(t, server.URL, 4, 4), nil)
	completer := &recordingCompleter{}

	// When
	err := newTestExecutor(config).Execute(context.Background(), task, bytes.NewReader([]byte("0123")), completer)

	// Then the timed out attempt is retried
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	require.Len(t, completer.calls, 1)
	assert.Equal(t, []protocol.PartResult{{PartNumber: 1, ETag: `"ok"`}}, completer.calls[0].Etags)
	assert.Equal(t, StatusSucceeded, task.Status())
	assert.Equal(t, int64(4), task.Snapshot().BytesSent)
}

func TestExecutor_Multipart_HungPartRetried(t *testing.T) {
	// Given part 2 stalls on its first attempt while its siblings finish
	release := make(chan struct{})
	var part2Attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		partNumber := r.URL.Query().Get("partNumber")
		if partNumber == "2" && atomic.AddInt32(&part2Attempts, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%s"`, partNumber))
	}))
	defer server.Close()
	defer close(release)

	config := DefaultConfig()
	config.Concurrency = 3
	config.MaxAttempts = 3
	config.HungThreshold = 50 * time.Millisecond
	executor := newTestExecutor(config)
	executor.hungCheckInterval = 10 * time.Millisecond
	task := NewTask(multipartPlan(t, server.URL, 12, 4), nil)
	completer := &recordingCompleter{}

	// When
	err := executor.Execute(context.Background(), task, bytes.NewReader(make([]byte, 12)), completer)

	// Then the hung attempt is cancelled and the part goes through on retry
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&part2Attempts))
	require.Len(t, completer.calls, 1)
	assert.Equal(t, []protocol.PartResult{
		{PartNumber: 1, ETag: `"etag-1"`},
		{PartNumber: 2, ETag: `"etag-2"`},
		{PartNumber: 3, ETag: `"etag-3"`},
	}, completer.calls[0].Etags)
	assert.Equal(t, int64(3), executor.Stats().FinishedCount())
	assert.Equal(t, int64(12), executor.Stats().Bytes())
}

func TestExecutor_Cancellation(t *testing.T) {
	// Given a storage server that never answers
	started := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer server.Close()

	config := DefaultConfig()
	config.HungThreshold = 0
	task := NewTask(multipartPlan(t, server.URL, 8, 4), nil)
	ctx, cancel := context.WithCancel(context.Background())

	// When
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestExecutor(config).Execute(ctx, task, bytes.NewReader(make([]byte, 8)), &recordingCompleter{})
	}()
	<-started
	cancel()

	// Then
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, StatusFailed, task.Status())
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after cancellation")
	}
}

func TestExecutor_SharedLimiter(t *testing.T) {
	// Given
	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		_, _ = io.Copy(io.Discard, r.Body)
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("ETag", `"ok"`)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Concurrency = 4
	config.MaxInFlight = 1
	config.HungThreshold = 0
	executor := newTestExecutor(config)

	// When two files upload at the same time through one executor
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := NewTask(multipartPlan(t, server.URL, 16, 4), nil)
			assert.NoError(t, executor.Execute(context.Background(), task, bytes.NewReader(make([]byte, 16)), &recordingCompleter{}))
		}()
	}
	wg.Wait()

	// Then
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestExecutor_RejectsStartedTask(t *testing.T) {
	task := NewTask(postPlan(t, "http://localhost", []byte("abc")), nil)
	require.NoError(t, task.transition(StatusInFlight))

	err := newTestExecutor(DefaultConfig()).Execute(context.Background(), task, bytes.NewReader([]byte("abc")), nil)

	require.Error(t, err)
}

func TestFormEnvelope(t *testing.T) {
	head, tail, contentType, err := formEnvelope(map[string]string{"key": "abc"}, protocol.FileDescriptor{Name: `a"b.txt`})

	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/form-data; boundary=")
	assert.Contains(t, string(head), `name="key"`)
	assert.Contains(t, string(head), `filename="a\"b.txt"`)
	assert.Contains(t, string(head), "Content-Type: application/octet-stream")
	assert.True(t, bytes.HasSuffix(tail, []byte("--\r\n")))
}
