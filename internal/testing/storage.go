// Package testing holds fakes shared by the package tests: an in-memory object
// storage that implements origin.Storage and serves the presigned requests it issues.
package testing

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-uploadkit/origin"
	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/signature"
	"github.com/google/uuid"
)

// Request kinds counted by Storage.
const (
	RequestPost = "post"
	RequestPut  = "put"
)

// Failure is an injected storage response.
type Failure struct {
	Status int
	Body   string
}

// AccessDenied is the error body storage returns for rejected presigned requests.
const AccessDenied = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`

type multipartUpload struct {
	key   string
	parts map[int][]byte
}

// Storage is an in-memory origin.Storage backed by an httptest server. After a
// successful form POST it posts a signed completion callback to the origin, if one
// was set with SetCallback.
type Storage struct {
	server *httptest.Server

	mu          sync.Mutex
	objects     map[string][]byte
	uploads     map[string]*multipartUpload
	requests    map[string]int
	aborted     []string
	fail        func(kind string, partNumber int) *Failure
	callbackURL string
	signer      signature.Signer
	presignErr  error
}

// NewStorage starts the storage server. Call Close when done.
func NewStorage() *Storage {
	s := &Storage{
		objects:  map[string][]byte{},
		uploads:  map[string]*multipartUpload{},
		requests: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /post", s.handlePost)
	mux.HandleFunc("PUT /parts/{uploadID}/{partNumber}", s.handlePut)
	mux.HandleFunc("GET /files/{key}", s.handleGet)
	s.server = httptest.NewServer(mux)
	return s
}

// Close ...
func (s *Storage) Close() {
	s.server.Close()
}

// SetCallback makes the storage notify the origin at url after form uploads.
func (s *Storage) SetCallback(url string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbackURL = url
	s.signer = signature.NewSigner(secret)
}

// FailWith injects failures. fn is called for every upload request with its kind and
// part number (0 for form posts); a nil result lets the request through.
func (s *Storage) FailWith(fn func(kind string, partNumber int) *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// FailPresign makes presigning return err.
func (s *Storage) FailPresign(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presignErr = err
}

// Requests returns the number of upload requests of kind received so far.
func (s *Storage) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

// Object returns the stored content of key.
func (s *Storage) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Aborted returns the aborted multipart upload ids.
func (s *Storage) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// PresignPost ...
func (s *Storage) PresignPost(_ context.Context, req origin.ObjectRequest) (protocol.PresignedPost, error) {
	if err := s.presignError(); err != nil {
		return protocol.PresignedPost{}, err
	}
	return protocol.PresignedPost{
		URL: s.server.URL + "/post",
		Fields: map[string]string{
			"key":          req.Key,
			"Content-Type": req.ContentType,
		},
	}, nil
}

// CreateMultipart ...
func (s *Storage) CreateMultipart(_ context.Context, req origin.MultipartRequest) (protocol.PresignedMultipart, error) {
	if err := s.presignError(); err != nil {
		return protocol.PresignedMultipart{}, err
	}

	uploadID := uuid.NewString()
	s.mu.Lock()
	s.uploads[uploadID] = &multipartUpload{key: req.Key, parts: map[int][]byte{}}
	s.mu.Unlock()

	mp := protocol.PresignedMultipart{UploadID: uploadID, ChunkSize: req.ChunkSize}
	for n := 1; n <= req.Parts; n++ {
		mp.Parts = append(mp.Parts, protocol.PresignedPart{
			PartNumber: n,
			URL:        fmt.Sprintf("%s/parts/%s/%d", s.server.URL, uploadID, n),
		})
	}
	return mp, nil
}

// CompleteMultipart ...
func (s *Storage) CompleteMultipart(_ context.Context, key, uploadID string, parts []protocol.PartResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return fmt.Errorf("no such upload: %s", uploadID)
	}
	var content bytes.Buffer
	for _, part := range parts {
		data, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("part %d of %s was not uploaded", part.PartNumber, uploadID)
		}
		if etag(data) != part.ETag {
			return fmt.Errorf("etag mismatch on part %d of %s", part.PartNumber, uploadID)
		}
		content.Write(data)
	}
	s.objects[key] = content.Bytes()
	delete(s.uploads, uploadID)
	return nil
}

// AbortMultipart ...
func (s *Storage) AbortMultipart(_ context.Context, _, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[uploadID]; !ok {
		return fmt.Errorf("no such upload: %s", uploadID)
	}
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

// FileURL ...
func (s *Storage) FileURL(key string) string {
	return s.server.URL + "/files/" + key
}

func (s *Storage) presignError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presignErr
}

// injected counts the request and returns its injected failure, if any.
func (s *Storage) injected(kind string, partNumber int) *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[kind]++
	if s.fail == nil {
		return nil
	}
	return s.fail(kind, partNumber)
}

func (s *Storage) handlePost(w http.ResponseWriter, r *http.Request) {
	if f := s.injected(RequestPost, 0); f != nil {
		writeFailure(w, f)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.FormValue("key")
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.objects[key] = content
	callbackURL, signer := s.callbackURL, s.signer
	s.mu.Unlock()

	if callbackURL != "" {
		payload := protocol.CallbackPayload{
			Status: "uploaded",
			File: protocol.CallbackFile{
				Key:  key,
				Name: header.Filename,
				Size: int64(len(content)),
				URL:  s.FileURL(key),
			},
		}
		if err := callback(r.Context(), callbackURL, signer, payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Storage) handlePut(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadID")
	partNumber, err := strconv.Atoi(r.PathValue("partNumber"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f := s.injected(RequestPut, partNumber); f != nil {
		writeFailure(w, f)
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	upload, ok := s.uploads[uploadID]
	if ok {
		upload.parts[partNumber] = content
	}
	s.mu.Unlock()
	if !ok {
		writeFailure(w, &Failure{Status: http.StatusNotFound, Body: `<Error><Code>NoSuchUpload</Code><Message>The specified upload does not exist.</Message></Error>`})
		return
	}

	w.Header().Set("ETag", etag(content))
	w.WriteHeader(http.StatusOK)
}

func (s *Storage) handleGet(w http.ResponseWriter, r *http.Request) {
	content, ok := s.Object(r.PathValue("key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(content)
}

// Keys returns the stored object keys in order.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func callback(ctx context.Context, url string, signer signature.Signer, payload protocol.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderHook, protocol.HookCallback)
	signer.SignRequest(req, body)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("callback failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func writeFailure(w http.ResponseWriter, f *Failure) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(f.Status)
	_, _ = io.WriteString(w, f.Body)
}

func etag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
