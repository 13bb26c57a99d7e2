package origin

import (
	"encoding/json"
	"sync"

	"github.com/bitrise-io/go-uploadkit/protocol"
)

type fileState int

const (
	filePending fileState = iota
	fileCompleting
	fileDone
	fileFailed
)

// cleanupState tracks the failure callback or multipart abort of a failed file.
type cleanupState int

const (
	cleanupNone cleanupState = iota
	cleanupRunning
	cleanupPending
	cleanupDone
)

// fileRecord is what the origin remembers about an issued descriptor.
type fileRecord struct {
	slug       string
	key        string
	file       protocol.FileDescriptor
	uploadID   *string
	metadata   json.RawMessage
	state      fileState
	cleanup    cleanupState
	serverData json.RawMessage
}

// fileStore keeps file records in memory, keyed by storage key.
type fileStore struct {
	mu      sync.Mutex
	records map[string]*fileRecord
}

func newFileStore() *fileStore {
	return &fileStore{records: map[string]*fileRecord{}}
}

func (s *fileStore) put(r fileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.key] = &r
}

func (s *fileStore) get(key string) (fileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return fileRecord{}, false
	}
	return *r, true
}

// claim moves a pending record to state. It reports false when the record is
// unknown or already claimed, so each file settles once.
func (s *fileStore) claim(key string, state fileState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.state != filePending {
		return false
	}
	r.state = state
	if state == fileFailed {
		r.cleanup = cleanupRunning
	}
	return true
}

func (s *fileStore) finish(key string, serverData json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && r.state == fileCompleting {
		r.state = fileDone
		r.serverData = serverData
	}
}

// release returns a claimed record to pending so completion can be retried.
func (s *fileStore) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && r.state == fileCompleting {
		r.state = filePending
	}
}

// retryCleanup claims the cleanup of a failed record whose last cleanup did not go through.
func (s *fileStore) retryCleanup(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.state != fileFailed || r.cleanup != cleanupPending {
		return false
	}
	r.cleanup = cleanupRunning
	return true
}

// cleaned ends a running cleanup. A failed one stays pending for the next failure report.
func (s *fileStore) cleaned(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.cleanup != cleanupRunning {
		return
	}
	if err != nil {
		r.cleanup = cleanupPending
		return
	}
	r.cleanup = cleanupDone
}
