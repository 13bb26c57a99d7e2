package transfer

import (
	"sync"
	"time"
)

// Stats aggregates the finished part uploads of an executor. Hung detection compares
// running parts against Average.
type Stats struct {
	mu       sync.Mutex
	parts    int64
	bytes    int64
	duration time.Duration
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record adds a stored part of size bytes that took d.
func (s *Stats) Record(size int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts++
	s.bytes += size
	s.duration += d
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parts == 0 {
		return 0
	}
	return s.duration / time.Duration(s.parts)
}

// FinishedCount returns the number of finished part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts
}

// Bytes returns the number of bytes stored by finished parts.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Throughput returns the bytes per second of a single part upload, zero before any part finished.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duration <= 0 {
		return 0
	}
	return float64(s.bytes) / s.duration.Seconds()
}
