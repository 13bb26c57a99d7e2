package transfer

import (
	"fmt"
	"sync"

	"github.com/bitrise-io/go-uploadkit/upload/plan"
)

// Status is the transfer state of a Task.
type Status int

// Task statuses
const (
	StatusPending Status = iota
	StatusInFlight
	StatusRetrying
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusRetrying:
		return "retrying"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal ...
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Parts of one file run concurrently, so InFlight and Retrying may repeat.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInFlight, StatusFailed},
	StatusInFlight: {StatusInFlight, StatusRetrying, StatusSucceeded, StatusFailed},
	StatusRetrying: {StatusRetrying, StatusInFlight, StatusFailed},
}

// Task is the mutable transfer state of one file. It is owned by the Executor
// while it runs; observers read it through Snapshot.
type Task struct {
	Plan *plan.Plan

	mu        sync.Mutex
	status    Status
	bytesSent int64
	// highWater is the largest byte count seen per step, keyed by part number (0 for a POST).
	highWater map[int]int64
	lastErr   error
	notify    func(Progress)
}

// NewTask creates a pending task. notify may be nil.
func NewTask(p *plan.Plan, notify func(Progress)) *Task {
	return &Task{
		Plan:      p,
		status:    StatusPending,
		highWater: map[int]int64{},
		notify:    notify,
	}
}

// Snapshot is a point in time view of a Task.
type Snapshot struct {
	Key       string
	Name      string
	Status    Status
	BytesSent int64
	Total     int64
	LastError error
}

// Snapshot ...
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Key:       t.Plan.Descriptor.Key,
		Name:      t.Plan.File.Name,
		Status:    t.status,
		BytesSent: t.bytesSent,
		Total:     t.Plan.File.Size,
		LastError: t.lastErr,
	}
}

// Status ...
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, allowed := range transitions[t.status] {
		if allowed == to {
			t.status = to
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %s -> %s", t.status, to)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	_ = t.transition(StatusFailed)
}

func (t *Task) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
}

// advance records that sent bytes of a step went out in the current attempt.
// Only bytes beyond the step's high-water mark count, so retries never double count.
func (t *Task) advance(partNumber int, sent int64) {
	t.mu.Lock()
	delta := sent - t.highWater[partNumber]
	if delta <= 0 {
		t.mu.Unlock()
		return
	}
	t.highWater[partNumber] = sent
	t.bytesSent += delta
	p := Progress{
		FileKey:  t.Plan.Descriptor.Key,
		FileName: t.Plan.File.Name,
		Loaded:   t.bytesSent,
		Total:    t.Plan.File.Size,
	}
	t.mu.Unlock()

	if t.notify != nil {
		t.notify(p)
	}
}
