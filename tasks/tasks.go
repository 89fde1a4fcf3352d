// Package tasks tracks the status of background jobs so HTTP clients can
// poll long-running uploads and repository analyses.
package tasks

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle stage.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Success    Status = "success"
	Error      Status = "error"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("tasks: task not found")

// State is a point-in-time view of one task.
type State struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Result    any    `json:"result,omitempty"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*State
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*State)}
}

// Create registers a new pending task and returns its id.
func (t *Tracker) Create(message string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.tasks[id] = &State{
		ID:        id,
		Status:    Pending,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
	t.mu.Unlock()
	return id
}

// Update moves a task to a new status.
func (t *Tracker) Update(id string, status Status, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.Message = message
	s.Timestamp = time.Now().Unix()
	return nil
}

// SetResult marks a task successful and attaches its payload.
func (t *Tracker) SetResult(id string, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = Success
	s.Result = result
	s.Timestamp = time.Now().Unix()
	return nil
}

// Fail marks a task errored with the given message.
func (t *Tracker) Fail(id, message string) error {
	return t.Update(id, Error, message)
}

// Get returns a copy of the task state.
func (t *Tracker) Get(id string) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.tasks[id]
	if !ok {
		return State{}, ErrNotFound
	}
	return *s, nil
}
