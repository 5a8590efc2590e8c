// Package task holds the delegated-task domain model and the in-process
// registry that is the single source of truth for task lifecycle state.
//
// Status moves strictly forward: queued -> in_progress -> {completed, failed}.
// A terminal status is write-once; later transition attempts are rejected.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trellis/internal/logging"
)

// Status represents the lifecycle state of a delegated task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Task is the delegation record handed to a worker agent.
type Task struct {
	// ID is a durable, monotonically allocated identifier.
	ID string `json:"id"`
	// SessionID is the externally addressable key subscribers attach with.
	SessionID string `json:"session_id"`

	Task            string   `json:"task"`
	Context         []string `json:"context,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`

	Status Status `json:"status"`
	// Summary holds the worker's final report; only set in terminal states.
	Summary string `json:"summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Context = append([]string(nil), t.Context...)
	return &c
}

// Registry is the mutex-guarded, process-wide task store.
//
// Lookups for unknown sessions return nil/false rather than errors: a late
// probe for an already-evicted task is an expected, common condition for
// racing callers.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*Task
	seq       int64
	logger    logging.Logger
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]*Task),
		logger:    logging.NewComponentLogger("TaskRegistry"),
	}
}

// Create allocates a new task in the queued state and returns a copy.
func (r *Registry) Create(taskText string, context []string, expectedOutcome string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	now := time.Now()
	t := &Task{
		ID:              fmt.Sprintf("task-%06d", r.seq),
		SessionID:       uuid.New().String(),
		Task:            taskText,
		Context:         append([]string(nil), context...),
		ExpectedOutcome: expectedOutcome,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.bySession[t.SessionID] = t
	r.logger.Info("Created task %s (session %s)", t.ID, t.SessionID)
	return t.clone()
}

// MarkInProgress transitions a queued task to in_progress. It is idempotent
// for tasks that are already in progress and returns nil for unknown sessions
// or tasks that already reached a terminal state.
func (r *Registry) MarkInProgress(sessionID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if t.Status != StatusInProgress {
		t.Status = StatusInProgress
		t.UpdatedAt = time.Now()
		r.logger.Info("Task %s -> in_progress", t.ID)
	}
	return t.clone()
}

// Complete sets a terminal status and the final summary. The call is rejected
// (returns nil) when the session is unknown, the task is already terminal, or
// status is not a terminal value. Exactly one terminal transition wins.
func (r *Registry) Complete(sessionID, summary string, status Status) *Task {
	if !status.IsTerminal() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	if t.Status.IsTerminal() {
		r.logger.Warn("Rejected terminal write for task %s: already %s", t.ID, t.Status)
		return nil
	}

	t.Status = status
	t.Summary = summary
	t.UpdatedAt = time.Now()
	r.logger.Info("Task %s -> %s", t.ID, status)
	return t.clone()
}

// Get returns a copy of the task for the session, or nil if unknown.
func (r *Registry) Get(sessionID string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession[sessionID].clone()
}

// ListActive returns non-terminal tasks, newest first. When includeCompleted
// is true, terminal tasks are included as well.
func (r *Registry) ListActive(includeCompleted bool) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.bySession))
	for _, t := range r.bySession {
		if !includeCompleted && t.Status.IsTerminal() {
			continue
		}
		tasks = append(tasks, t.clone())
	}
	sortNewestFirst(tasks)
	return tasks
}

// ListRecent returns up to limit tasks, newest first.
func (r *Registry) ListRecent(limit int) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.bySession))
	for _, t := range r.bySession {
		tasks = append(tasks, t.clone())
	}
	sortNewestFirst(tasks)

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// Delete removes the task for the session and reports whether it existed.
func (r *Registry) Delete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[sessionID]; !ok {
		return false
	}
	delete(r.bySession, sessionID)
	return true
}

func sortNewestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
