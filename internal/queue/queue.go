// Package queue holds the in-process FIFO of pending tasks and the map of
// tasks currently owned by a worker, admitted and mutated under one lock so
// the "at most one task per issue" invariant lives in a single place.
package queue

import (
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/provider"
)

// Status is the lifecycle phase of a Task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Key uniquely identifies a task across providers.
type Key struct {
	Provider provider.Tag
	IssueID  string
}

// Task is a unit of work admitted into the queue.
type Task struct {
	Provider      provider.Tag
	IssueID       string
	Identifier    string
	Repo          string
	WorkspacePath string
	Branch        string
	Title         string
	Status        Status
	StartedAt     time.Time
}

func (t *Task) key() Key { return Key{Provider: t.Provider, IssueID: t.IssueID} }

// Queue is the FIFO pending sequence plus the running-task map.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	running map[Key]*Task
	maxRun  int
}

// New builds an empty Queue bounded by maxConcurrent running tasks.
func New(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		running: make(map[Key]*Task),
		maxRun:  maxConcurrent,
	}
}

// Add admits a task. It is a no-op, returning false, if the task's
// (provider, issue) pair is already queued or running.
func (q *Queue) Add(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := t.key()
	if _, running := q.running[k]; running {
		return false
	}
	for _, p := range q.pending {
		if p.key() == k {
			return false
		}
	}
	t.Status = StatusQueued
	q.pending = append(q.pending, t)
	return true
}

// Next pops the head of the pending sequence, or returns nil if empty.
func (q *Queue) Next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}

// MarkRunning stamps the start time and moves the task into the running map.
func (q *Queue) MarkRunning(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	q.running[t.key()] = t
}

// MarkComplete removes the task from the running map.
func (q *Queue) MarkComplete(k Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, k)
}

// MarkFailed removes the task from the running map. Failure detail is the
// caller's responsibility (logging, tracker comment); the queue only tracks
// lifecycle membership.
func (q *Queue) MarkFailed(k Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, k)
}

// IsQueued reports whether k is in the pending sequence.
func (q *Queue) IsQueued(k Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p.key() == k {
			return true
		}
	}
	return false
}

// IsRunning reports whether k is in the running map.
func (q *Queue) IsRunning(k Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[k]
	return ok
}

// Size returns the pending-sequence length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RunningCount returns the number of tasks currently running.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// CanStartNew reports whether the running count is below the configured max.
func (q *Queue) CanStartNew() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) < q.maxRun
}

// RunningTasks returns a snapshot copy of the currently running tasks, in no
// particular order.
func (q *Queue) RunningTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.running))
	for _, t := range q.running {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

// RestoreRunning repopulates the running map from a persisted snapshot,
// without touching the pending sequence. Used by crash recovery: the tasks
// are visible for observability but no worker is dispatched for them.
func (q *Queue) RestoreRunning(tasks []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		q.running[t.key()] = t
	}
}

// StatusSnapshot is a point-in-time summary for the /status endpoint.
type StatusSnapshot struct {
	PendingCount int
	Running      []*Task
}

// Snapshot returns the current pending count and a running-tasks copy.
func (q *Queue) Snapshot() StatusSnapshot {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return StatusSnapshot{PendingCount: pending, Running: q.RunningTasks()}
}
