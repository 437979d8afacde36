// Package processor is the single process-lifetime scheduler that drains
// the task queue with bounded concurrency, persisting the running snapshot
// around every dispatch.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/agentrunner"
	"github.com/agentbridge/agentbridge/internal/queue"
	"github.com/agentbridge/agentbridge/internal/statestore"
)

// PollInterval is the fallback tick used to cover any missed Trigger calls.
const PollInterval = time.Second

// Hub is the minimal interface the processor needs to broadcast lifecycle
// events. internal/ingress's websocket hub satisfies this.
type Hub interface {
	Broadcast(eventType string, payload any)
}

// Processor dispatches tasks from a queue.Queue through an agentrunner.Runner.
type Processor struct {
	Queue   *queue.Queue
	Runner  *agentrunner.Runner
	Store   *statestore.Store
	Hub     Hub

	mu      sync.Mutex
	started bool
	wake    chan struct{}
}

// New builds a Processor. Hub may be nil (no broadcast).
func New(q *queue.Queue, runner *agentrunner.Runner, store *statestore.Store, hub Hub) *Processor {
	return &Processor{
		Queue:  q,
		Runner: runner,
		Store:  store,
		Hub:    hub,
		wake:   make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop. Calling Start more than once warns and is
// a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("processor already started")
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.loop(ctx)
}

// Trigger nudges the dispatch loop to attempt a dispatch immediately,
// called by ingress right after admitting a task.
func (p *Processor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) loop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// drain dispatches as many tasks as capacity allows, each in its own
// goroutine, and returns once the queue is empty or at capacity. A finished
// task triggers another drain.
func (p *Processor) drain(ctx context.Context) {
	for p.Queue.Size() > 0 && p.Queue.CanStartNew() {
		task := p.Queue.Next()
		if task == nil {
			return
		}
		p.Queue.MarkRunning(task)
		go func() {
			p.dispatch(ctx, task)
			p.Trigger()
		}()
	}
}

func (p *Processor) dispatch(ctx context.Context, task *queue.Task) {
	p.persist()
	p.broadcast("started", task)

	outcome := p.safeRun(ctx, task)

	key := queue.Key{Provider: task.Provider, IssueID: task.IssueID}
	if outcome.Success {
		p.Queue.MarkComplete(key)
		p.broadcast("completed", task)
	} else {
		slog.Error("task failed", "issue", task.Identifier, "err", outcome.Err)
		p.Queue.MarkFailed(key)
		p.broadcast("failed", task)
	}
	p.persist()
}

// safeRun converts any panic from the agent runner into a failure outcome
// so a single bad run never takes down the processor.
func (p *Processor) safeRun(ctx context.Context, task *queue.Task) agentrunner.Outcome {
	var outcome agentrunner.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("agent runner panicked", "issue", task.Identifier, "panic", r)
				outcome = agentrunner.Outcome{Err: panicError{r}}
			}
		}()
		outcome = p.Runner.Run(ctx, task)
	}()
	return outcome
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in agent runner" }

func (p *Processor) persist() {
	// Concurrent dispatches share one state file; write it one at a time.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Store.Save(p.Queue.RunningTasks()); err != nil {
		slog.Warn("persisting state snapshot failed", "err", err)
	}
}

func (p *Processor) broadcast(eventType string, task *queue.Task) {
	if p.Hub == nil {
		return
	}
	p.Hub.Broadcast(eventType, map[string]any{
		"issue":  task.Identifier,
		"repo":   task.Repo,
		"branch": task.Branch,
	})
}
