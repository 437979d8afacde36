// Package statestore persists the running-task snapshot to a single JSON
// file, written atomically via a temp file and rename, so a crash between
// write and rename never leaves a corrupt state.json behind.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/queue"
	"github.com/agentbridge/agentbridge/internal/taskerr"
)

// Snapshot is the on-disk shape of state.json.
type Snapshot struct {
	RunningAgents []TaskRecord `json:"runningAgents"`
	SavedAt       time.Time    `json:"savedAt"`
}

// TaskRecord is the serializable form of a queue.Task.
type TaskRecord struct {
	Provider      provider.Tag `json:"provider"`
	IssueID       string       `json:"issueId"`
	Identifier    string       `json:"identifier"`
	Repo          string       `json:"repo"`
	WorkspacePath string       `json:"workspacePath"`
	Branch        string       `json:"branch"`
	Title         string       `json:"title"`
	StartedAt     time.Time    `json:"startedAt"`
}

// Store is a single-file atomic JSON persistence layer.
type Store struct {
	path string
}

// New builds a Store backed by path (typically "state.json" in the working
// directory).
func New(path string) *Store {
	return &Store{path: path}
}

// Save serializes the given running tasks and atomically replaces the state
// file. A failure here is never fatal to the caller; it is surfaced as an
// error so the caller can log it and continue.
func (s *Store) Save(tasks []*queue.Task) error {
	records := make([]TaskRecord, len(tasks))
	for i, t := range tasks {
		records[i] = TaskRecord{
			Provider:      t.Provider,
			IssueID:       t.IssueID,
			Identifier:    t.Identifier,
			Repo:          t.Repo,
			WorkspacePath: t.WorkspacePath,
			Branch:        t.Branch,
			Title:         t.Title,
			StartedAt:     t.StartedAt,
		}
	}
	snap := Snapshot{RunningAgents: records, SavedAt: time.Now()}

	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &taskerr.StateIOError{Path: s.path, Err: fmt.Errorf("marshal state snapshot: %w", err)}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return &taskerr.StateIOError{Path: s.path, Err: fmt.Errorf("write temp state file: %w", err)}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return &taskerr.StateIOError{Path: s.path, Err: fmt.Errorf("rename temp state file: %w", err)}
	}
	return nil
}

// Load reads the persisted snapshot. A missing file is not an error — it
// returns an empty snapshot, as on first run. A corrupt file is logged and
// also treated as empty, since the recovery protocol has nothing sane to do
// with malformed state.
func (s *Store) Load() []TaskRecord {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reading state file", "err", &taskerr.StateIOError{Path: s.path, Err: err})
		}
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		slog.Warn("state file is corrupt, starting with empty running set", "err", &taskerr.StateIOError{Path: s.path, Err: err})
		return nil
	}
	return snap.RunningAgents
}

// ToTasks converts loaded records back into queue.Task values for
// restoration into the running map. Status is left as queue.StatusRunning
// since these tasks were running when the snapshot was saved.
func ToTasks(records []TaskRecord) []*queue.Task {
	tasks := make([]*queue.Task, len(records))
	for i, r := range records {
		tasks[i] = &queue.Task{
			Provider:      r.Provider,
			IssueID:       r.IssueID,
			Identifier:    r.Identifier,
			Repo:          r.Repo,
			WorkspacePath: r.WorkspacePath,
			Branch:        r.Branch,
			Title:         r.Title,
			Status:        queue.StatusRunning,
			StartedAt:     r.StartedAt,
		}
	}
	return tasks
}
