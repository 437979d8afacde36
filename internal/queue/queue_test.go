package queue

import (
	"testing"

	"github.com/agentbridge/agentbridge/internal/provider"
)

func task(id string) *Task {
	return &Task{Provider: provider.Linear, IssueID: id, Identifier: id}
}

func TestAdd_DuplicateQueued_Rejected(t *testing.T) {
	q := New(2)
	if !q.Add(task("ENG-1")) {
		t.Fatal("first admit should succeed")
	}
	if q.Add(task("ENG-1")) {
		t.Fatal("duplicate admit should be rejected")
	}
	if q.Size() != 1 {
		t.Errorf("Size() = %d, want 1", q.Size())
	}
}

func TestAdd_DuplicateRunning_Rejected(t *testing.T) {
	q := New(2)
	tk := task("ENG-1")
	q.Add(tk)
	q.Next()
	q.MarkRunning(tk)

	if q.Add(task("ENG-1")) {
		t.Fatal("admit of a running issue should be rejected")
	}
}

func TestNext_PreservesFIFOOrder(t *testing.T) {
	q := New(5)
	q.Add(task("A"))
	q.Add(task("B"))
	q.Add(task("C"))

	var order []string
	for {
		t := q.Next()
		if t == nil {
			break
		}
		order = append(order, t.IssueID)
	}
	want := []string{"A", "B", "C"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMarkRunning_StampsStartTime(t *testing.T) {
	q := New(1)
	tk := task("ENG-1")
	q.Add(tk)
	q.Next()
	q.MarkRunning(tk)
	if tk.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
	if !q.IsRunning(Key{Provider: provider.Linear, IssueID: "ENG-1"}) {
		t.Error("expected task to be running")
	}
}

func TestCanStartNew_RespectsMax(t *testing.T) {
	q := New(1)
	tk := task("ENG-1")
	q.Add(tk)
	q.Next()
	q.MarkRunning(tk)

	if q.CanStartNew() {
		t.Error("expected CanStartNew to be false at capacity")
	}
	q.MarkComplete(Key{Provider: provider.Linear, IssueID: "ENG-1"})
	if !q.CanStartNew() {
		t.Error("expected CanStartNew to be true after completion")
	}
}

func TestRestoreRunning_PopulatesRunningMapOnly(t *testing.T) {
	q := New(2)
	q.RestoreRunning([]*Task{task("ENG-9")})
	if !q.IsRunning(Key{Provider: provider.Linear, IssueID: "ENG-9"}) {
		t.Error("expected restored task to be running")
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 (restore must not touch pending)", q.Size())
	}
}
