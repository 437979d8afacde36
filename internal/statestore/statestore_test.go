package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/queue"
)

func TestSaveLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	tasks := []*queue.Task{
		{Provider: provider.Linear, IssueID: "ENG-1", Identifier: "ENG-1", Repo: "my-proj", Branch: "ENG-1"},
	}
	if err := s.Save(tasks); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records := s.Load()
	if len(records) != 1 {
		t.Fatalf("Load() returned %d records, want 1", len(records))
	}
	if records[0].IssueID != "ENG-1" || records[0].Repo != "my-proj" {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestLoad_MissingFile_ReturnsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.json"))
	if records := s.Load(); records != nil {
		t.Errorf("Load() = %v, want nil for missing file", records)
	}
}

func TestLoad_CorruptFile_ReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	if records := s.Load(); records != nil {
		t.Errorf("Load() = %v, want nil for corrupt file", records)
	}
}

func TestSave_WritesViaTempThenRename_NoLeftoverTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)
	if err := s.Save(nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be gone after rename, stat err = %v", err)
	}
}
