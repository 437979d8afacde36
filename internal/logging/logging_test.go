package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIssueLogger_WritesFixedLineFormat(t *testing.T) {
	dir := t.TempDir()
	l := NewIssueLogger(dir)
	defer l.Close()

	logger := l.ForIssue("ENG-7")
	logger.Info("starting task", "branch", "ENG-7")

	content, err := os.ReadFile(filepath.Join(dir, "ENG-7.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "[") {
		t.Fatalf("line does not start with timestamp bracket: %q", line)
	}
	if !strings.Contains(line, "[INFO]") {
		t.Errorf("line missing level: %q", line)
	}
	if !strings.Contains(line, "starting task") {
		t.Errorf("line missing message: %q", line)
	}
	if !strings.Contains(line, `"branch": "ENG-7"`) {
		t.Errorf("line missing context: %q", line)
	}
}

func TestIssueLogger_SlashInIdentifier_SanitizedFileName(t *testing.T) {
	dir := t.TempDir()
	l := NewIssueLogger(dir)
	defer l.Close()

	l.ForIssue("acme/widgets#42").Info("hello")

	if _, err := os.Stat(filepath.Join(dir, "acme_widgets#42.log")); err != nil {
		t.Fatalf("expected sanitized log file, stat err = %v", err)
	}
}

func TestIssueLogger_SeparateIdentifiers_SeparateFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewIssueLogger(dir)
	defer l.Close()

	l.ForIssue("A").Info("a")
	l.ForIssue("B").Info("b")

	for _, name := range []string{"A.log", "B.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist, stat err = %v", name, err)
		}
	}
}
