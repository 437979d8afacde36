package taskerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWorkspaceError_AsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("git worktree add: exit status 128")
	err := error(&WorkspaceError{Branch: "eng-7", Err: cause})

	var we *WorkspaceError
	if !errors.As(err, &we) {
		t.Fatal("expected errors.As to match *WorkspaceError")
	}
	if we.Branch != "eng-7" {
		t.Fatalf("expected branch eng-7, got %s", we.Branch)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestAgentTimeout_DistinguishableFromAgentNonZero(t *testing.T) {
	timeout := error(&AgentTimeout{Branch: "eng-7", Timeout: "30 minutes", Err: fmt.Errorf("killed")})
	nonZero := error(&AgentNonZero{Branch: "eng-7", Code: 1, Err: fmt.Errorf("exit 1")})

	var at *AgentTimeout
	if !errors.As(timeout, &at) {
		t.Fatal("expected errors.As to match *AgentTimeout")
	}
	if errors.As(timeout, new(*AgentNonZero)) {
		t.Fatal("AgentTimeout must not also match *AgentNonZero")
	}

	var an *AgentNonZero
	if !errors.As(nonZero, &an) {
		t.Fatal("expected errors.As to match *AgentNonZero")
	}
	if an.Code != 1 {
		t.Fatalf("expected code 1, got %d", an.Code)
	}
}

func TestStateIOError_CarriesPath(t *testing.T) {
	err := &StateIOError{Path: "/var/lib/agentbridge/state.json", Err: fmt.Errorf("permission denied")}
	if got := err.Error(); got == "" {
		t.Fatal("expected a non-empty error message")
	}
	var sie *StateIOError
	if !errors.As(error(err), &sie) {
		t.Fatal("expected errors.As to match *StateIOError")
	}
	if sie.Path != "/var/lib/agentbridge/state.json" {
		t.Fatalf("unexpected path: %s", sie.Path)
	}
}
