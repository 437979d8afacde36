package config

import (
	"os"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LINEAR_API_KEY", "LINEAR_WEBHOOK_SECRET", "LINEAR_TRIGGER_LABEL",
		"GITHUB_TOKEN", "GITHUB_WEBHOOK_SECRET", "GITHUB_APP_ID",
		"GITHUB_APP_INSTALLATION_ID", "GITHUB_APP_PRIVATE_KEY_PATH",
		"REPOS_BASE_PATH", "WORKTREES_PATH", "MAX_CONCURRENT_AGENTS",
		"AGENT_TIMEOUT", "PORT", "AUTO_CLEAN_ORPHANS", "INCLUDE_COMMENTS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_NoProviderConfigured_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPOS_BASE_PATH", "/repos")
	t.Setenv("WORKTREES_PATH", "/worktrees")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "at least one provider") {
		t.Fatalf("err = %v, want provider configuration error", err)
	}
}

func TestLoad_MissingWebhookSecret_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPOS_BASE_PATH", "/repos")
	t.Setenv("WORKTREES_PATH", "/worktrees")
	t.Setenv("LINEAR_API_KEY", "key")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "LINEAR_WEBHOOK_SECRET") {
		t.Fatalf("err = %v, want webhook secret error", err)
	}
}

func TestLoad_ValidLinearOnly_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPOS_BASE_PATH", "/repos")
	t.Setenv("WORKTREES_PATH", "/worktrees")
	t.Setenv("LINEAR_API_KEY", "key")
	t.Setenv("LINEAR_WEBHOOK_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentTask != 1 {
		t.Errorf("MaxConcurrentTask = %d, want default 1", cfg.MaxConcurrentTask)
	}
	if cfg.Port != 3847 {
		t.Errorf("Port = %d, want default 3847", cfg.Port)
	}
	if cfg.Linear.TriggerLabel != "ai-attempt" {
		t.Errorf("TriggerLabel = %q, want default", cfg.Linear.TriggerLabel)
	}
	if cfg.GitHub.Configured() {
		t.Error("GitHub should not be configured")
	}
}

func TestLoad_GitHubAppIDWithoutFullTriple_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPOS_BASE_PATH", "/repos")
	t.Setenv("WORKTREES_PATH", "/worktrees")
	t.Setenv("GITHUB_TOKEN", "tok")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "sec")
	t.Setenv("GITHUB_APP_ID", "123")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "GITHUB_APP_ID requires") {
		t.Fatalf("err = %v, want app auth triple error", err)
	}
}

func TestLoad_MissingReposBasePath_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKTREES_PATH", "/worktrees")
	t.Setenv("LINEAR_API_KEY", "key")
	t.Setenv("LINEAR_WEBHOOK_SECRET", "secret")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REPOS_BASE_PATH") {
		t.Fatalf("err = %v, want REPOS_BASE_PATH error", err)
	}
}
