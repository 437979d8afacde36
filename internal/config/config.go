// Package config loads the service's entire configuration surface from
// environment variables, applying defaults and collecting every validation
// problem into one aggregate error so a misconfigured deployment can be
// fixed in a single restart rather than one error at a time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, validated configuration for one process.
type Config struct {
	Linear LinearConfig
	GitHub GitHubConfig

	ReposBasePath     string
	WorktreesPath     string
	MaxConcurrentTask int
	IncludeComments   bool
	AgentTimeout      time.Duration
	AgentBinary       string
	Port              int
	AutoCleanOrphans  bool
	LogLevel          string
}

// LinearConfig is empty-valued (APIKey == "") when the provider is not
// configured.
type LinearConfig struct {
	APIKey           string
	WebhookSecret    string
	TriggerLabel     string
	RepoCustomField  string
	InProgressStatus string
	ReviewStatus     string
}

func (c LinearConfig) Configured() bool { return c.APIKey != "" }

// GitHubConfig is empty-valued (Token == "" and App is zero) when the
// provider is not configured.
type GitHubConfig struct {
	Token           string
	WebhookSecret   string
	TriggerLabel    string
	InProgressLabel string
	ReviewLabel     string

	AppID             int64
	AppInstallationID int64
	AppPrivateKeyPath string
}

func (c GitHubConfig) Configured() bool { return c.Token != "" || c.AppID != 0 }

func (c GitHubConfig) UsesAppAuth() bool {
	return c.AppID != 0 && c.AppInstallationID != 0 && c.AppPrivateKeyPath != ""
}

// Load reads every environment variable the service understands, applies
// defaults, and validates the result. It returns a single error aggregating
// every problem found, not just the first.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		Linear: LinearConfig{
			APIKey:           os.Getenv("LINEAR_API_KEY"),
			WebhookSecret:    os.Getenv("LINEAR_WEBHOOK_SECRET"),
			TriggerLabel:     getenvDefault("LINEAR_TRIGGER_LABEL", "ai-attempt"),
			RepoCustomField:  getenvDefault("REPO_CUSTOM_FIELD_NAME", "Repository"),
			InProgressStatus: getenvDefault("IN_PROGRESS_STATUS", "In Progress"),
			ReviewStatus:     getenvDefault("REVIEW_STATUS", "In Review"),
		},
		GitHub: GitHubConfig{
			Token:             os.Getenv("GITHUB_TOKEN"),
			WebhookSecret:     os.Getenv("GITHUB_WEBHOOK_SECRET"),
			TriggerLabel:      getenvDefault("GITHUB_TRIGGER_LABEL", "ai-attempt"),
			InProgressLabel:   getenvDefault("GITHUB_IN_PROGRESS_LABEL", "in-progress"),
			ReviewLabel:       getenvDefault("GITHUB_REVIEW_LABEL", "review"),
			AppPrivateKeyPath: os.Getenv("GITHUB_APP_PRIVATE_KEY_PATH"),
		},
		ReposBasePath:    os.Getenv("REPOS_BASE_PATH"),
		WorktreesPath:    os.Getenv("WORKTREES_PATH"),
		AgentBinary:      getenvDefault("AGENT_BINARY", "claude"),
		AutoCleanOrphans: false,
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
	}

	cfg.GitHub.AppID = parseInt64Default(os.Getenv("GITHUB_APP_ID"), 0, "GITHUB_APP_ID", &errs)
	cfg.GitHub.AppInstallationID = parseInt64Default(os.Getenv("GITHUB_APP_INSTALLATION_ID"), 0, "GITHUB_APP_INSTALLATION_ID", &errs)

	cfg.MaxConcurrentTask = int(parseInt64Default(os.Getenv("MAX_CONCURRENT_AGENTS"), 1, "MAX_CONCURRENT_AGENTS", &errs))
	cfg.IncludeComments = parseBoolDefault(os.Getenv("INCLUDE_COMMENTS"), true, "INCLUDE_COMMENTS", &errs)
	cfg.AutoCleanOrphans = parseBoolDefault(os.Getenv("AUTO_CLEAN_ORPHANS"), false, "AUTO_CLEAN_ORPHANS", &errs)
	cfg.Port = int(parseInt64Default(os.Getenv("PORT"), 3847, "PORT", &errs))

	timeoutMs := parseInt64Default(os.Getenv("AGENT_TIMEOUT"), 1_800_000, "AGENT_TIMEOUT", &errs)
	cfg.AgentTimeout = time.Duration(timeoutMs) * time.Millisecond

	if cfg.ReposBasePath == "" {
		errs = append(errs, errors.New("REPOS_BASE_PATH is required"))
	}
	if cfg.WorktreesPath == "" {
		errs = append(errs, errors.New("WORKTREES_PATH is required"))
	}
	if !cfg.Linear.Configured() && !cfg.GitHub.Configured() {
		errs = append(errs, errors.New("at least one provider must be configured: set LINEAR_API_KEY or GITHUB_TOKEN/GitHub App credentials"))
	}
	if cfg.Linear.Configured() && cfg.Linear.WebhookSecret == "" {
		errs = append(errs, errors.New("LINEAR_WEBHOOK_SECRET is required when LINEAR_API_KEY is set"))
	}
	if cfg.GitHub.Configured() && cfg.GitHub.WebhookSecret == "" {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required when GitHub is configured"))
	}
	if cfg.GitHub.AppID != 0 && !cfg.GitHub.UsesAppAuth() {
		errs = append(errs, errors.New("GITHUB_APP_ID requires GITHUB_APP_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY_PATH to also be set"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", joinErrors(errs))
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt64Default(raw string, def int64, key string, errs *[]error) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return def
	}
	return n
}

func parseBoolDefault(raw string, def bool, key string, errs *[]error) bool {
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, raw))
		return def
	}
	return b
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n  - ")
}
