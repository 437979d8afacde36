// Package github adapts GitHub Issues to the provider.Provider contract:
// issue fetch via REST, status represented as a label swap, and the
// labeled-action webhook filter.
package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/retry"
)

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// Option configures a Client.
type Option func(*clientConfig)

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App installation authentication. When set,
// the token passed to NewClient is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

var readKeyFile = os.ReadFile

// NewClient creates a new GitHub API client, either as a bare token or, via
// WithAppAuth, as a GitHub App installation.
func NewClient(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM(keyData); err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	atr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, app.AppID, keyData)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// FetchIssue returns a single issue by owner/repo/number.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	issue, err := retry.DoVal(ctx, func() (*gh.Issue, error) {
		i, resp, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, retry.Permanent(provider.ErrNotFound)
		}
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching issue: %w", err))
		}
		return i, nil
	}, c.retryOpts()...)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}

	labels := make([]provider.Label, len(issue.Labels))
	for i, l := range issue.Labels {
		labels[i] = provider.Label{ID: fmt.Sprintf("%d", l.GetID()), Name: l.GetName()}
	}
	return &provider.Issue{
		Tag:         provider.GitHub,
		ID:          fmt.Sprintf("%s/%s#%d", owner, repo, number),
		Identifier:  fmt.Sprintf("%s/%s#%d", owner, repo, number),
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		Labels:      labels,
		Meta: map[string]any{
			"owner":  owner,
			"repo":   repo,
			"number": number,
		},
	}, nil
}

// ReplaceLabel removes `from` (if present) and adds `to` on the issue.
func (c *Client) ReplaceLabel(ctx context.Context, owner, repo string, number int, from, to string) error {
	return retry.Do(ctx, func() error {
		if from != "" {
			if _, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, from); err != nil {
				var ghErr *gh.ErrorResponse
				if !(errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound) {
					return classifyErr(fmt.Errorf("removing label %q: %w", from, err))
				}
			}
		}
		if to != "" {
			if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{to}); err != nil {
				return classifyErr(fmt.Errorf("adding label %q: %w", to, err))
			}
		}
		return nil
	}, c.retryOpts()...)
}

// PostComment posts an issue comment.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.Ptr(body)})
		if err != nil {
			return classifyErr(fmt.Errorf("posting comment: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// CreatePullRequest opens a pull request and returns its HTML URL.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return "", classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return pr.GetHTMLURL(), nil
	}, c.retryOpts()...)
}

// Config carries the settings the adapter needs beyond the raw client.
type Config struct {
	WebhookSecret   string
	TriggerLabel    string
	InProgressLabel string
	ReviewLabel     string
}

// Adapter implements provider.Provider over a GitHub Client.
type Adapter struct {
	client *Client
	cfg    Config
}

// New builds a GitHub provider.Provider adapter.
func New(client *Client, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Tag() provider.Tag { return provider.GitHub }

func (a *Adapter) GetIssue(ctx context.Context, id string) (*provider.Issue, error) {
	owner, repo, number, err := splitID(id)
	if err != nil {
		return nil, err
	}
	return a.client.FetchIssue(ctx, owner, repo, number)
}

func (a *Adapter) UpdateStatus(ctx context.Context, id string, status provider.Status) error {
	owner, repo, number, err := splitID(id)
	if err != nil {
		return err
	}
	from := a.cfg.InProgressLabel
	to := a.cfg.ReviewLabel
	if status == provider.StatusInProgress {
		from, to = a.cfg.ReviewLabel, a.cfg.InProgressLabel
	}
	return a.client.ReplaceLabel(ctx, owner, repo, number, from, to)
}

func (a *Adapter) AddComment(ctx context.Context, id string, markdown string) error {
	owner, repo, number, err := splitID(id)
	if err != nil {
		return err
	}
	return a.client.PostComment(ctx, owner, repo, number, markdown)
}

func (a *Adapter) GetRepository(issue *provider.Issue) (string, error) {
	owner, _ := issue.Meta["owner"].(string)
	repo, _ := issue.Meta["repo"].(string)
	if owner == "" || repo == "" {
		return "", nil
	}
	return owner + "/" + repo, nil
}

func (a *Adapter) GetBranchName(issue *provider.Issue) string {
	owner, _ := issue.Meta["owner"].(string)
	repo, _ := issue.Meta["repo"].(string)
	number, _ := issue.Meta["number"].(int)
	return fmt.Sprintf("%s-%s-%d", owner, repo, number)
}

// VerifyWebhook checks GitHub's X-Hub-Signature-256 header: sha256=<hex>
// HMAC-SHA256 of the raw body.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers map[string]string) (bool, *provider.WebhookEvent, error) {
	sig := headers["X-Hub-Signature-256"]
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) {
		return false, nil, nil
	}
	want, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return false, nil, nil
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(rawBody)
	got := mac.Sum(nil)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return false, nil, nil
	}
	return true, &provider.WebhookEvent{Tag: provider.GitHub, Raw: rawBody, Headers: headers}, nil
}

type issuesEventPayload struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ShouldTrigger admits an "issues"/"labeled" event whose label name matches
// the configured trigger label, case-insensitively. GitHub reuses the
// "labeled" action across issues, pull requests, and discussions, so the
// X-GitHub-Event header is checked first — the action/label fields alone
// can't tell those resources apart.
func (a *Adapter) ShouldTrigger(event *provider.WebhookEvent) (*provider.TriggerMatch, error) {
	if event.Headers["X-GitHub-Event"] != "issues" {
		return nil, provider.ErrNoTrigger
	}
	var payload issuesEventPayload
	if err := json.Unmarshal(event.Raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding github webhook payload: %w", err)
	}
	if payload.Action != "labeled" {
		return nil, provider.ErrNoTrigger
	}
	if !strings.EqualFold(payload.Label.Name, a.cfg.TriggerLabel) {
		return nil, provider.ErrNoTrigger
	}
	return &provider.TriggerMatch{
		IssueID: fmt.Sprintf("%s#%d", payload.Repository.FullName, payload.Issue.Number),
	}, nil
}

func splitID(id string) (owner, repo string, number int, err error) {
	parts := strings.SplitN(id, "#", 2)
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("malformed github issue id %q", id)
	}
	ownerRepo := strings.SplitN(parts[0], "/", 2)
	if len(ownerRepo) != 2 {
		return "", "", 0, fmt.Errorf("malformed github issue id %q", id)
	}
	n := 0
	if _, err := fmt.Sscanf(parts[1], "%d", &n); err != nil {
		return "", "", 0, fmt.Errorf("malformed github issue number in %q: %w", id, err)
	}
	return ownerRepo[0], ownerRepo[1], n, nil
}

var _ provider.Provider = (*Adapter)(nil)
