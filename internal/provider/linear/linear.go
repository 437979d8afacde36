// Package linear adapts Linear's GraphQL API to the provider.Provider
// contract: issue fetch, workflow-state transitions, comments, and the
// label-diff webhook filter.
package linear

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/retry"
)

// Client is a typed Linear API client using GraphQL over net/http.
type Client struct {
	apiKey       string
	httpClient   *http.Client
	endpoint     string
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint URL (for testing).
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// NewClient creates a new Linear GraphQL client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		endpoint:   "https://api.linear.app/graphql",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

func (c *Client) execute(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.DoVal(ctx, func() (json.RawMessage, error) {
		return c.executeOnce(ctx, query, vars)
	}, opts...)
}

func (c *Client) executeOnce(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("linear API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("linear API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.Message
		}
		return nil, retry.Permanent(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
	}
	return gqlResp.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FetchIssue returns a single issue by id, with labels and (optionally)
// comments in ascending creation order.
func (c *Client) FetchIssue(ctx context.Context, id string, withComments bool) (*provider.Issue, error) {
	const query = `query($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    team { id }
    labels { nodes { id name } }
    parent { identifier title description }
    project { id }
    customFields
    comments {
      nodes {
        id
        parentId
        body
        user { name }
        createdAt
        children { nodes { id parentId body user { name } createdAt } }
      }
    }
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("fetching issue: %w", err)
	}

	var result struct {
		Issue *issueNode `json:"issue"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding issue: %w", err)
	}
	if result.Issue == nil {
		return nil, provider.ErrNotFound
	}

	issue := result.Issue.toIssue()
	if withComments {
		issue.Comments = flattenComments(result.Issue.Comments.Nodes)
	}
	return &issue, nil
}

func flattenComments(nodes []commentNode) []provider.Comment {
	var comments []provider.Comment
	for _, n := range nodes {
		comments = append(comments, n.toComment())
		if n.Children != nil {
			for _, child := range n.Children.Nodes {
				comments = append(comments, child.toComment())
			}
		}
	}
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments
}

// PostComment creates a comment on the given issue.
func (c *Client) PostComment(ctx context.Context, issueID, body string) error {
	const query = `mutation($issueID: String!, $body: String!) {
  commentCreate(input: { issueId: $issueID, body: $body }) {
    success
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"issueID": issueID, "body": body})
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	var result struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding posted comment: %w", err)
	}
	if !result.CommentCreate.Success {
		return fmt.Errorf("linear reported comment creation as unsuccessful")
	}
	return nil
}

// UpdateIssueState transitions the issue to the workflow state matching
// name (case-insensitive) within the issue's own team.
func (c *Client) UpdateIssueState(ctx context.Context, teamID, issueID, stateName string) error {
	states, err := c.fetchWorkflowStates(ctx, teamID)
	if err != nil {
		return fmt.Errorf("fetching workflow states: %w", err)
	}
	var stateID string
	var available []string
	lower := strings.ToLower(stateName)
	for _, s := range states {
		available = append(available, s.Name)
		if strings.ToLower(s.Name) == lower {
			stateID = s.ID
			break
		}
	}
	if stateID == "" {
		return fmt.Errorf("no workflow state named %q in team %s (available: %s)", stateName, teamID, strings.Join(available, ", "))
	}

	const query = `mutation($issueID: String!, $stateID: String!) {
  issueUpdate(id: $issueID, input: { stateId: $stateID }) {
    success
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"issueID": issueID, "stateID": stateID})
	if err != nil {
		return fmt.Errorf("updating issue state: %w", err)
	}
	var result struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decoding issue update response: %w", err)
	}
	if !result.IssueUpdate.Success {
		return fmt.Errorf("linear reported issue update as unsuccessful")
	}
	return nil
}

type workflowState struct {
	ID   string
	Name string
}

func (c *Client) fetchWorkflowStates(ctx context.Context, teamID string) ([]workflowState, error) {
	const query = `query($teamID: String!) {
  team(id: $teamID) {
    states { nodes { id name } }
  }
}`
	data, err := c.execute(ctx, query, map[string]any{"teamID": teamID})
	if err != nil {
		return nil, err
	}
	var result struct {
		Team struct {
			States struct {
				Nodes []workflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result.Team.States.Nodes, nil
}

// LabelName resolves a label id to its name, used by the webhook filter to
// turn a diff of label ids into a comparable name.
func (c *Client) LabelName(ctx context.Context, labelID string) (string, error) {
	const query = `query($id: String!) {
  issueLabel(id: $id) { name }
}`
	data, err := c.execute(ctx, query, map[string]any{"id": labelID})
	if err != nil {
		return "", err
	}
	var result struct {
		IssueLabel struct {
			Name string `json:"name"`
		} `json:"issueLabel"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.IssueLabel.Name, nil
}

type issueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Team        struct {
		ID string `json:"id"`
	} `json:"team"`
	Labels struct {
		Nodes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Parent *struct {
		Identifier  string `json:"identifier"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"parent"`
	CustomFields map[string]any `json:"customFields"`
	Comments     struct {
		Nodes []commentNode `json:"nodes"`
	} `json:"comments"`
}

func (n issueNode) toIssue() provider.Issue {
	labels := make([]provider.Label, len(n.Labels.Nodes))
	for i, l := range n.Labels.Nodes {
		labels[i] = provider.Label{ID: l.ID, Name: l.Name}
	}
	var parent *provider.ParentRef
	if n.Parent != nil {
		parent = &provider.ParentRef{
			Identifier:  n.Parent.Identifier,
			Title:       n.Parent.Title,
			Description: n.Parent.Description,
		}
	}
	return provider.Issue{
		Tag:         provider.Linear,
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		Labels:      labels,
		Parent:      parent,
		Meta: map[string]any{
			"teamID":       n.Team.ID,
			"customFields": n.CustomFields,
		},
	}
}

type commentNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Body     string `json:"body"`
	User     struct {
		Name string `json:"name"`
	} `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
	Children  *struct {
		Nodes []commentNode `json:"nodes"`
	} `json:"children,omitempty"`
}

func (n commentNode) toComment() provider.Comment {
	return provider.Comment{
		ID:        n.ID,
		Body:      n.Body,
		Author:    n.User.Name,
		CreatedAt: n.CreatedAt,
	}
}

// Config carries the settings the adapter needs beyond the raw client.
type Config struct {
	WebhookSecret    string
	TriggerLabel     string
	RepoCustomField  string
	InProgressStatus string
	ReviewStatus     string
	IncludeComments  bool
}

// Adapter implements provider.Provider over a Linear Client.
type Adapter struct {
	client *Client
	cfg    Config
}

// New builds a Linear provider.Provider adapter.
func New(client *Client, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Tag() provider.Tag { return provider.Linear }

func (a *Adapter) GetIssue(ctx context.Context, id string) (*provider.Issue, error) {
	return a.client.FetchIssue(ctx, id, a.cfg.IncludeComments)
}

func (a *Adapter) UpdateStatus(ctx context.Context, id string, status provider.Status) error {
	issue, err := a.client.FetchIssue(ctx, id, false)
	if err != nil {
		return fmt.Errorf("resolving team for status update: %w", err)
	}
	teamID, _ := issue.Meta["teamID"].(string)
	name := a.cfg.InProgressStatus
	if status == provider.StatusReview {
		name = a.cfg.ReviewStatus
	}
	return a.client.UpdateIssueState(ctx, teamID, id, name)
}

func (a *Adapter) AddComment(ctx context.Context, id string, markdown string) error {
	return a.client.PostComment(ctx, id, markdown)
}

func (a *Adapter) GetRepository(issue *provider.Issue) (string, error) {
	fields, _ := issue.Meta["customFields"].(map[string]any)
	if fields == nil {
		return "", nil
	}
	v, ok := fields[a.cfg.RepoCustomField]
	if !ok {
		return "", nil
	}
	s, _ := v.(string)
	return s, nil
}

func (a *Adapter) GetBranchName(issue *provider.Issue) string {
	return issue.Identifier
}

// VerifyWebhook checks Linear's Linear-Signature header: a bare hex
// HMAC-SHA256 digest of the raw body.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers map[string]string) (bool, *provider.WebhookEvent, error) {
	sig := headers["Linear-Signature"]
	if sig == "" {
		return false, nil, nil
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false, nil, nil
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(rawBody)
	got := mac.Sum(nil)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return false, nil, nil
	}
	return true, &provider.WebhookEvent{Tag: provider.Linear, Raw: rawBody}, nil
}

// ShouldTrigger admits an issue update whose label diff added an id that
// resolves (case-insensitively) to the configured trigger label.
func (a *Adapter) ShouldTrigger(event *provider.WebhookEvent) (*provider.TriggerMatch, error) {
	var raw struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID       string   `json:"id"`
			LabelIDs []string `json:"labelIds"`
		} `json:"data"`
		UpdatedFrom struct {
			LabelIDs []string `json:"labelIds"`
		} `json:"updatedFrom"`
	}
	if err := json.Unmarshal(event.Raw, &raw); err != nil {
		return nil, fmt.Errorf("decoding linear webhook payload: %w", err)
	}
	if raw.Type != "Issue" || raw.Action != "update" {
		return nil, provider.ErrNoTrigger
	}
	added := diffAdded(raw.UpdatedFrom.LabelIDs, raw.Data.LabelIDs)
	if len(added) == 0 {
		return nil, provider.ErrNoTrigger
	}
	for _, labelID := range added {
		name, err := a.client.LabelName(context.Background(), labelID)
		if err != nil {
			continue
		}
		if strings.EqualFold(name, a.cfg.TriggerLabel) {
			return &provider.TriggerMatch{IssueID: raw.Data.ID}, nil
		}
	}
	return nil, provider.ErrNoTrigger
}

func diffAdded(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, id := range before {
		seen[id] = true
	}
	var added []string
	for _, id := range after {
		if !seen[id] {
			added = append(added, id)
		}
	}
	return added
}

var _ provider.Provider = (*Adapter)(nil)
