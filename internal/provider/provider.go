// Package provider defines the tracker-agnostic contract that ingress and
// the agent runner build on. Concrete adapters (linear, github) live in
// their own subpackages and are wired behind the Tag they report.
package provider

import (
	"context"
	"time"
)

// Tag identifies which concrete adapter produced an Issue or owns a Task.
type Tag string

const (
	Linear Tag = "linear"
	GitHub Tag = "github"
)

// Status is the logical phase an issue moves through once a task is
// admitted. Mapping onto provider-specific workflow states or labels is the
// adapter's job.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
)

// Label is a named tag on an issue, carrying the provider's internal id so
// filters can resolve an id seen in a webhook diff back to a name.
type Label struct {
	ID   string
	Name string
}

// Comment is a single discussion entry on an issue, in the tracker's own
// encoding.
type Comment struct {
	ID        string
	Body      string
	Author    string
	CreatedAt time.Time
}

// ParentRef is the lightweight parent-issue context surfaced in a prompt;
// it never carries its own comments.
type ParentRef struct {
	Identifier  string
	Title       string
	Description string
}

// Issue is the provider-independent view of a tracker issue, as returned by
// Provider.GetIssue.
type Issue struct {
	Tag         Tag
	ID          string
	Identifier  string
	Title       string
	Description string
	Labels      []Label
	Comments    []Comment
	Parent      *ParentRef
	RepoHint    string
	Meta        map[string]any
}

// WebhookEvent is the normalized result of a successful signature
// verification: the raw body, the inbound request headers, and whatever
// else the adapter needs to later decide ShouldTrigger. Headers matters
// because a signature alone proves the request came from the tracker, not
// which kind of event it carries — GitHub, for instance, reuses the same
// "labeled" action across issues, pull requests, and discussions, and only
// its event-type header tells those apart.
type WebhookEvent struct {
	Tag     Tag
	Raw     []byte
	Headers map[string]string
}

// TriggerMatch is what ShouldTrigger returns when an event is the one that
// should admit a task.
type TriggerMatch struct {
	IssueID string
}

// ErrNotFound is returned by GetIssue when the upstream tracker has no
// issue matching the given id.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "issue not found" }

// ErrNoTrigger is returned by ShouldTrigger for events that are not the
// configured trigger (wrong resource, wrong action, label doesn't match).
// It is a sentinel, not a failure: callers should treat it as "ignore".
var ErrNoTrigger = noTriggerError{}

type noTriggerError struct{}

func (noTriggerError) Error() string { return "event does not match trigger" }

// Provider is the uniform contract ingress and the agent runner use. Every
// method is fallible; error classification is layered on top via the
// taxonomy in internal/taskerr.
type Provider interface {
	Tag() Tag

	GetIssue(ctx context.Context, id string) (*Issue, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	AddComment(ctx context.Context, id string, markdown string) error

	// GetRepository resolves the repository path for an issue. A nil error
	// with an empty string means the issue carries no resolvable
	// repository; callers must treat that as a configuration error.
	GetRepository(issue *Issue) (string, error)

	// GetBranchName derives the stable, filesystem-safe branch/workspace
	// name for an issue.
	GetBranchName(issue *Issue) string

	// VerifyWebhook checks a raw request body against provider-specific
	// signature headers using constant-time comparison. ok is false for
	// any signature problem (absent, malformed, mismatched).
	VerifyWebhook(rawBody []byte, headers map[string]string) (ok bool, event *WebhookEvent, err error)

	// ShouldTrigger inspects a verified webhook event and decides whether
	// it is the admission event for a task. Returns ErrNoTrigger when the
	// event should be ignored.
	ShouldTrigger(event *WebhookEvent) (*TriggerMatch, error)
}

// Registry is the process-wide set of configured providers, keyed by tag.
type Registry struct {
	providers map[Tag]Provider
}

// NewRegistry builds a Registry from the given providers, skipping any nil
// entries (an unconfigured provider per the startup rules in config).
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Tag]Provider)}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Tag()] = p
		}
	}
	return r
}

// Get returns the provider for tag, or false if it was never configured.
func (r *Registry) Get(tag Tag) (Provider, bool) {
	p, ok := r.providers[tag]
	return p, ok
}

// Tags returns the configured provider tags, in a stable order.
func (r *Registry) Tags() []Tag {
	var tags []Tag
	for _, t := range []Tag{Linear, GitHub} {
		if _, ok := r.providers[t]; ok {
			tags = append(tags, t)
		}
	}
	return tags
}
