// Package agentrunner drives one task end to end: workspace creation,
// prompt construction, the external coding agent child process, and
// finalization (commit, push, pull request, tracker status).
package agentrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/queue"
	"github.com/agentbridge/agentbridge/internal/shell"
	"github.com/agentbridge/agentbridge/internal/taskerr"
	"github.com/agentbridge/agentbridge/internal/workspace"
)

// Outcome is the result a worker finalizes into after Run returns.
type Outcome struct {
	Success    bool
	HasChanges bool
	Branch     string
	PRURL      string
	Err        error
}

// Runner orchestrates a single task using a provider registry, workspace
// manager, and the configured agent binary/timeout.
type Runner struct {
	Registry  *provider.Registry
	Workspace *workspace.Manager
	Binary    string
	Timeout   time.Duration
	IssueLogs func(identifier string) *slog.Logger
}

// Run executes every step of §4.6 for one task, returning the terminal
// Outcome. It never panics out to the caller: any step failure is captured
// into Outcome.Err with Success=false.
func (r *Runner) Run(ctx context.Context, t *queue.Task) Outcome {
	issueLogs := r.IssueLogs
	if issueLogs == nil {
		issueLogs = func(string) *slog.Logger { return slog.Default() }
	}
	log := issueLogs(t.Identifier)

	p, ok := r.Registry.Get(t.Provider)
	if !ok {
		return Outcome{Err: fmt.Errorf("provider %s is not configured", t.Provider)}
	}

	issue, err := p.GetIssue(ctx, t.IssueID)
	if err != nil {
		log.Error("fetching issue failed", "err", err)
		return Outcome{Err: fmt.Errorf("fetching issue: %w", err)}
	}

	repoPath := r.Workspace.RepoPath(t.Repo)
	branch := p.GetBranchName(issue)
	worktreePath := r.Workspace.WorktreePath(branch)
	t.Branch = branch
	t.WorkspacePath = worktreePath

	if err := r.Workspace.CreateWorktree(ctx, repoPath, worktreePath, branch); err != nil {
		log.Error("workspace creation failed", "err", err)
		return r.finalizeFailure(ctx, p, t, branch, &taskerr.WorkspaceError{Branch: branch, Err: err})
	}

	if err := p.UpdateStatus(ctx, t.IssueID, provider.StatusInProgress); err != nil {
		log.Warn("updating status to in_progress failed", "err", &taskerr.StatusUpdateError{IssueID: t.IssueID, Err: err})
	}
	if err := p.AddComment(ctx, t.IssueID, startingComment(branch, t.Identifier)); err != nil {
		log.Warn("posting starting comment failed", "err", &taskerr.CommentError{IssueID: t.IssueID, Err: err})
	}

	prompt := BuildPrompt(issue, t.Repo, branch)
	log.Info("launching agent", "branch", branch, "binary", r.Binary)

	runner := &shell.Runner{Dir: worktreePath, Timeout: r.Timeout}
	output, runErr := runner.Run(ctx, r.Binary, "-p", prompt)
	log.Debug("agent output", "output", output)

	if runErr != nil {
		var timeoutErr *shell.TimeoutError
		if errors.As(runErr, &timeoutErr) {
			log.Error("agent timed out", "timeout", r.Timeout.String())
			return r.finalizeFailure(ctx, p, t, branch, &taskerr.AgentTimeout{
				Branch:  branch,
				Timeout: formatMinutes(r.Timeout),
				Err:     runErr,
			})
		}
		var exitErr *shell.ExitError
		if errors.As(runErr, &exitErr) {
			detail := exitErr.Stderr
			if detail == "" {
				detail = truncate(output, 2000)
			}
			log.Error("agent exited non-zero", "code", exitErr.Code)
			return r.finalizeFailure(ctx, p, t, branch, &taskerr.AgentNonZero{
				Branch: branch,
				Code:   exitErr.Code,
				Detail: truncate(detail, 2000),
				Err:    runErr,
			})
		}
		log.Error("agent invocation failed", "err", runErr)
		return r.finalizeFailure(ctx, p, t, branch, runErr)
	}

	hasChanges, err := r.Workspace.HasChanges(ctx, worktreePath)
	if err != nil {
		log.Error("checking workspace for changes failed", "err", err)
		return r.finalizeFailure(ctx, p, t, branch, &taskerr.WorkspaceError{Branch: branch, Err: err})
	}

	if !hasChanges {
		log.Info("agent made no changes")
		if err := p.AddComment(ctx, t.IssueID, noChangesComment(branch)); err != nil {
			log.Warn("posting no-changes comment failed", "err", &taskerr.CommentError{IssueID: t.IssueID, Err: err})
		}
		if err := p.UpdateStatus(ctx, t.IssueID, provider.StatusReview); err != nil {
			log.Warn("updating status to review failed", "err", &taskerr.StatusUpdateError{IssueID: t.IssueID, Err: err})
		}
		return Outcome{Success: true, HasChanges: false, Branch: branch}
	}

	if err := r.Workspace.CommitAll(ctx, worktreePath, fmt.Sprintf("feat: %s", issue.Title)); err != nil {
		log.Error("commit failed", "err", err)
		return r.finalizeFailure(ctx, p, t, branch, &taskerr.WorkspaceError{Branch: branch, Err: err})
	}
	if err := r.Workspace.PushBranch(ctx, worktreePath, branch); err != nil {
		log.Error("push failed", "err", err)
		return r.finalizeFailure(ctx, p, t, branch, &taskerr.PushError{Branch: branch, Err: err})
	}

	prURL := r.Workspace.CreatePullRequest(ctx, worktreePath,
		fmt.Sprintf("%s: %s", t.Identifier, issue.Title),
		prBody(t.Identifier), "main")

	if err := p.AddComment(ctx, t.IssueID, completionComment(branch, prURL)); err != nil {
		log.Warn("posting completion comment failed", "err", &taskerr.CommentError{IssueID: t.IssueID, Err: err})
	}
	if err := p.UpdateStatus(ctx, t.IssueID, provider.StatusReview); err != nil {
		log.Warn("updating status to review failed", "err", &taskerr.StatusUpdateError{IssueID: t.IssueID, Err: err})
	}

	log.Info("task completed", "branch", branch, "prURL", prURL)
	return Outcome{Success: true, HasChanges: true, Branch: branch, PRURL: prURL}
}

func (r *Runner) finalizeFailure(ctx context.Context, p provider.Provider, t *queue.Task, branch string, cause error) Outcome {
	if err := p.AddComment(ctx, t.IssueID, failureComment(branch, cause)); err != nil {
		slog.Warn("posting failure comment failed", "err", &taskerr.CommentError{IssueID: t.IssueID, Err: err})
	}
	return Outcome{Branch: branch, Err: cause}
}

func formatMinutes(d time.Duration) string {
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func startingComment(branch, identifier string) string {
	return fmt.Sprintf("🤖 Starting work on branch `%s`. Log: `logs/%s.log`", branch, strings.ReplaceAll(identifier, "/", "_"))
}

func noChangesComment(branch string) string {
	return fmt.Sprintf("🤖 Finished on branch `%s` — no code changes were needed.", branch)
}

func completionComment(branch, prURL string) string {
	if prURL == "" {
		return fmt.Sprintf("🤖 Finished on branch `%s`. Changes were pushed; pull request creation failed, please open one manually.", branch)
	}
	return fmt.Sprintf("🤖 Finished on branch `%s`. Pull request: %s", branch, prURL)
}

func failureComment(branch string, cause error) string {
	return fmt.Sprintf("🤖 Attempt on branch `%s` failed: %s", branch, cause.Error())
}

func prBody(identifier string) string {
	return fmt.Sprintf("Automated attempt for %s.", identifier)
}

// BuildPrompt assembles the agent prompt from an Issue per §4.6.1, omitting
// empty sections. Section order and headings are part of the contract:
// downstream tooling may rely on them.
func BuildPrompt(issue *provider.Issue, repo, branch string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on: %s\n\n", issue.Title)
	fmt.Fprintf(&b, "Issue identifier: %s\n", issue.Identifier)
	fmt.Fprintf(&b, "Repository path: %s\n", repo)
	fmt.Fprintf(&b, "Branch name: %s\n", branch)

	if issue.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", issue.Description)
	}

	if issue.Parent != nil {
		b.WriteString("\n## Parent Issue Context\n\n")
		fmt.Fprintf(&b, "%s: %s\n", issue.Parent.Identifier, issue.Parent.Title)
		if issue.Parent.Description != "" {
			fmt.Fprintf(&b, "%s\n", issue.Parent.Description)
		}
	}

	if len(issue.Labels) > 0 {
		b.WriteString("\n## Labels\n\n")
		for _, l := range issue.Labels {
			fmt.Fprintf(&b, "- %s\n", l.Name)
		}
	}

	if len(issue.Comments) > 0 {
		comments := make([]provider.Comment, len(issue.Comments))
		copy(comments, issue.Comments)
		sort.Slice(comments, func(i, j int) bool {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		})
		b.WriteString("\n## Discussion\n\n")
		for _, c := range comments {
			author := c.Author
			if author == "" {
				author = "unknown"
			}
			fmt.Fprintf(&b, "**%s** (%s):\n%s\n\n", author, c.CreatedAt.Format("2006-01-02"), c.Body)
		}
	}

	b.WriteString("\n## Requirements\n\n")
	b.WriteString("- Make the minimal set of changes needed to address the issue.\n")
	b.WriteString("- Follow the conventions already present in this repository.\n")
	b.WriteString("- Do not modify files unrelated to this issue.\n")
	b.WriteString("- Your output will be committed and pushed automatically; leave the working tree in a state you are confident in.\n")

	return b.String()
}
