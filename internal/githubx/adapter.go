// Package githubx mirrors hub activity onto GitHub issues and turns
// labeled issues into sub-agent charters, via subprocess calls to the `gh`
// CLI rather than a REST client.
package githubx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// GitHubError wraps a non-zero `gh` exit with whatever it printed.
type GitHubError struct {
	Context string
	Message string
}

func (e *GitHubError) Error() string {
	if e.Message == "" {
		return e.Context
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Message)
}

// IssueDetails is the subset of `gh issue view --json ...` fields the
// scheduler and charter parser need.
type IssueDetails struct {
	Number int
	Title  string
	State  string
	URL    string
	Labels []string
	Body   string
}

// Adapter runs `gh` subcommands rooted at RepoPath, the local clone (or
// worktree) gh should resolve the repository from.
type Adapter struct {
	RepoPath string
}

func New(repoPath string) *Adapter {
	return &Adapter{RepoPath: repoPath}
}

func (a *Adapter) run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = a.RepoPath
	cmd.Env = append(os.Environ(), "GH_PAGER=cat")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", &GitHubError{Context: "gh not found on PATH", Message: err.Error()}
		}
		msg := trimmed(stderr.String())
		if msg == "" {
			msg = trimmed(stdout.String())
		}
		return "", &GitHubError{Context: "gh " + args[0], Message: msg}
	}
	return stdout.String(), nil
}

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// CommentIssue posts body as a new comment on issue.
func (a *Adapter) CommentIssue(issue int, body string) error {
	_, err := a.run("issue", "comment", strconv.Itoa(issue), "-b", body)
	return err
}

// PostIssueComment satisfies hub.GitHubPoster.
func (a *Adapter) PostIssueComment(issue int, text string) error {
	return a.CommentIssue(issue, text)
}

// CommentIssueWithID posts body as a new comment on issue via `gh api`
// (rather than `gh issue comment`) so the comment's numeric id comes back
// for a later UpdateComment call.
func (a *Adapter) CommentIssueWithID(issue int, body string) (string, error) {
	out, err := a.run("api", fmt.Sprintf("repos/{owner}/{repo}/issues/%d/comments", issue),
		"-f", "body="+body, "--jq", ".id")
	if err != nil {
		return "", err
	}
	return trimmed(out), nil
}

// UpdateComment edits an existing issue/PR comment in place.
func (a *Adapter) UpdateComment(commentID, body string) error {
	_, err := a.run("api", "repos/{owner}/{repo}/issues/comments/"+commentID,
		"-X", "PATCH", "-f", "body="+body)
	return err
}

// UpdateStatusComment rewrites the marker-anchored status comment in place,
// re-prepending the hidden marker so the comment stays identifiable. It is
// the update half of hub.GitHubPoster, used by the hub's scheduler tick to
// refresh a stale issue-linked agent's pinned comment without posting a
// new one.
func (a *Adapter) UpdateStatusComment(commentID, text string) error {
	return a.UpdateComment(commentID, statusMarker+"\n"+text)
}

// CommentPR posts body as a new comment on pr.
func (a *Adapter) CommentPR(pr int, body string) error {
	_, err := a.run("pr", "comment", strconv.Itoa(pr), "-b", body)
	return err
}

// AddLabels adds labels to issue, creating none that don't already exist.
func (a *Adapter) AddLabels(issue int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	args := []string{"issue", "edit", strconv.Itoa(issue)}
	for _, l := range labels {
		args = append(args, "--add-label", l)
	}
	_, err := a.run(args...)
	return err
}

// RemoveLabels removes labels from issue.
func (a *Adapter) RemoveLabels(issue int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	args := []string{"issue", "edit", strconv.Itoa(issue)}
	for _, l := range labels {
		args = append(args, "--remove-label", l)
	}
	_, err := a.run(args...)
	return err
}

type issueJSON struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// FetchIssue loads one issue's full details, including body.
func (a *Adapter) FetchIssue(issue int) (IssueDetails, error) {
	out, err := a.run("issue", "view", strconv.Itoa(issue), "--json", "number,title,state,url,labels,body")
	if err != nil {
		return IssueDetails{}, err
	}
	var data issueJSON
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return IssueDetails{}, fmt.Errorf("decode issue #%d: %w", issue, err)
	}
	return toIssueDetails(data), nil
}

// ListOrchestrateIssues lists open issues labeled "orchestrate", up to
// limit.
func (a *Adapter) ListOrchestrateIssues(limit int) ([]IssueDetails, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := a.run("issue", "list",
		"--label", "orchestrate",
		"--state", "open",
		"--limit", strconv.Itoa(limit),
		"--json", "number,title,state,url,labels")
	if err != nil {
		return nil, err
	}
	var items []issueJSON
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("decode issue list: %w", err)
	}
	out2 := make([]IssueDetails, 0, len(items))
	for _, item := range items {
		out2 = append(out2, toIssueDetails(item))
	}
	return out2, nil
}

// CreatePullRequest opens a PR from head into the repo's default base
// branch, returning its URL.
func (a *Adapter) CreatePullRequest(head, title, body string) (string, error) {
	out, err := a.run("pr", "create", "--head", head, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	return trimmed(out), nil
}

func toIssueDetails(data issueJSON) IssueDetails {
	labels := make([]string, 0, len(data.Labels))
	for _, l := range data.Labels {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	return IssueDetails{
		Number: data.Number,
		Title:  data.Title,
		State:  data.State,
		URL:    data.URL,
		Labels: labels,
		Body:   data.Body,
	}
}
