// Package githubx also hosts the GitHub-issue scheduler: a poll loop that
// turns "orchestrate"-labeled issues into sub-agents, respects blocker and
// WIP limits, and mirrors hub activity back onto GitHub as comments and
// labels.
package githubx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shanelindsay/orchhub/internal/bus"
	"github.com/shanelindsay/orchhub/internal/config"
	"github.com/shanelindsay/orchhub/internal/schedule"
)

const statusMarker = "<!-- orch:status -->"

// HubController is the subset of *hub.Hub the scheduler drives. Exposed as
// an interface so scheduler tests can inject a fake instead of standing up
// a real dispatcher and transport.
type HubController interface {
	SpawnForIssue(ctx context.Context, issueNumber int, name, task, cwd string) error
	CloseAgent(name string) error
	AgentForIssue(issueNumber int) (string, bool)
	SetAgentSLA(name string, checkinSeconds, budgetSeconds int)
	SetStatusCommentID(name, commentID string)
	SubAgentCount() int
}

// Forge is the subset of *Adapter the scheduler needs, named distinctly
// from Adapter's exported methods so a test double can implement it
// without a real `gh` binary.
type Forge interface {
	ListOrchestrateIssues(limit int) ([]IssueDetails, error)
	FetchIssue(issue int) (IssueDetails, error)
	CommentIssue(issue int, body string) error
	CommentIssueWithID(issue int, body string) (string, error)
	UpdateComment(commentID, body string) error
	AddLabels(issue int, labels ...string) error
	RemoveLabels(issue int, labels ...string) error
	CreatePullRequest(head, title, body string) (string, error)
}

const issueListLimit = 50

// Scheduler runs the GitHub-issue poll loop and the event-mirroring
// subscriber described for the hub's optional GitHub integration.
type Scheduler struct {
	cfg      config.GitHubConfig
	wipLimit int
	hub      HubController
	forge    Forge
	state    *StateStore
	repoPath string

	// mu guards lastActivity and stalled; the poll loop, the event mirror,
	// and the stall checker all run on different goroutines.
	mu           sync.Mutex
	lastActivity map[int]time.Time
	stalled      map[int]bool

	pollSchedule string // normalized schedule JSON, empty when polling on a plain interval

	ensureWorktree func(issue int, title string) (branch, worktree string, err error)
}

// NewScheduler builds a scheduler. wipLimit mirrors the hub's
// hub.Config.WIPLimit; 0 means unbounded.
func NewScheduler(cfg config.GitHubConfig, wipLimit int, repoPath string, h HubController, forge Forge, state *StateStore) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		wipLimit:     wipLimit,
		hub:          h,
		forge:        forge,
		state:        state,
		repoPath:     repoPath,
		lastActivity: make(map[int]time.Time),
		stalled:      make(map[int]bool),
	}
	s.ensureWorktree = func(issue int, title string) (string, string, error) {
		return EnsureWorktree(repoPath, cfg.WorktreeRoot, "", issue, title)
	}
	if cfg.PollCron != "" {
		normalized, err := schedule.NormalizeSchedule(cfg.PollCron)
		if err != nil {
			slog.Warn("invalid github poll schedule, falling back to poll interval", "schedule", cfg.PollCron, "err", err)
		} else {
			s.pollSchedule = normalized
		}
	}
	return s
}

// Run blocks, polling on cfg.PollCron (if set) or cfg.PollInterval,
// until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	for {
		if err := s.poll(ctx); err != nil {
			slog.Warn("github scheduler poll failed", "err", err)
		}

		wait, err := s.nextWait()
		if err != nil {
			slog.Warn("github scheduler schedule evaluation failed, falling back to poll interval", "err", err)
			wait = s.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Scheduler) nextWait() (time.Duration, error) {
	if s.pollSchedule == "" {
		return s.cfg.PollInterval, nil
	}
	next := schedule.CalculateNextRun(s.pollSchedule)
	if next == nil {
		return 0, fmt.Errorf("no next run for poll schedule %s", s.pollSchedule)
	}
	return time.Until(*next), nil
}

// poll runs one scheduling pass: compute the ready set, then spawn sub-
// agents for as many ready issues as current capacity allows.
func (s *Scheduler) poll(ctx context.Context) error {
	issues, err := s.forge.ListOrchestrateIssues(issueListLimit)
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}

	closed := map[int]bool{}
	byNumber := map[int]IssueDetails{}
	for _, issue := range issues {
		byNumber[issue.Number] = issue
		if strings.EqualFold(issue.State, "closed") {
			closed[issue.Number] = true
		}
	}

	open := map[int]struct{}{}
	for n := range byNumber {
		if !closed[n] {
			open[n] = struct{}{}
		}
	}

	var ready []IssueDetails
	for n, issue := range byNumber {
		if closed[n] {
			continue
		}
		if _, active := s.hub.AgentForIssue(n); active {
			continue
		}
		blockers := ParseBlockers(issue.Labels, issue.Body)
		if blockedAndOpen(blockers, open) {
			continue
		}
		ready = append(ready, issue)
	}

	capacity := s.capacity()
	for i, issue := range ready {
		if i >= capacity {
			break
		}
		if err := s.startAgent(ctx, issue); err != nil {
			slog.Warn("failed to start agent for issue", "issue", issue.Number, "err", err)
		}
	}
	return nil
}

func blockedAndOpen(blockers []int, open map[int]struct{}) bool {
	for _, b := range blockers {
		if _, stillOpen := open[b]; stillOpen {
			return true
		}
	}
	return false
}

func (s *Scheduler) capacity() int {
	if s.wipLimit <= 0 {
		return issueListLimit
	}
	n := s.wipLimit - s.hub.SubAgentCount()
	if n < 0 {
		return 0
	}
	return n
}

func (s *Scheduler) startAgent(ctx context.Context, issue IssueDetails) error {
	full, err := s.forge.FetchIssue(issue.Number)
	if err != nil {
		return err
	}

	branch, worktree, err := s.ensureWorktree(issue.Number, full.Title)
	if err != nil {
		return fmt.Errorf("worktree for issue #%d: %w", issue.Number, err)
	}

	charter := ParseCharter(full.Body)
	prompt := FormatPrompt(full, charter) + autopilotTail

	name := fmt.Sprintf("iss%d", issue.Number)
	absWorktree := worktree
	if s.repoPath != "" {
		absWorktree = s.repoPath + "/" + worktree
	}
	if err := s.hub.SpawnForIssue(ctx, issue.Number, name, prompt, absWorktree); err != nil {
		return fmt.Errorf("spawn for issue #%d: %w", issue.Number, err)
	}

	checkinSeconds, budgetSeconds := ParseSLALabels(full.Labels)
	if checkinSeconds > 0 || budgetSeconds > 0 {
		s.hub.SetAgentSLA(name, checkinSeconds, budgetSeconds)
	}

	commentID, commentErr := s.forge.CommentIssueWithID(issue.Number, statusBody("started", name, ""))
	if commentErr != nil {
		slog.Warn("failed to post status comment", "issue", issue.Number, "err", commentErr)
	} else {
		s.hub.SetStatusCommentID(name, commentID)
	}

	now := time.Now()
	s.mu.Lock()
	s.lastActivity[issue.Number] = now
	s.mu.Unlock()
	_ = s.state.Save(issue.Number, IssueState{
		Agent:           name,
		Branch:          branch,
		Worktree:        worktree,
		Status:          StatusRunning,
		LastActivity:    now,
		StatusCommentID: commentID,
	})

	_ = s.forge.AddLabels(issue.Number, "agent:running")
	return nil
}

const autopilotTail = "\n\nWork in small, independently testable commits. Check in with a short progress note after each one."

func statusBody(status, agent, extra string) string {
	body := statusMarker + "\nstatus: " + status + ", agent " + agent
	if extra != "" {
		body += "\n" + extra
	}
	return body
}

// refreshStatusComment edits the anchored status comment in place when one
// is known for the issue, falling back to a plain new comment otherwise.
func (s *Scheduler) refreshStatusComment(issue int, status, agent, extra string) {
	st, ok, _ := s.state.Load(issue)
	if ok && st.StatusCommentID != "" {
		if err := s.forge.UpdateComment(st.StatusCommentID, statusBody(status, agent, extra)); err == nil {
			return
		}
	}
	_ = s.forge.CommentIssue(issue, statusBody(status, agent, extra))
}

// HandleEvent mirrors one hub event onto GitHub. Wire this as the handler
// for a *bus.Subscription fed by the hub's event bus.
func (s *Scheduler) HandleEvent(ev bus.Event) {
	issue, ok := issueFromAgentName(ev.Agent)
	if !ok {
		return
	}

	switch ev.Kind {
	case "agent_to_orch":
		text, _ := ev.Payload["text"].(string)
		if text == "" {
			return
		}
		if err := s.forge.CommentIssue(issue, text); err != nil {
			slog.Warn("failed to mirror agent_to_orch to issue", "issue", issue, "err", err)
			return
		}
		s.mu.Lock()
		s.lastActivity[issue] = time.Now()
		wasStalled := s.stalled[issue]
		delete(s.stalled, issue)
		s.mu.Unlock()
		// Only an already anchored status comment is edited here; a new
		// comment per mirrored message would flood the issue.
		if st, ok, _ := s.state.Load(issue); ok && st.StatusCommentID != "" {
			_ = s.forge.UpdateComment(st.StatusCommentID, statusBody("running", issueAgentName(issue), "last update: "+time.Now().Format(time.RFC3339)))
		}
		if wasStalled {
			_ = s.forge.RemoveLabels(issue, "agent:stalled")
		}
	case "agent_removed":
		s.handleAgentRemoved(issue)
	}
}

func (s *Scheduler) handleAgentRemoved(issue int) {
	s.mu.Lock()
	delete(s.lastActivity, issue)
	delete(s.stalled, issue)
	s.mu.Unlock()

	st, ok, err := s.state.Load(issue)
	if err != nil || !ok {
		st = IssueState{}
	}
	st.Status = StatusComplete
	now := time.Now()
	st.CompletedAt = &now

	full, err := s.forge.FetchIssue(issue)
	autoPR := err == nil && hasLabel(full.Labels, "auto:pr-on-complete")

	if autoPR && st.Branch != "" {
		prURL, prErr := s.forge.CreatePullRequest(st.Branch, fmt.Sprintf("Issue #%d", issue), "Closes #"+fmt.Sprint(issue))
		if prErr != nil {
			slog.Warn("failed to create PR for completed issue", "issue", issue, "err", prErr)
			_ = s.forge.AddLabels(issue, "agent:review")
		} else {
			st.PRURL = prURL
			_ = s.forge.AddLabels(issue, "agent:done")
		}
	} else {
		_ = s.forge.AddLabels(issue, "agent:review")
	}

	_ = s.state.Save(issue, st)
	s.refreshStatusComment(issue, "closed", st.Agent, "")
}

func issueAgentName(issue int) string {
	return fmt.Sprintf("iss%d", issue)
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// CheckStalls scans tracked issues for ones with no agent_to_orch for
// longer than cfg.StaleAfter, labeling and commenting once per stall.
func (s *Scheduler) CheckStalls() {
	now := time.Now()
	s.mu.Lock()
	type stale struct {
		issue int
		last  time.Time
	}
	var candidates []stale
	for issue, last := range s.lastActivity {
		if !s.stalled[issue] && now.Sub(last) > s.cfg.StaleAfter {
			candidates = append(candidates, stale{issue, last})
		}
	}
	s.mu.Unlock()

	for _, c := range candidates {
		if err := s.forge.AddLabels(c.issue, "agent:stalled"); err != nil {
			continue
		}
		s.refreshStatusComment(c.issue, "stalled", issueAgentName(c.issue), "no update since "+c.last.Format(time.RFC3339))
		s.mu.Lock()
		s.stalled[c.issue] = true
		s.mu.Unlock()
	}
}

func issueFromAgentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "iss") {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name, "iss%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
