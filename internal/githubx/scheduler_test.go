package githubx

import (
	"context"
	"testing"
	"time"

	"github.com/shanelindsay/orchhub/internal/bus"
	"github.com/shanelindsay/orchhub/internal/config"
)

type fakeHub struct {
	spawned    []int
	closed     []string
	issueAgent map[int]string
	subCount   int
	slaSet     map[string][2]int
	statusIDs  map[string]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		issueAgent: make(map[int]string),
		slaSet:     make(map[string][2]int),
		statusIDs:  make(map[string]string),
	}
}

func (f *fakeHub) SpawnForIssue(ctx context.Context, issueNumber int, name, task, cwd string) error {
	f.spawned = append(f.spawned, issueNumber)
	f.issueAgent[issueNumber] = name
	f.subCount++
	return nil
}

func (f *fakeHub) CloseAgent(name string) error {
	f.closed = append(f.closed, name)
	return nil
}

func (f *fakeHub) AgentForIssue(issueNumber int) (string, bool) {
	name, ok := f.issueAgent[issueNumber]
	return name, ok
}

func (f *fakeHub) SetAgentSLA(name string, checkinSeconds, budgetSeconds int) {
	f.slaSet[name] = [2]int{checkinSeconds, budgetSeconds}
}

func (f *fakeHub) SetStatusCommentID(name, commentID string) {
	f.statusIDs[name] = commentID
}

func (f *fakeHub) SubAgentCount() int { return f.subCount }

type fakeForge struct {
	issues      []IssueDetails
	bodies      map[int]string
	comments    map[int][]string
	labelsAdded map[int][]string
	labelsDel   map[int][]string
	commentByID map[string]string
	nextID      int
	prs         []string
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		bodies:      make(map[int]string),
		comments:    make(map[int][]string),
		labelsAdded: make(map[int][]string),
		labelsDel:   make(map[int][]string),
		commentByID: make(map[string]string),
	}
}

func (f *fakeForge) ListOrchestrateIssues(limit int) ([]IssueDetails, error) {
	return f.issues, nil
}

func (f *fakeForge) FetchIssue(issue int) (IssueDetails, error) {
	for _, i := range f.issues {
		if i.Number == issue {
			i.Body = f.bodies[issue]
			return i, nil
		}
	}
	return IssueDetails{Number: issue, Body: f.bodies[issue]}, nil
}

func (f *fakeForge) CommentIssue(issue int, body string) error {
	f.comments[issue] = append(f.comments[issue], body)
	return nil
}

func (f *fakeForge) CommentIssueWithID(issue int, body string) (string, error) {
	f.nextID++
	id := itoaFake(f.nextID)
	f.comments[issue] = append(f.comments[issue], body)
	f.commentByID[id] = body
	return id, nil
}

func (f *fakeForge) UpdateComment(commentID, body string) error {
	f.commentByID[commentID] = body
	return nil
}

func (f *fakeForge) AddLabels(issue int, labels ...string) error {
	f.labelsAdded[issue] = append(f.labelsAdded[issue], labels...)
	return nil
}

func (f *fakeForge) RemoveLabels(issue int, labels ...string) error {
	f.labelsDel[issue] = append(f.labelsDel[issue], labels...)
	return nil
}

func (f *fakeForge) CreatePullRequest(head, title, body string) (string, error) {
	f.prs = append(f.prs, head)
	return "https://github.com/example/repo/pull/1", nil
}

func itoaFake(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestScheduler(t *testing.T, wipLimit int) (*Scheduler, *fakeHub, *fakeForge) {
	t.Helper()
	dir := t.TempDir()
	state, err := NewStateStore(dir)
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	h := newFakeHub()
	forge := newFakeForge()
	cfg := config.GitHubConfig{Enabled: true, WorktreeRoot: dir, StaleAfter: time.Hour}
	s := NewScheduler(cfg, wipLimit, "", h, forge, state)
	s.ensureWorktree = func(issue int, title string) (string, string, error) {
		return BranchName(issue, title), WorktreePath(dir, issue), nil
	}
	return s, h, forge
}

func TestPollSpawnsUnblockedReadyIssue(t *testing.T) {
	s, h, forge := newTestScheduler(t, 5)
	forge.issues = []IssueDetails{{Number: 10, Title: "first", State: "open"}}

	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 1 || h.spawned[0] != 10 {
		t.Errorf("expected issue 10 spawned, got %v", h.spawned)
	}
	if name := h.issueAgent[10]; name != "iss10" {
		t.Errorf("expected agent name iss10, got %q", name)
	}
}

func TestPollSkipsIssueBlockedByOpenIssue(t *testing.T) {
	s, h, forge := newTestScheduler(t, 5)
	forge.issues = []IssueDetails{
		{Number: 10, Title: "blocker", State: "open"},
		{Number: 11, Title: "blocked", State: "open", Labels: []string{"blocked-by:#10"}},
	}

	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 1 || h.spawned[0] != 10 {
		t.Errorf("expected only issue 10 spawned, got %v", h.spawned)
	}
}

func TestPollSpawnsFormerlyBlockedIssueOnceBlockerClosed(t *testing.T) {
	s, h, forge := newTestScheduler(t, 5)
	// #10 is already being worked on, so only #11 is a spawn candidate.
	h.issueAgent[10] = "iss10"
	forge.issues = []IssueDetails{
		{Number: 10, Title: "blocker", State: "open"},
		{Number: 11, Title: "blocked", State: "open", Labels: []string{"blocked-by:#10"}},
	}
	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 0 {
		t.Fatalf("blocker still unresolved, expected no spawn, got %v", h.spawned)
	}
	// #10 no longer appears in the open listing (e.g. closed).
	forge.issues = []IssueDetails{
		{Number: 11, Title: "blocked", State: "open", Labels: []string{"blocked-by:#10"}},
	}
	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 1 || h.spawned[0] != 11 {
		t.Errorf("expected issue 11 spawned once blocker cleared, got %v", h.spawned)
	}
}

func TestPollRespectsWIPCapacity(t *testing.T) {
	s, h, forge := newTestScheduler(t, 1)
	forge.issues = []IssueDetails{
		{Number: 1, Title: "a", State: "open"},
		{Number: 2, Title: "b", State: "open"},
	}
	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 1 {
		t.Errorf("expected capacity to cap spawns at 1, got %v", h.spawned)
	}
}

func TestPollSkipsAlreadyActiveIssue(t *testing.T) {
	s, h, forge := newTestScheduler(t, 5)
	h.issueAgent[10] = "iss10"
	forge.issues = []IssueDetails{{Number: 10, Title: "first", State: "open"}}

	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.spawned) != 0 {
		t.Errorf("expected no re-spawn for already active issue, got %v", h.spawned)
	}
}

func TestPollSetsSLAFromLabels(t *testing.T) {
	s, h, forge := newTestScheduler(t, 5)
	forge.issues = []IssueDetails{{Number: 10, Title: "first", State: "open", Labels: []string{"checkin:5m"}}}

	if err := s.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := h.slaSet["iss10"]; got[0] != 300 {
		t.Errorf("expected checkin seconds 300, got %v", got)
	}
}

func TestHandleEventMirrorsAgentToOrchAsComment(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	s.HandleEvent(bus.Event{Kind: "agent_to_orch", Agent: "iss10", Payload: map[string]any{"text": "progress update"}})

	if len(forge.comments[10]) != 1 || forge.comments[10][0] != "progress update" {
		t.Errorf("got %v", forge.comments[10])
	}
}

func TestHandleEventIgnoresNonIssueAgent(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	s.HandleEvent(bus.Event{Kind: "agent_to_orch", Agent: "orchestrator", Payload: map[string]any{"text": "hi"}})

	if len(forge.comments) != 0 {
		t.Errorf("expected no comments for non-issue agent, got %v", forge.comments)
	}
}

func TestHandleEventAgentRemovedAddsReviewLabelWithoutAutoPR(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	forge.issues = []IssueDetails{{Number: 10, State: "open"}}
	s.HandleEvent(bus.Event{Kind: "agent_removed", Agent: "iss10"})

	if !hasLabel(forge.labelsAdded[10], "agent:review") {
		t.Errorf("expected agent:review label, got %v", forge.labelsAdded[10])
	}
}

func TestHandleEventAgentRemovedCreatesPRWhenAutoLabelPresent(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	forge.issues = []IssueDetails{{Number: 10, State: "open", Labels: []string{"auto:pr-on-complete"}}}
	if err := s.state.Save(10, IssueState{Branch: "ai/iss-10-x", Status: StatusRunning}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s.HandleEvent(bus.Event{Kind: "agent_removed", Agent: "iss10"})

	if len(forge.prs) != 1 || forge.prs[0] != "ai/iss-10-x" {
		t.Errorf("expected PR created from branch, got %v", forge.prs)
	}
	if !hasLabel(forge.labelsAdded[10], "agent:done") {
		t.Errorf("expected agent:done label, got %v", forge.labelsAdded[10])
	}
}

func TestCheckStallsLabelsAfterStaleAfterElapses(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	s.cfg.StaleAfter = time.Millisecond
	s.lastActivity[10] = time.Now().Add(-time.Hour)

	s.CheckStalls()

	if !hasLabel(forge.labelsAdded[10], "agent:stalled") {
		t.Errorf("expected agent:stalled label, got %v", forge.labelsAdded[10])
	}
}

func TestCheckStallsDoesNotRelabelAlreadyStalledIssue(t *testing.T) {
	s, _, forge := newTestScheduler(t, 5)
	s.cfg.StaleAfter = time.Millisecond
	s.lastActivity[10] = time.Now().Add(-time.Hour)

	s.CheckStalls()
	s.CheckStalls()

	if n := len(forge.labelsAdded[10]); n != 1 {
		t.Errorf("expected exactly one stall label added, got %d: %v", n, forge.labelsAdded[10])
	}
}
