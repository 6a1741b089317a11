// Package hub implements the orchestration hub: the supervisor that owns
// the orchestrator and sub-agent conversations, interprets control blocks
// embedded in assistant text, enforces autopilot/WIP/SLA policy, and
// produces a debounced decision digest back to the orchestrator.
package hub

import "time"

// AgentState is the lifecycle state of one agent's conversation.
type AgentState string

const (
	StateIdle    AgentState = "idle"
	StateWorking AgentState = "working"
	StateError   AgentState = "error"
)

const (
	orchestratorName = "orchestrator"
	appServerName    = "app-server"
)

// AgentMeta carries the per-sub-agent bookkeeping that the orchestrator
// conversation doesn't need: SLA timers, GitHub linkage, and the
// nudge/budget state machine the scheduler walks on each tick.
type AgentMeta struct {
	IssueNumber        int
	StartedAt          time.Time
	LastEventAt        time.Time
	CheckinSeconds     int
	BudgetSeconds      int
	NudgesSent         int
	MaxNudges          int
	StatusCommentID    string
	Workspace          string
	ClosingAfterBudget bool
}

// Agent is one supervised conversation: the orchestrator, the synthetic
// "app-server" bookkeeping entry, or a sub-agent.
type Agent struct {
	Name           string
	ConversationID string
	State          AgentState
	LastCheckinTS  time.Time
	LastSummary    string
	LastArtifactID string
	Meta           *AgentMeta // nil for orchestrator and app-server
}

// DecisionLogEntry records one hub decision (digest sent, approval made,
// nudge issued) for later inspection. The log is capped at 100 entries.
type DecisionLogEntry struct {
	TS     time.Time
	Who    string
	Action string
	Reason string
}

const decisionLogCap = 100

func appendDecisionLog(log []DecisionLogEntry, entry DecisionLogEntry) []DecisionLogEntry {
	log = append(log, entry)
	if len(log) > decisionLogCap {
		log = log[len(log)-decisionLogCap:]
	}
	return log
}

// StderrRingBuffer is a bounded ring of an agent's raw stderr lines, kept
// for diagnosing a crashed or misbehaving backend process.
type StderrRingBuffer struct {
	lines []string
	cap   int
}

func newStderrRingBuffer(capacity int) *StderrRingBuffer {
	return &StderrRingBuffer{cap: capacity}
}

func (r *StderrRingBuffer) Add(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *StderrRingBuffer) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

const stderrRingCap = 500
