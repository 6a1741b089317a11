package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
	"github.com/shanelindsay/orchhub/internal/bus"
)

var orchestratorSystemEnabled = orchestratorPreamble(true)
var orchestratorSystemDisabled = orchestratorPreamble(false)

func orchestratorPreamble(autopilotOn bool) string {
	state := "disabled"
	if autopilotOn {
		state = "enabled"
	}
	return "You are the ORCHESTRATOR agent.\n" +
		"Plan work, spin up named sub-agents, and iterate until goals are met.\n" +
		"Autopilot is currently " + state + ".\n" +
		"Emit control blocks in replies when you want the hub to act:\n\n" +
		"```control\n{\"spawn\":{\"name\":\"<agent_name>\",\"task\":\"<task text>\",\"cwd\":null}}\n```\n\n" +
		"```control\n{\"send\":{\"to\":\"<agent_name>\",\"task\":\"<follow-up instruction>\"}}\n```\n\n" +
		"```control\n{\"close\":{\"agent\":\"<agent_name>\"}}\n```\n\n" +
		"Also write normal prose updates for the human."
}

const subagentSystemTemplate = "You are a SUB-AGENT named %q.\n" +
	"Follow the task from the user. Provide succinct progress updates and, when finished,\n" +
	"give a short summary and suggested next actions."

// Transport is the subset of *appserver.Transport the hub needs; tests
// inject a mock so no real subprocess, and no real backend binary, is
// required to exercise hub logic.
type Transport interface {
	Initialize(ctx context.Context, clientName, clientVersion string) (json.RawMessage, error)
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(method string, params any) error
	Respond(id json.RawMessage, result any) error
	RespondError(id json.RawMessage, code int, message string) error
	Events() <-chan appserver.Message
	Stop(ctx context.Context) error
}

// ArtifactStore is the minimal interface the hub needs to persist large
// agent text (messages, completions) out of line.
type ArtifactStore interface {
	Put(kind, body string, meta map[string]any) (string, error)
	Get(id string, maxChars int) (string, error)
}

// ExecResult is the structured result of a local-exec control block.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecRunner runs an allow-listed local command, either on the host or in
// a sandboxed backend, per config.
type ExecRunner interface {
	Run(ctx context.Context, argv []string, cwd string, env map[string]string) (ExecResult, error)
}

// GitHubPoster is the optional surface the "status" control block and the
// scheduler's stale-issue refresh use to mirror status back to an issue. A
// hub with no GitHub integration configured passes a nil GitHubPoster.
type GitHubPoster interface {
	PostIssueComment(issue int, text string) error
	UpdateStatusComment(commentID, text string) error
}

// Config carries every policy knob the hub's startup sequence and
// scheduler/watchdog ticks need.
type Config struct {
	Dangerous        bool
	AutopilotDefault bool
	WIPLimit         int
	DigestDebounce   time.Duration
	WatchdogTick     time.Duration
	SchedulerTick    time.Duration
	MaxNudges        int
	DefaultCheckin   time.Duration
	DefaultBudget    time.Duration
	Model            string
	DefaultCwd       string
}

// Hub is the sole owner of agent state. Every mutation runs on the
// dispatcher goroutine started by Start; every public method funnels
// through the ops channel rather than touching fields directly.
type Hub struct {
	cfg       Config
	transport Transport
	events    *bus.EventBus
	artifacts ArtifactStore
	exec      ExecRunner
	github    GitHubPoster

	ops chan func(*Hub)

	agents       map[string]*Agent
	convToName   map[string]string
	issueToAgent map[int]string
	stderrBufs   map[string]*StderrRingBuffer

	autopilotEnabled bool
	autopilotWarned  bool

	dirty       map[string]struct{}
	extraBlocks []map[string]any
	digestTimer *time.Timer
	lastDigest  time.Time
	decisionLog []DecisionLogEntry

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New constructs a Hub. Call Start to run its dispatcher and launch the
// orchestrator conversation.
func New(cfg Config, transport Transport, events *bus.EventBus, artifacts ArtifactStore, exec ExecRunner, github GitHubPoster) *Hub {
	return &Hub{
		cfg:          cfg,
		transport:    transport,
		events:       events,
		artifacts:    artifacts,
		exec:         exec,
		github:       github,
		ops:          make(chan func(*Hub), 64),
		agents:       make(map[string]*Agent),
		convToName:   make(map[string]string),
		issueToAgent: make(map[int]string),
		stderrBufs:   make(map[string]*StderrRingBuffer),
		dirty:        make(map[string]struct{}),
		stopped:      make(chan struct{}),
		autopilotEnabled: cfg.AutopilotDefault,
	}
}

// do submits op to the dispatcher and blocks until it has run, giving
// callers from any goroutine a synchronous, serialized view of hub state.
// Once the dispatcher has exited, do returns without running op so that
// late timers and pump goroutines never hang on a dead channel.
func (h *Hub) do(op func(h *Hub)) {
	done := make(chan struct{})
	wrapped := func(hh *Hub) {
		op(hh)
		close(done)
	}
	select {
	case h.ops <- wrapped:
	case <-h.stopped:
		return
	}
	select {
	case <-done:
	case <-h.stopped:
	}
}

// Done is closed once the hub has shut down, either via Stop or because
// the transport closed underneath it.
func (h *Hub) Done() <-chan struct{} { return h.stopped }

func callTimeout(method string) time.Duration {
	switch method {
	case "initialize":
		return 30 * time.Second
	case "newConversation":
		return 30 * time.Second
	case "addConversationListener":
		return 10 * time.Second
	case "sendUserMessage":
		return 600 * time.Second
	default:
		return 60 * time.Second
	}
}

func sandboxFor(dangerous bool) string {
	if dangerous {
		return "danger-full-access"
	}
	return "workspace-write"
}

// Start initializes the transport, opens the orchestrator conversation,
// seeds it with the role preamble and the caller's context, and starts the
// dispatcher and background tickers.
func (h *Hub) Start(ctx context.Context, seedText string) error {
	if _, err := h.transport.Initialize(ctx, "orchhub", "0.1.0"); err != nil {
		return &TransportStartError{Binary: "app-server", Cause: err}
	}

	params := map[string]any{
		"cwd":            h.cfg.DefaultCwd,
		"approvalPolicy": "on-request",
		"sandbox":        sandboxFor(h.cfg.Dangerous),
	}
	if h.cfg.Model != "" {
		params["model"] = h.cfg.Model
	}
	result, err := h.transport.Call(ctx, "newConversation", params, callTimeout("newConversation"))
	if err != nil {
		return fmt.Errorf("newConversation: %w", err)
	}
	var convResult struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(result, &convResult); err != nil {
		return fmt.Errorf("decode newConversation result: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.runCtx = hctx

	// No dispatcher is running yet, so direct mutation is still safe here.
	h.agents[orchestratorName] = &Agent{
		Name:           orchestratorName,
		ConversationID: convResult.ConversationID,
		State:          StateIdle,
		LastCheckinTS:  time.Now(),
	}
	h.convToName[convResult.ConversationID] = orchestratorName
	h.stderrBufs[orchestratorName] = newStderrRingBuffer(stderrRingCap)
	h.agents[appServerName] = &Agent{Name: appServerName, State: StateIdle}

	preamble := orchestratorSystemDisabled
	if h.cfg.AutopilotDefault {
		preamble = orchestratorSystemEnabled
	}
	ready := "HUB: Ready. You may emit CONTROL blocks to spawn or message sub-agents.\n\nSeed context:\n" + seedText + "\n"

	if _, err := h.transport.Call(ctx, "sendUserMessage", map[string]any{
		"conversationId": convResult.ConversationID,
		"items": []map[string]any{
			{"type": "text", "data": map[string]string{"text": preamble}},
			{"type": "text", "data": map[string]string{"text": ready}},
		},
	}, callTimeout("sendUserMessage")); err != nil {
		return fmt.Errorf("seed orchestrator: %w", err)
	}

	if _, err := h.transport.Call(ctx, "addConversationListener", map[string]any{
		"conversationId": convResult.ConversationID,
	}, callTimeout("addConversationListener")); err != nil {
		slog.Warn("addConversationListener refused, continuing", "error", err)
	}

	h.wg.Add(3)
	go h.dispatchLoop(hctx)
	go h.eventPump(hctx)
	go h.tickLoop(hctx)

	h.events.Broadcast("agent_added", appServerName, nil)
	h.events.Broadcast("agent_state", appServerName, map[string]any{"agent": appServerName, "state": string(StateIdle)})
	h.events.Broadcast("agent_added", orchestratorName, nil)
	h.events.Broadcast("agent_state", orchestratorName, map[string]any{"agent": orchestratorName, "state": string(StateIdle)})
	h.events.Broadcast("autopilot_state", "hub", map[string]any{"enabled": h.autopilotEnabled})

	return nil
}

func (h *Hub) dispatchLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.stopped)
	for {
		select {
		case op := <-h.ops:
			op(h)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) eventPump(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case msg, ok := <-h.transport.Events():
			if !ok {
				h.do(func(hh *Hub) { hh.handleTransportClosed() })
				return
			}
			h.do(func(hh *Hub) { hh.handleMessage(msg) })
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) tickLoop(ctx context.Context) {
	defer h.wg.Done()
	watchdog := time.NewTicker(h.cfg.WatchdogTick)
	scheduler := time.NewTicker(h.cfg.SchedulerTick)
	defer watchdog.Stop()
	defer scheduler.Stop()
	for {
		select {
		case <-watchdog.C:
			h.do(func(hh *Hub) { hh.runWatchdog() })
		case <-scheduler.C:
			h.do(func(hh *Hub) { hh.runScheduler() })
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels all hub goroutines and closes the transport (stdin EOF,
// short wait, then kill).
func (h *Hub) Stop(ctx context.Context) {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return
	}
	h.closed = true
	h.closeMu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	_ = h.transport.Stop(ctx)
	h.wg.Wait()
}

// handleTransportClosed broadcasts the error and begins shutdown: a hub
// without its backend process has nothing left to supervise.
func (h *Hub) handleTransportClosed() {
	h.events.Broadcast("error", appServerName, map[string]any{"message": "transport closed"})
	if h.cancel != nil {
		h.cancel()
	}
}

// SetAutopilot toggles the policy gate and notifies the orchestrator once.
func (h *Hub) SetAutopilot(enabled bool) {
	h.do(func(hh *Hub) {
		if hh.autopilotEnabled == enabled {
			return
		}
		hh.autopilotEnabled = enabled
		hh.autopilotWarned = false
		hh.events.Broadcast("autopilot_state", "hub", map[string]any{"enabled": enabled})
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		_ = hh.sendToOrchestrator(fmt.Sprintf("HUB: autopilot %s by human controller.", state))
	})
}

// Autopilot reports the current gate state.
func (h *Hub) Autopilot() bool {
	var v bool
	h.do(func(hh *Hub) { v = hh.autopilotEnabled })
	return v
}

func (h *Hub) setState(name string, state AgentState) {
	agent, ok := h.agents[name]
	if !ok || agent.State == state {
		return
	}
	agent.State = state
	h.events.Broadcast("agent_state", name, map[string]any{"agent": name, "state": string(state)})
}

// Heartbeat records activity for whichever agent owns conversationID
// without requiring a full app-server notification — the OTEL tailer's
// side channel for noticing tool-call/span activity that would otherwise
// look like silence to the watchdog.
func (h *Hub) Heartbeat(conversationID, eventName string) {
	h.do(func(hh *Hub) {
		name, ok := hh.convToName[conversationID]
		if !ok {
			return
		}
		agent, ok := hh.agents[name]
		if !ok {
			return
		}
		agent.LastCheckinTS = time.Now()
		if agent.Meta != nil {
			agent.Meta.LastEventAt = time.Now()
		}
		hh.events.Broadcast("heartbeat", name, map[string]any{"event": eventName})
	})
}

func (h *Hub) sendToOrchestrator(text string) error {
	orch, ok := h.agents[orchestratorName]
	if !ok {
		return &UnknownAgent{Name: orchestratorName}
	}
	return h.transport.Notify("sendUserMessage", map[string]any{
		"conversationId": orch.ConversationID,
		"items": []map[string]any{
			{"type": "text", "data": map[string]string{"text": text}},
		},
	})
}

func (h *Hub) sendToAgent(name, text string) error {
	agent, ok := h.agents[name]
	if !ok {
		return &UnknownAgent{Name: name}
	}
	return h.transport.Notify("sendUserMessage", map[string]any{
		"conversationId": agent.ConversationID,
		"items": []map[string]any{
			{"type": "text", "data": map[string]string{"text": text}},
		},
	})
}

// Spawn creates a sub-agent named name running task in cwd (defaulting to
// the hub's configured default cwd). Exposed for the GitHub scheduler and
// for human-issued :spawn commands in addition to the control-block path.
func (h *Hub) Spawn(ctx context.Context, name, task, cwd string) error {
	var outErr error
	h.do(func(hh *Hub) { outErr = hh.spawnSub(ctx, name, task, cwd, 0) })
	return outErr
}

// SpawnForIssue is Spawn plus an issue binding: the watchdog mirrors
// silence onto issueNumber via GitHubPoster, and CloseAgent clears the
// binding when the agent closes. Used by the GitHub scheduler.
func (h *Hub) SpawnForIssue(ctx context.Context, issueNumber int, name, task, cwd string) error {
	var outErr error
	h.do(func(hh *Hub) { outErr = hh.spawnSub(ctx, name, task, cwd, issueNumber) })
	return outErr
}

// AgentForIssue returns the sub-agent name bound to issueNumber, if any.
func (h *Hub) AgentForIssue(issueNumber int) (string, bool) {
	var name string
	var ok bool
	h.do(func(hh *Hub) { name, ok = hh.issueToAgent[issueNumber] })
	return name, ok
}

// SetAgentSLA overrides a sub-agent's check-in/budget thresholds, e.g. from
// GitHub "checkin:<dur>"/"budget:<dur>" labels. Zero leaves a field
// unchanged.
func (h *Hub) SetAgentSLA(name string, checkinSeconds, budgetSeconds int) {
	h.do(func(hh *Hub) {
		agent, ok := hh.agents[CanonicalAgentName(name)]
		if !ok || agent.Meta == nil {
			return
		}
		if checkinSeconds > 0 {
			agent.Meta.CheckinSeconds = checkinSeconds
		}
		if budgetSeconds > 0 {
			agent.Meta.BudgetSeconds = budgetSeconds
		}
	})
}

// SetStatusCommentID records the GitHub comment id the scheduler maintains
// for a sub-agent bound to an issue.
func (h *Hub) SetStatusCommentID(name, commentID string) {
	h.do(func(hh *Hub) {
		if agent, ok := hh.agents[CanonicalAgentName(name)]; ok && agent.Meta != nil {
			agent.Meta.StatusCommentID = commentID
		}
	})
}

// AgentMetaSnapshot returns a copy of a sub-agent's meta, for callers (like
// the GitHub scheduler) that need to read SLA/workspace fields outside the
// dispatcher goroutine.
func (h *Hub) AgentMetaSnapshot(name string) (AgentMeta, bool) {
	var meta AgentMeta
	var ok bool
	h.do(func(hh *Hub) {
		agent, exists := hh.agents[CanonicalAgentName(name)]
		if !exists || agent.Meta == nil {
			return
		}
		meta, ok = *agent.Meta, true
	})
	return meta, ok
}

func (h *Hub) spawnSub(ctx context.Context, name, task, cwd string, issueNumber int) error {
	canon := CanonicalAgentName(name)
	if _, exists := h.agents[canon]; exists {
		return h.sendToOrchestrator(fmt.Sprintf("HUB: sub-agent %q already exists.", canon))
	}
	if h.cfg.WIPLimit > 0 && h.subAgentCount() >= h.cfg.WIPLimit {
		return h.sendToOrchestrator(fmt.Sprintf("HUB: WIP limit (%d) reached; not spawning %q.", h.cfg.WIPLimit, canon))
	}

	if cwd == "" {
		cwd = h.cfg.DefaultCwd
	}
	params := map[string]any{
		"cwd":            cwd,
		"approvalPolicy": "on-request",
		"sandbox":        sandboxFor(h.cfg.Dangerous),
	}
	if h.cfg.Model != "" {
		params["model"] = h.cfg.Model
	}
	result, err := h.transport.Call(ctx, "newConversation", params, callTimeout("newConversation"))
	if err != nil {
		return fmt.Errorf("newConversation for %s: %w", canon, err)
	}
	var convResult struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(result, &convResult); err != nil {
		return fmt.Errorf("decode newConversation result for %s: %w", canon, err)
	}

	now := time.Now()
	meta := &AgentMeta{
		IssueNumber:    issueNumber,
		StartedAt:      now,
		LastEventAt:    now,
		CheckinSeconds: int(h.cfg.DefaultCheckin.Seconds()),
		BudgetSeconds:  int(h.cfg.DefaultBudget.Seconds()),
		MaxNudges:      h.cfg.MaxNudges,
		Workspace:      cwd,
	}
	h.agents[canon] = &Agent{
		Name:           canon,
		ConversationID: convResult.ConversationID,
		State:          StateIdle,
		LastCheckinTS:  now,
		Meta:           meta,
	}
	h.convToName[convResult.ConversationID] = canon
	h.stderrBufs[canon] = newStderrRingBuffer(stderrRingCap)
	if issueNumber > 0 {
		h.issueToAgent[issueNumber] = canon
	}

	preamble := fmt.Sprintf(subagentSystemTemplate, canon)
	if _, err := h.transport.Call(ctx, "sendUserMessage", map[string]any{
		"conversationId": convResult.ConversationID,
		"items": []map[string]any{
			{"type": "text", "data": map[string]string{"text": preamble}},
			{"type": "text", "data": map[string]string{"text": task}},
		},
	}, callTimeout("sendUserMessage")); err != nil {
		return fmt.Errorf("seed sub-agent %s: %w", canon, err)
	}

	_ = h.sendToOrchestrator(fmt.Sprintf("HUB: spawned sub-agent %q.", canon))
	h.events.Broadcast("agent_added", canon, nil)
	h.setState(canon, StateIdle)
	return nil
}

// SubAgentCount returns the number of non-orchestrator, non-app-server
// agents currently tracked, for the GitHub scheduler's capacity check.
func (h *Hub) SubAgentCount() int {
	var n int
	h.do(func(hh *Hub) { n = hh.subAgentCount() })
	return n
}

func (h *Hub) subAgentCount() int {
	n := 0
	for name := range h.agents {
		if name != orchestratorName && name != appServerName {
			n++
		}
	}
	return n
}

// SendTo forwards task text to an existing sub-agent.
func (h *Hub) SendTo(name, task string) error {
	var outErr error
	h.do(func(hh *Hub) { outErr = hh.sendToSub(name, task) })
	return outErr
}

func (h *Hub) sendToSub(name, task string) error {
	canon := CanonicalAgentName(name)
	if _, ok := h.agents[canon]; !ok {
		return h.sendToOrchestrator(fmt.Sprintf("HUB: no such sub-agent %q.", canon))
	}
	if err := h.sendToAgent(canon, task); err != nil {
		return err
	}
	return h.sendToOrchestrator(fmt.Sprintf("HUB: forwarded instruction to %q.", canon))
}

// CloseAgent closes a sub-agent and removes its indexes.
func (h *Hub) CloseAgent(name string) error {
	var outErr error
	h.do(func(hh *Hub) { outErr = hh.closeSub(name) })
	return outErr
}

func (h *Hub) closeSub(name string) error {
	canon := CanonicalAgentName(name)
	agent, ok := h.agents[canon]
	if !ok {
		return h.sendToOrchestrator(fmt.Sprintf("HUB: no such sub-agent %q.", canon))
	}
	delete(h.agents, canon)
	delete(h.convToName, agent.ConversationID)
	delete(h.stderrBufs, canon)
	delete(h.dirty, canon)
	if agent.Meta != nil && agent.Meta.IssueNumber > 0 {
		delete(h.issueToAgent, agent.Meta.IssueNumber)
	}
	_ = h.sendToOrchestrator(fmt.Sprintf("HUB: closed sub-agent %q.", canon))
	h.events.Broadcast("agent_removed", canon, map[string]any{"agent": canon})
	return nil
}

// AgentNames returns a snapshot of every currently known agent name,
// including the orchestrator and app-server entries.
func (h *Hub) AgentNames() []string {
	var names []string
	h.do(func(hh *Hub) {
		for name := range hh.agents {
			names = append(names, name)
		}
	})
	return names
}

// DecisionLog returns a snapshot of the decision log (most recent last).
func (h *Hub) DecisionLog() []DecisionLogEntry {
	var out []DecisionLogEntry
	h.do(func(hh *Hub) {
		out = make([]DecisionLogEntry, len(hh.decisionLog))
		copy(out, hh.decisionLog)
	})
	return out
}

// truncateFirstLine returns the first non-empty line of text, capped at
// max bytes, for use as an agent's last_summary.
func truncateFirstLine(text string, max int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > max {
			return line[:max]
		}
		return line
	}
	return ""
}
