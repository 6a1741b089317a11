package hub

import (
	"strings"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
)

var assistantMethods = map[string]struct{}{
	"assistant_message":  {},
	"agent_message":      {},
	"response":           {},
	"assistant_output":   {},
}

var taskStartedMethods = map[string]struct{}{
	"task_started":      {},
	"status":            {},
	"progress_started":  {},
}

var taskCompleteMethods = map[string]struct{}{
	"task_complete":     {},
	"progress_complete": {},
}

// handleMessage is the single entry point every transport event passes
// through, always running on the dispatcher goroutine.
func (h *Hub) handleMessage(msg appserver.Message) {
	switch msg.Kind {
	case "response":
		h.events.Broadcast("misc", appServerName, map[string]any{"note": "orphaned response"})
	case "server_request":
		h.handleServerRequest(msg)
	case "notification":
		h.handleNotification(msg.Method, decodeParams(msg.Params))
	case "stderr":
		h.recordStderr(appServerName, msg.Line)
	default:
		h.events.Broadcast("unknown", appServerName, map[string]any{"raw": msg.Line})
	}
}

func (h *Hub) recordStderr(agent, line string) {
	buf, ok := h.stderrBufs[agent]
	if !ok {
		buf = newStderrRingBuffer(stderrRingCap)
		h.stderrBufs[agent] = buf
	}
	buf.Add(line)
	h.events.Broadcast("agent_stderr", agent, map[string]any{"line": line})
}

func (h *Hub) handleServerRequest(msg appserver.Message) {
	switch msg.Method {
	case "execCommandApproval":
		h.handleApproval(msg, "exec")
	case "applyPatchApproval":
		h.handleApproval(msg, "patch")
	default:
		_ = h.transport.RespondError(msg.ID, -32601, "method not found")
	}
}

// handleNotification routes an inbound notification by lowercased method
// name; codex/event/* notifications are unwrapped to their inner msg.type
// and dispatched by the same rules as top-level method names.
func (h *Hub) handleNotification(method string, params map[string]any) {
	lower := strings.ToLower(method)
	if strings.HasPrefix(lower, "codex/event/") {
		inner, _ := params["msg"].(map[string]any)
		innerType, _ := inner["type"].(string)
		h.dispatchEvent(resolveAgentName(h, params), innerType, inner)
		return
	}
	h.dispatchEvent(resolveAgentName(h, params), lower, params)
}

func (h *Hub) dispatchEvent(agentName, msgType string, msg map[string]any) {
	switch {
	case contains(assistantMethods, msgType):
		h.handleAssistantText(agentName, extractText(msg))
	case contains(taskStartedMethods, msgType):
		h.events.Broadcast("task_started", agentName, map[string]any{"text": extractText(msg)})
		h.setState(agentName, StateWorking)
	case contains(taskCompleteMethods, msgType):
		h.setState(agentName, StateIdle)
		if agentName != "" && agentName != orchestratorName {
			h.handleSubAgentComplete(agentName, firstString(msg, "last_agent_message", "message"))
		}
	case msgType == "error":
		h.events.Broadcast("error", agentOrHub(agentName), msg)
		if agentName != "" {
			h.setState(agentName, StateError)
		}
	default:
		h.events.Broadcast("misc", agentOrHub(agentName), map[string]any{"type": msgType})
	}
}

func (h *Hub) handleAssistantText(agentName, text string) {
	switch agentName {
	case orchestratorName:
		h.handleOrchText(text)
	case "":
		h.events.Broadcast("misc", appServerName, map[string]any{"type": "assistant_text_unrouted"})
	default:
		h.handleSubText(agentName, text)
	}
}

// handleOrchText extracts and runs control blocks from orchestrator text,
// broadcasting whatever prose remains to the human.
func (h *Hub) handleOrchText(text string) {
	blocks := ExtractControlBlocks(text)
	if display := StripControlBlocks(text); display != "" {
		h.events.Broadcast("orch_to_user", orchestratorName, map[string]any{"text": display})
	}
	for _, block := range blocks {
		h.interpretControlBlock(block)
	}
	h.setState(orchestratorName, StateIdle)
}

// handleSubText records a sub-agent message: artifact, summary, check-in
// bookkeeping, and a dirty mark for the next digest.
func (h *Hub) handleSubText(name, text string) {
	h.events.Broadcast("agent_to_orch", name, map[string]any{"text": text})

	var artifactID string
	if h.artifacts != nil {
		if id, err := h.artifacts.Put("agent_message", text, map[string]any{"agent": name}); err == nil {
			artifactID = id
		}
	}
	if agent, ok := h.agents[name]; ok {
		if artifactID != "" {
			agent.LastArtifactID = artifactID
		}
		agent.LastSummary = truncateFirstLine(text, 300)
		agent.LastCheckinTS = time.Now()
		if agent.Meta != nil {
			agent.Meta.LastEventAt = time.Now()
		}
	}
	h.markDirty(name)
}

// handleSubAgentComplete stores a sub-agent's final message and prompts the
// orchestrator to follow up or close it.
func (h *Hub) handleSubAgentComplete(name, final string) {
	var artifactID string
	if h.artifacts != nil {
		if id, err := h.artifacts.Put("agent_complete", final, map[string]any{"agent": name}); err == nil {
			artifactID = id
		}
	}
	if agent, ok := h.agents[name]; ok {
		if artifactID != "" {
			agent.LastArtifactID = artifactID
		}
		agent.LastSummary = truncateFirstLine(final, 300)
		agent.LastCheckinTS = time.Now()
		if agent.Meta != nil {
			agent.Meta.LastEventAt = time.Now()
		}
	}
	_ = h.sendToOrchestrator("Sub-agent \"" + name + "\" reports task complete.\n" +
		"Final update:\n" + final + "\n" +
		"To continue, emit CONTROL `send` or close with CONTROL `close`.")
	h.markDirty(name)
}

func resolveAgentName(h *Hub, params map[string]any) string {
	for _, key := range []string{"conversationId", "conversation_id", "sessionId", "session_id"} {
		if id, ok := params[key].(string); ok {
			if name, ok := h.convToName[id]; ok {
				return name
			}
		}
	}
	return ""
}

func agentOrHub(name string) string {
	if name == "" {
		return appServerName
	}
	return name
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
