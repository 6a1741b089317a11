package hub

import "fmt"

// interpretControlBlock applies the autopilot gate, then dispatches to the
// handler for the one recognized key the block carries.
func (h *Hub) interpretControlBlock(block map[string]any) {
	if !h.autopilotEnabled {
		h.events.Broadcast("autopilot_suppressed", orchestratorName, map[string]any{
			"summary": firstBlockKey(block),
			"control": block,
		})
		if !h.autopilotWarned {
			_ = h.sendToOrchestrator("HUB: autopilot is currently disabled; ignoring control blocks. " +
				"Use :autopilot on to allow automated actions.")
			h.autopilotWarned = true
		}
		return
	}

	switch {
	case block["spawn"] != nil:
		h.runSpawnBlock(block["spawn"])
	case block["send"] != nil:
		h.runSendBlock(block["send"])
	case block["close"] != nil:
		h.runCloseBlock(block["close"])
	case block["exec"] != nil:
		h.runExecBlock(block["exec"])
	case block["status"] != nil:
		h.runStatusBlock(block["status"])
	case block["fetch"] != nil:
		h.runFetchBlock(block["fetch"])
	}
}

func (h *Hub) runSpawnBlock(raw any) {
	spec, _ := raw.(map[string]any)
	name, _ := spec["name"].(string)
	task, _ := spec["task"].(string)
	cwd, _ := spec["cwd"].(string)
	if name == "" {
		_ = h.sendToOrchestrator("HUB: spawn missing 'name'.")
		return
	}
	h.events.Broadcast("orch_to_agent", orchestratorName, map[string]any{"action": "spawn", "agent": name, "text": task})
	_ = h.spawnSub(h.runCtx, name, task, cwd, 0)
}

func (h *Hub) runSendBlock(raw any) {
	spec, _ := raw.(map[string]any)
	to, _ := spec["to"].(string)
	task, _ := spec["task"].(string)
	h.events.Broadcast("orch_to_agent", orchestratorName, map[string]any{"action": "send", "agent": to, "text": task})
	_ = h.sendToSub(to, task)
}

func (h *Hub) runCloseBlock(raw any) {
	spec, _ := raw.(map[string]any)
	agent, _ := spec["agent"].(string)
	reason, _ := spec["reason"].(string)
	h.events.Broadcast("orch_to_agent", orchestratorName, map[string]any{"action": "close", "agent": agent, "text": reason})
	_ = h.closeSub(agent)
}

// runExecBlock handles the "exec" control block: allow-listed local
// execution, gated behind dangerous mode. The block already passed the
// autopilot gate above; dangerous mode is a second, independent gate.
func (h *Hub) runExecBlock(raw any) {
	spec, _ := raw.(map[string]any)
	if !h.cfg.Dangerous {
		_ = h.sendToOrchestrator("HUB: exec control block requires dangerous mode; " + (&PolicyDenied{Reason: "dangerous mode disabled"}).Error())
		return
	}
	if h.exec == nil {
		_ = h.sendToOrchestrator("HUB: exec backend not configured; ignored.")
		return
	}

	argvRaw, _ := spec["argv"].([]any)
	argv := make([]string, 0, len(argvRaw))
	for _, a := range argvRaw {
		if s, ok := a.(string); ok {
			argv = append(argv, s)
		}
	}
	cwd, _ := spec["cwd"].(string)
	env := map[string]string{}
	if envRaw, ok := spec["env"].(map[string]any); ok {
		for k, v := range envRaw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}

	result, err := h.exec.Run(h.runCtx, argv, cwd, env)
	if err != nil {
		_ = h.sendToOrchestrator(fmt.Sprintf("HUB: exec failed: %v", err))
		return
	}
	h.events.Broadcast("exec_result", orchestratorName, map[string]any{"argv": argv, "exit_code": result.ExitCode})
	_ = h.sendToOrchestrator(fmt.Sprintf("HUB: exec finished (exit %d).\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr))
}

func (h *Hub) runStatusBlock(raw any) {
	spec, _ := raw.(map[string]any)
	text, _ := spec["text"].(string)
	var issue int
	if f, ok := spec["issue"].(float64); ok {
		issue = int(f)
	}
	h.events.Broadcast("status", orchestratorName, map[string]any{"issue": issue, "text": text})
	if issue > 0 && h.github != nil {
		_ = h.github.PostIssueComment(issue, text)
	}
}

func (h *Hub) runFetchBlock(raw any) {
	spec, _ := raw.(map[string]any)
	artifactID, _ := spec["artifact"].(string)
	maxChars := 2000
	if f, ok := spec["max_chars"].(float64); ok {
		maxChars = int(f)
	}
	if h.artifacts == nil {
		_ = h.sendToOrchestrator("HUB: artifact store not configured.")
		return
	}
	body, err := h.artifacts.Get(artifactID, maxChars)
	if err != nil {
		_ = h.sendToOrchestrator(fmt.Sprintf("HUB: fetch failed: %v", err))
		return
	}
	h.queueExtraEvent(map[string]any{"type": "ARTIFACT", "artifact": artifactID, "body": body})
}
