package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// markDirty adds name to the dirty set and arms the debounce timer if it
// isn't already running. Re-marking while the timer is pending does not
// push the fire time back.
func (h *Hub) markDirty(name string) {
	h.dirty[name] = struct{}{}
	h.armDigestTimer()
}

func (h *Hub) armDigestTimer() {
	if h.digestTimer != nil {
		return
	}
	h.digestTimer = time.AfterFunc(h.cfg.DigestDebounce, func() {
		h.do(func(hh *Hub) {
			hh.digestTimer = nil
			hh.maybeSendDigest("debounce")
		})
	})
}

// maybeSendDigest sends a digest if there is anything dirty or queued and
// either force is implied by the caller or the debounce interval has
// elapsed since the last send.
func (h *Hub) maybeSendDigest(reason string) {
	if len(h.dirty) == 0 && len(h.extraBlocks) == 0 {
		return
	}
	if !h.lastDigest.IsZero() && time.Since(h.lastDigest) < h.cfg.DigestDebounce && reason != "force" {
		return
	}
	h.sendDigest(reason)
}

// sendDigest builds and sends the digest: a heading, one line per dirty
// agent, then one fenced "event" block per agent carrying an AGENT_UPDATE
// record, followed by any queued extra event blocks (watchdog timeouts,
// fetch results).
func (h *Hub) sendDigest(reason string) {
	names := make([]string, 0, len(h.dirty))
	for name := range h.dirty {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("HUB DIGEST\n")
	for _, name := range names {
		agent := h.agents[name]
		if agent == nil {
			continue
		}
		age := int(time.Since(agent.LastCheckinTS).Seconds())
		b.WriteString(fmt.Sprintf("- %s [%s, last check-in %ds]\n", name, agent.State, age))
		if agent.LastSummary != "" {
			b.WriteString(fmt.Sprintf("  %q\n", agent.LastSummary))
		}
	}
	for _, name := range names {
		agent := h.agents[name]
		if agent == nil {
			continue
		}
		update := map[string]any{"type": "AGENT_UPDATE", "agent": name, "state": string(agent.State)}
		if agent.Meta != nil && agent.Meta.IssueNumber > 0 {
			update["issue"] = agent.Meta.IssueNumber
		}
		if agent.LastArtifactID != "" {
			update["artifacts"] = map[string]any{"last_message": agent.LastArtifactID}
		}
		data, _ := json.Marshal(update)
		b.WriteString("```event\n" + string(data) + "\n```\n")
	}
	for _, extra := range h.extraBlocks {
		data, _ := json.Marshal(extra)
		b.WriteString("```event\n" + string(data) + "\n```\n")
	}

	_ = h.sendToOrchestrator(b.String())

	h.dirty = make(map[string]struct{})
	h.extraBlocks = nil
	h.lastDigest = time.Now()
	h.decisionLog = appendDecisionLog(h.decisionLog, DecisionLogEntry{
		TS: time.Now(), Who: "hub", Action: "digest_sent", Reason: reason,
	})
	h.events.Broadcast("decision", "hub", map[string]any{"action": "digest_sent", "reason": reason})
}

// queueExtraEvent adds a one-off event (watchdog timeout, fetch result)
// to the next digest and marks the digest dirty even if no agent state
// actually changed.
func (h *Hub) queueExtraEvent(event map[string]any) {
	h.extraBlocks = append(h.extraBlocks, event)
	h.armDigestTimer()
}
