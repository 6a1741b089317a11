package hub

import (
	"fmt"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
)

// handleApproval auto-decides a privileged request: approve iff dangerous
// mode and autopilot are both on; otherwise deny and tell the orchestrator
// why.
func (h *Hub) handleApproval(msg appserver.Message, kind string) {
	approved := h.cfg.Dangerous && h.autopilotEnabled
	reason := "auto-approved by hub"
	if !approved {
		if !h.cfg.Dangerous {
			reason = "dangerous mode disabled"
		} else {
			reason = "autopilot disabled"
		}
	}

	decision := "denied"
	if approved {
		decision = "approved"
	}
	_ = h.transport.Respond(msg.ID, map[string]any{"decision": decision})

	h.events.Broadcast("approval", appServerName, map[string]any{"kind": kind, "decision": decision})
	h.decisionLog = appendDecisionLog(h.decisionLog, DecisionLogEntry{
		TS: time.Now(), Who: "hub", Action: kind + "_approval", Reason: reason,
	})

	if !approved {
		_ = h.sendToOrchestrator(fmt.Sprintf("HUB: %s approval denied (%s).", kind, reason))
	}
}
