package hub

import (
	"fmt"
	"time"
)

const nudgeText = "HUB: next small step? blockers? ETA?"
const statusRefreshAfter = 180 * time.Second
const closeAfterBudgetSilence = 60 * time.Second

// runWatchdog queues a TIMEOUT_CHECKIN event for the next digest for each
// sub-agent whose silence exceeds its configured check-in threshold.
func (h *Hub) runWatchdog() {
	now := time.Now()
	for name, agent := range h.agents {
		if name == orchestratorName || name == appServerName || agent.Meta == nil {
			continue
		}
		if agent.Meta.CheckinSeconds <= 0 {
			continue
		}
		silence := now.Sub(agent.LastCheckinTS)
		if silence > time.Duration(agent.Meta.CheckinSeconds)*time.Second {
			h.queueExtraEvent(map[string]any{
				"type":    "TIMEOUT_CHECKIN",
				"agent":   name,
				"seconds": int(silence.Seconds()),
			})
			h.markDirty(name)
		}
	}
}

// runScheduler nudges silent agents, starts the wrap-up/close sequence
// once an agent's budget is exhausted, and refreshes the GitHub status
// comment for stale issue-linked agents.
func (h *Hub) runScheduler() {
	now := time.Now()
	for name, agent := range h.agents {
		if name == orchestratorName || name == appServerName || agent.Meta == nil {
			continue
		}
		meta := agent.Meta
		silence := now.Sub(agent.LastCheckinTS)

		if meta.CheckinSeconds > 0 && silence > time.Duration(meta.CheckinSeconds)*time.Second && meta.NudgesSent < meta.MaxNudges {
			_ = h.sendToAgent(name, nudgeText)
			meta.NudgesSent++
		}

		if meta.BudgetSeconds > 0 && now.Sub(meta.StartedAt) > time.Duration(meta.BudgetSeconds)*time.Second && !meta.ClosingAfterBudget {
			_ = h.sendToAgent(name, "HUB: budget elapsed, please wrap up with a summary and suggested next steps.")
			meta.ClosingAfterBudget = true
		} else if meta.ClosingAfterBudget && silence > closeAfterBudgetSilence {
			_ = h.closeSub(name)
			continue
		}

		// Refresh the pinned status comment in place; if no comment id is
		// recorded there is nothing to refresh — creating one is the GitHub
		// scheduler's job, and posting a fresh comment here every tick
		// would spam the issue.
		if meta.IssueNumber > 0 && meta.StatusCommentID != "" && h.github != nil && now.Sub(meta.LastEventAt) >= statusRefreshAfter {
			_ = h.github.UpdateStatusComment(meta.StatusCommentID, fmt.Sprintf("status: %s, last check-in %ds ago", agent.State, int(silence.Seconds())))
			meta.LastEventAt = now
		}
	}
}
