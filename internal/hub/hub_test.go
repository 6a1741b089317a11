package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func sendNotification(tr *mockTransport, convID, method, text string, extra map[string]any) {
	params := map[string]any{"conversationId": convID, "text": text}
	for k, v := range extra {
		params[k] = v
	}
	raw, _ := json.Marshal(params)
	tr.events <- appserver.Message{Kind: "notification", Method: method, Params: raw}
}

func startTestHub(t *testing.T, cfg Config) (*Hub, *mockTransport) {
	t.Helper()
	h, tr := newTestHub(cfg)
	if err := h.Start(context.Background(), "seed context"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Stop(ctx)
	})
	return h, tr
}

func TestStartSeedsOrchestratorConversation(t *testing.T) {
	_, tr := startTestHub(t, testConfig())

	calls := tr.callsTo("newConversation")
	if len(calls) != 1 {
		t.Fatalf("expected 1 newConversation call, got %d", len(calls))
	}
	params, ok := calls[0].Params.(map[string]any)
	if !ok {
		t.Fatalf("unexpected params type: %T", calls[0].Params)
	}
	if params["sandbox"] != "workspace-write" {
		t.Errorf("expected workspace-write sandbox, got %v", params["sandbox"])
	}

	seedCalls := tr.callsTo("sendUserMessage")
	if len(seedCalls) != 1 {
		t.Fatalf("expected 1 seed sendUserMessage call, got %d", len(seedCalls))
	}
}

func TestAutopilotOffSuppressesControlBlock(t *testing.T) {
	cfg := testConfig()
	cfg.AutopilotDefault = false
	h, tr := startTestHub(t, cfg)

	sendNotification(tr, "conv-1", "agent_message",
		"pre\n```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"t\"}}\n```\npost", nil)

	waitUntil(t, 2*time.Second, func() bool {
		for _, ev := range h.events.Recent(50) {
			if ev.Kind == "autopilot_suppressed" {
				return ev.Payload["summary"] == "spawn"
			}
		}
		return false
	})

	if calls := tr.callsTo("newConversation"); len(calls) != 1 {
		t.Errorf("expected no additional newConversation calls, got %d total", len(calls))
	}
}

func TestSpawnSendCloseLifecycle(t *testing.T) {
	h, tr := startTestHub(t, testConfig())

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"spawn\":{\"name\":\"A\",\"task\":\"t\"}}\n```", nil)

	waitUntil(t, 2*time.Second, func() bool {
		return len(tr.callsTo("newConversation")) == 2
	})
	waitUntil(t, 2*time.Second, func() bool {
		names := h.AgentNames()
		for _, n := range names {
			if n == "a" {
				return true
			}
		}
		return false
	})

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"send\":{\"to\":\"A\",\"task\":\"x\"}}\n```", nil)

	waitUntil(t, 2*time.Second, func() bool {
		for _, n := range tr.notifiesTo("sendUserMessage") {
			params, ok := n.Params.(map[string]any)
			if !ok {
				continue
			}
			if params["conversationId"] == "conv-2" {
				items, _ := params["items"].([]map[string]any)
				for _, item := range items {
					data, _ := item["data"].(map[string]string)
					if data["text"] == "x" {
						return true
					}
				}
			}
		}
		return false
	})

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"close\":{\"agent\":\"A\"}}\n```", nil)

	waitUntil(t, 2*time.Second, func() bool {
		for _, n := range h.AgentNames() {
			if n == "a" {
				return false
			}
		}
		return true
	})
}

func TestExecApprovalDeniedWhenDangerousModeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Dangerous = false
	h, tr := startTestHub(t, cfg)

	params, _ := json.Marshal(map[string]any{"command": []string{"rm", "-rf", "/"}})
	tr.events <- appserver.Message{Kind: "server_request", Method: "execCommandApproval", ID: json.RawMessage(`1`), Params: params}

	waitUntil(t, 2*time.Second, func() bool {
		resp, ok := tr.lastResponse()
		return ok && resp.ID == "1"
	})
	resp, _ := tr.lastResponse()
	result, ok := resp.Result.(map[string]any)
	if !ok || result["decision"] != "denied" {
		t.Fatalf("expected denied decision, got %+v", resp)
	}

	waitUntil(t, 2*time.Second, func() bool {
		for _, n := range tr.notifiesTo("sendUserMessage") {
			params, ok := n.Params.(map[string]any)
			if !ok {
				continue
			}
			items, _ := params["items"].([]map[string]any)
			for _, item := range items {
				data, _ := item["data"].(map[string]string)
				if contains2(data["text"], "dangerous mode disabled") {
					return true
				}
			}
		}
		return false
	})

	_ = h
}

func contains2(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestWIPLimitRejectsSpawnOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.WIPLimit = 1
	h, tr := startTestHub(t, cfg)

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"t1\"}}\n```", nil)
	waitUntil(t, 2*time.Second, func() bool { return len(h.AgentNames()) == 3 })

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"spawn\":{\"name\":\"b\",\"task\":\"t2\"}}\n```", nil)

	time.Sleep(100 * time.Millisecond)
	if len(h.AgentNames()) != 3 {
		t.Fatalf("expected WIP limit to block second spawn, agents=%v", h.AgentNames())
	}
}

func TestSchedulerRefreshEditsPinnedStatusComment(t *testing.T) {
	cfg := testConfig()
	poster := newFakePoster()
	transport := newMockTransport()
	h := New(cfg, transport, newTestBusForHub(), nil, nil, poster)
	if err := h.Start(context.Background(), "seed context"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Stop(ctx)
	})

	if err := h.SpawnForIssue(context.Background(), 42, "iss42", "work the issue", ""); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.SetStatusCommentID("iss42", "12345")
	h.do(func(hh *Hub) {
		agent := hh.agents["iss42"]
		agent.LastCheckinTS = time.Now()
		agent.Meta.LastEventAt = time.Now().Add(-10 * time.Minute)
	})

	h.do(func(hh *Hub) { hh.runScheduler() })

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if poster.updates["12345"] == "" {
		t.Fatal("expected pinned status comment to be edited in place")
	}
	if len(poster.posts) != 0 {
		t.Errorf("expected no new comments posted, got %v", poster.posts)
	}
}

func TestWatchdogQueuesTimeoutCheckin(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogTick = 10 * time.Millisecond
	cfg.DigestDebounce = 10 * time.Millisecond
	h, tr := startTestHub(t, cfg)

	sendNotification(tr, "conv-1", "agent_message",
		"```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"t\"}}\n```", nil)
	waitUntil(t, 2*time.Second, func() bool { return len(h.AgentNames()) == 3 })

	h.do(func(hh *Hub) {
		if agent, ok := hh.agents["a"]; ok {
			agent.Meta.CheckinSeconds = 0
			agent.LastCheckinTS = time.Now().Add(-10 * time.Second)
			agent.Meta.CheckinSeconds = 1
		}
	})

	waitUntil(t, 2*time.Second, func() bool {
		for _, ev := range h.events.Recent(100) {
			if ev.Kind == "decision" {
				return true
			}
		}
		return false
	})
}
