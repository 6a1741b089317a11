package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
	"github.com/shanelindsay/orchhub/internal/bus"
	"github.com/shanelindsay/orchhub/internal/config"
)

type recordedCall struct {
	Method string
	Params any
}

// mockTransport is an in-memory stand-in for *appserver.Transport, letting
// hub tests drive the dispatcher without a real subprocess or backend.
type recordedResponse struct {
	ID      string
	Result  any
	IsError bool
	Code    int
	Message string
}

type mockTransport struct {
	mu        sync.Mutex
	calls     []recordedCall
	notifies  []recordedCall
	responses []recordedResponse
	convSeq   int
	events    chan appserver.Message
	stopped   bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan appserver.Message, 100)}
}

func (m *mockTransport) Initialize(ctx context.Context, clientName, clientVersion string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (m *mockTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, recordedCall{Method: method, Params: params})
	m.mu.Unlock()

	switch method {
	case "newConversation":
		m.mu.Lock()
		m.convSeq++
		id := fmt.Sprintf("conv-%d", m.convSeq)
		m.mu.Unlock()
		result, _ := json.Marshal(map[string]string{"conversationId": id})
		return result, nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (m *mockTransport) Notify(method string, params any) error {
	m.mu.Lock()
	m.notifies = append(m.notifies, recordedCall{Method: method, Params: params})
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Respond(id json.RawMessage, result any) error {
	m.mu.Lock()
	m.responses = append(m.responses, recordedResponse{ID: string(id), Result: result})
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) RespondError(id json.RawMessage, code int, message string) error {
	m.mu.Lock()
	m.responses = append(m.responses, recordedResponse{ID: string(id), IsError: true, Code: code, Message: message})
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) lastResponse() (recordedResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return recordedResponse{}, false
	}
	return m.responses[len(m.responses)-1], true
}

func (m *mockTransport) Events() <-chan appserver.Message {
	return m.events
}

func (m *mockTransport) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.events)
	}
	return nil
}

func (m *mockTransport) callsTo(method string) []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recordedCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockTransport) notifiesTo(method string) []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recordedCall
	for _, c := range m.notifies {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// fakePoster records GitHubPoster calls so tests can tell a fresh comment
// from an in-place edit of the pinned status comment.
type fakePoster struct {
	mu      sync.Mutex
	posts   []string
	updates map[string]string
}

func newFakePoster() *fakePoster {
	return &fakePoster{updates: make(map[string]string)}
}

func (p *fakePoster) PostIssueComment(issue int, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return nil
}

func (p *fakePoster) UpdateStatusComment(commentID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates[commentID] = text
	return nil
}

func testConfig() Config {
	return Config{
		Dangerous:        false,
		AutopilotDefault: true,
		WIPLimit:         5,
		DigestDebounce:   50 * time.Millisecond,
		WatchdogTick:     20 * time.Millisecond,
		SchedulerTick:    time.Hour,
		MaxNudges:        2,
		DefaultCheckin:   10 * time.Minute,
		DefaultBudget:    2 * time.Hour,
		DefaultCwd:       "/tmp/work",
	}
}

func newTestBusForHub() *bus.EventBus {
	dir, err := os.MkdirTemp("", "orchhub-bus-test-*")
	if err != nil {
		panic(err)
	}
	eb, err := bus.New(config.BusConfig{Port: 0, DataDir: dir})
	if err != nil {
		panic(err)
	}
	return eb
}

func newTestHub(cfg Config) (*Hub, *mockTransport) {
	transport := newMockTransport()
	h := New(cfg, transport, newTestBusForHub(), nil, nil, nil)
	return h, transport
}
