package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shanelindsay/orchhub/internal/config"
)

// Event is a single broadcast item on the hub's event bus. Kind and the
// rest of the fields mirror what a dashboard or notifier would need to
// render hub activity without reaching into hub internals.
type Event struct {
	Seq     uint64         `json:"seq"`
	TS      time.Time      `json:"ts"`
	Kind    string         `json:"kind"`
	Agent   string         `json:"agent,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

const subscriberQueueCap = 1000
const ringLogCap = 500

// Subscription is a bounded, ordered delivery queue for one subscriber.
// When the queue is full, Broadcast drops the new event for that
// subscriber and logs a warning rather than blocking the publisher.
type Subscription struct {
	ch     chan Event
	bus    *EventBus
	closed bool
}

// C returns the channel to receive events from.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription; further broadcasts skip it.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// EventBus is the in-process fan-out described by the hub's event model: a
// monotonic sequence counter, a bounded ring of recent events for late
// joiners, an append-only JSONL log for the full history, and an embedded
// NATS broker so an external process could also subscribe without the hub
// knowing about it.
type EventBus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seq  uint64
	ring []Event

	broker *Broker
	client *Client

	logFile *os.File
	logW    *bufio.Writer
}

// New creates an EventBus backed by a freshly started embedded broker.
func New(cfg config.BusConfig) (*EventBus, error) {
	broker, err := NewBroker(cfg)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(broker)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("connect bus client: %w", err)
	}

	eb := &EventBus{
		subs:   make(map[*Subscription]struct{}),
		broker: broker,
		client: client,
	}
	return eb, nil
}

// OpenLog points the bus at an append-only JSONL file; every broadcast
// event is appended there in addition to being fanned out in-process.
func (b *EventBus) OpenLog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	b.mu.Lock()
	b.logFile = f
	b.logW = bufio.NewWriter(f)
	b.mu.Unlock()
	return nil
}

// ClientURL exposes the broker's address for external subscribers.
func (b *EventBus) ClientURL() string { return b.broker.ClientURL() }

// Subscribe registers a new bounded subscriber.
func (b *EventBus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberQueueCap), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
}

// Broadcast stamps seq+ts, appends to the ring and JSONL log, publishes to
// the embedded broker, and fans the event out to every live subscriber
// without blocking — a full subscriber queue drops that event for that
// subscriber only.
func (b *EventBus) Broadcast(kind, agent string, payload map[string]any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{Seq: b.seq, TS: time.Now(), Kind: kind, Agent: agent, Payload: payload}

	b.ring = append(b.ring, ev)
	if len(b.ring) > ringLogCap {
		b.ring = b.ring[len(b.ring)-ringLogCap:]
	}

	if b.logW != nil {
		if data, err := json.Marshal(ev); err == nil {
			b.logW.Write(data)
			b.logW.WriteByte('\n')
			b.logW.Flush()
		}
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if data, err := json.Marshal(ev); err == nil {
		_ = b.client.Publish(SubjectEvents, data)
		if ev.Kind == "agent_stderr" && ev.Agent != "" {
			_ = b.client.Publish(SubjectAgentOutput(ev.Agent), data)
		}
	}

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("event bus subscriber queue full, dropping event", "seq", ev.Seq, "kind", ev.Kind)
		}
	}

	return ev
}

// Recent returns up to n most recent events, oldest first, for a
// newly-attached subscriber to catch up on recent context.
func (b *EventBus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]Event, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// Close shuts down the broker and flushes the log file.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.logW != nil {
		b.logW.Flush()
	}
	if b.logFile != nil {
		b.logFile.Close()
	}
	b.mu.Unlock()

	b.client.Close()
	b.broker.Close()
}
