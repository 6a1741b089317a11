// Package oteltail tails a JSONL file written by an OTEL file exporter and
// yields (conversation_id, event_name) heartbeats — a side channel the hub
// can use to notice agent activity that never surfaces as an app-server
// notification (tool calls, spans) but still counts as a check-in.
package oteltail

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Event is one heartbeat extracted from a line of the tailed file.
type Event struct {
	ConversationID string
	Name           string
}

// Tailer polls path for new lines, seeking to EOF on open so historical
// lines are never replayed.
type Tailer struct {
	Path         string
	PollInterval time.Duration
}

// New builds a Tailer with a default 1s poll interval when interval <= 0.
func New(path string, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tailer{Path: path, PollInterval: interval}
}

// Run blocks, waiting for the file to appear, then tailing it and invoking
// onEvent for every line that yields a recognizable conversation id, until
// ctx is canceled.
func (t *Tailer) Run(ctx context.Context, onEvent func(Event)) error {
	for {
		if _, err := os.Stat(t.Path); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.PollInterval):
		}
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pos, _ := f.Seek(0, io.SeekCurrent)
		line, err := r.ReadString('\n')
		if err == io.EOF {
			_, _ = f.Seek(pos, io.SeekStart)
			r.Reset(f)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.PollInterval):
			}
			continue
		}
		if err != nil {
			return err
		}

		if ev, ok := parseLine(line); ok {
			onEvent(ev)
		}
	}
}

func parseLine(line string) (Event, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return Event{}, false
	}
	conv := extractConversationID(payload)
	if conv == "" {
		return Event{}, false
	}
	name := firstNonEmptyString(payload, "name", "event_name")
	if name == "" {
		if body, ok := payload["body"].(map[string]any); ok {
			name = firstNonEmptyString(body, "name")
		}
	}
	if name == "" {
		name = "otel_event"
	}
	return Event{ConversationID: conv, Name: name}, true
}

// extractConversationID tries several common shapes used by different OTEL
// exporters: top-level keys, then dotted attribute paths under
// "attributes", "resource", or "resource.attributes".
func extractConversationID(payload map[string]any) string {
	for _, key := range []string{"conversation_id", "session_id", "conversationId", "sessionId"} {
		if v, ok := payload[key]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}

	for _, root := range []string{"attributes", "resource", "resource.attributes"} {
		blob, ok := payload[root].(map[string]any)
		if !ok {
			blob = payload
		}
		for _, dotted := range []string{"conversation.id", "conversation_id", "session.id", "session_id"} {
			if s := dig(blob, dotted); s != "" {
				return s
			}
		}
	}
	return ""
}

func dig(obj map[string]any, dotted string) string {
	if v, ok := obj[dotted]; ok {
		if s := stringify(v); s != "" {
			return s
		}
	}
	cur := any(obj)
	for _, part := range splitDot(dotted) {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		v, ok := m[part]
		if !ok {
			return ""
		}
		cur = v
	}
	return stringify(cur)
}

func splitDot(s string) []string {
	return strings.Split(s, ".")
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return ""
	default:
		return ""
	}
}

func firstNonEmptyString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
