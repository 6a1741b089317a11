package hub

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// controlBlockRe matches a fenced ```control (or ```json control) block and
// captures its body. The optional "json " prefix and the whitespace run
// before "control" both exist in the wild; \s+ (not a literal backslash-s)
// is the grammar that round-trips against a single spawn block cleanly.
var controlBlockRe = regexp.MustCompile(`(?is)` + "```" + `(?:json\s+)?control\s*\n(.*?)\n` + "```")

var blankRunRe = regexp.MustCompile(`\n{2,}`)

var controlKeys = []string{"spawn", "send", "close", "exec", "status", "fetch"}

// ExtractControlBlocks returns every control block found in text, in
// source order, including the fallback form (a bare line that is itself a
// single-line JSON object carrying one of spawn/send/close). Duplicate
// blocks (identical canonical JSON) are suppressed.
func ExtractControlBlocks(text string) []map[string]any {
	if text == "" {
		return nil
	}

	var blocks []map[string]any
	seen := make(map[string]struct{})

	for _, m := range controlBlockRe.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		payload, ok := decodeControlObject(candidate)
		if !ok {
			continue
		}
		sig := canonicalSignature(payload)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		blocks = append(blocks, payload)
	}

	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if !strings.HasPrefix(candidate, "{") || !strings.HasSuffix(candidate, "}") {
			continue
		}
		payload, ok := decodeControlObject(candidate)
		if !ok {
			continue
		}
		if !hasAnyKey(payload, "spawn", "send", "close") {
			continue
		}
		sig := canonicalSignature(payload)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		blocks = append(blocks, payload)
	}

	return blocks
}

// StripControlBlocks removes every fenced control block from text and
// collapses the resulting runs of blank lines, returning prose suitable
// for broadcasting to a human.
func StripControlBlocks(text string) string {
	if text == "" {
		return ""
	}
	cleaned := controlBlockRe.ReplaceAllString(text, "")
	cleaned = blankRunRe.ReplaceAllString(cleaned, "\n")
	return strings.TrimSpace(cleaned)
}

func decodeControlObject(candidate string) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// canonicalSignature produces a stable string for duplicate detection,
// equivalent to Python's json.dumps(..., sort_keys=True).
func canonicalSignature(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(m))
	for _, k := range keys {
		ordered[k] = m[k]
	}
	data, _ := json.Marshal(ordered)
	return string(data)
}

// firstBlockKey returns the first recognized control key present in a
// block, used for the autopilot_suppressed summary.
func firstBlockKey(block map[string]any) string {
	for _, k := range controlKeys {
		if _, ok := block[k]; ok {
			return k
		}
	}
	for k := range block {
		return k
	}
	return "unknown"
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// CanonicalAgentName lowercases a proposed agent name, replaces runs of
// non [a-z0-9] characters with underscores, and strips leading/trailing
// underscores. An empty result becomes "agent". Idempotent:
// CanonicalAgentName(CanonicalAgentName(x)) == CanonicalAgentName(x).
func CanonicalAgentName(name string) string {
	lowered := strings.ToLower(name)
	replaced := nonAlnumRe.ReplaceAllString(lowered, "_")
	trimmed := strings.Trim(replaced, "_")
	if trimmed == "" {
		return "agent"
	}
	return trimmed
}
