package hub

import "encoding/json"

// extractText pulls assistant text out of a notification's params object.
// A direct "text" string wins; otherwise every item in "items" or "deltas"
// whose type is text-like is concatenated, and nested "message" shapes
// (string, {text}, or a list of strings/objects) are flattened.
func extractText(params map[string]any) string {
	if t, ok := params["text"].(string); ok {
		return t
	}

	var buf string
	for _, key := range []string{"items", "deltas"} {
		list, ok := params[key].([]any)
		if !ok {
			continue
		}
		for _, raw := range list {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if !isTextLikeItem(item) {
				continue
			}
			if t, ok := item["text"].(string); ok {
				buf += t
			}
		}
	}
	if buf != "" {
		return buf
	}

	if msg, ok := params["message"]; ok {
		return flattenMessage(msg)
	}
	if content, ok := params["content"]; ok {
		return flattenMessage(content)
	}
	return ""
}

func isTextLikeItem(item map[string]any) bool {
	t, _ := item["type"].(string)
	switch t {
	case "text", "assistant_delta", "assistant_message":
		return true
	default:
		return false
	}
}

// flattenMessage handles the several message shapes a backend might emit:
// a bare string, an object carrying "text" or a "content" array of
// {text}-objects, or a list of strings/objects of either shape.
func flattenMessage(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if t, ok := val["text"].(string); ok {
			return t
		}
		if content, ok := val["content"].([]any); ok {
			var out string
			for _, c := range content {
				out += flattenMessage(c)
			}
			return out
		}
		return ""
	case []any:
		var out string
		for _, item := range val {
			out += flattenMessage(item)
		}
		return out
	default:
		return ""
	}
}

// decodeParams is a convenience used by the inbound router: most
// notifications carry a map-shaped params object, and a malformed one is
// simply treated as empty.
func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
