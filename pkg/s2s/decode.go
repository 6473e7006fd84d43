package s2s

// Decode helpers for inbound envelopes. The egress path works on
// map[string]any rather than typed structs because backend events carry
// shapes this package does not enumerate (audioOutput, textOutput,
// usageEvent, ...) and the proxy forwards them untouched apart from a
// timestamp stamp.

// EventName returns the sole key under "event" in a decoded envelope.
// ok is false when the map has no "event" object or the object is empty.
// Should the backend ever send more than one key, the first in map order
// wins; the protocol does not do that.
func EventName(env map[string]any) (string, bool) {
	body, ok := env["event"].(map[string]any)
	if !ok {
		return "", false
	}
	for name := range body {
		return name, true
	}
	return "", false
}

// EventBody returns the payload object of the named event, or nil when the
// envelope does not carry that event or the payload is not an object.
func EventBody(env map[string]any, name string) map[string]any {
	body, ok := env["event"].(map[string]any)
	if !ok {
		return nil
	}
	payload, ok := body[name].(map[string]any)
	if !ok {
		return nil
	}
	return payload
}

// ToolUse is the inbound request for a local tool invocation.
type ToolUse struct {
	// Name is the tool's declared name, matched case-insensitively at
	// dispatch time.
	Name string

	// ID correlates the eventual toolResult block with this request.
	ID string

	// Content is the full toolUse payload; its "content" field carries the
	// argument JSON string.
	Content map[string]any
}

// ParseToolUse extracts the tool-use fields from a decoded envelope.
// ok is false when the envelope is not a toolUse event.
func ParseToolUse(env map[string]any) (ToolUse, bool) {
	body := EventBody(env, "toolUse")
	if body == nil {
		return ToolUse{}, false
	}
	tu := ToolUse{Content: body}
	tu.Name, _ = body["toolName"].(string)
	tu.ID, _ = body["toolUseId"].(string)
	return tu, true
}

// ContentEndType returns the "type" field of a contentEnd event, or the
// empty string when the envelope is not a contentEnd or carries no type.
func ContentEndType(env map[string]any) string {
	body := EventBody(env, "contentEnd")
	if body == nil {
		return ""
	}
	t, _ := body["type"].(string)
	return t
}

// StringField reads a string-valued field from an event payload, returning
// "" when absent or of another type.
func StringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}
