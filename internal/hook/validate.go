package hook

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrMalformed        = errors.New("malformed hook line")
	ErrMissingSessionID = errors.New("missing session_id")
	ErrUnknownEvent     = errors.New("unknown hook_event_name")
)

// RejectError is returned for lines that cannot become an Event.
// Reason is a short, stable label suitable for metrics.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string { return e.Reason + ": " + e.Err.Error() }
func (e *RejectError) Unwrap() error { return e.Err }

// RejectReason returns the metric label for a validation error.
func RejectReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return "malformed"
}

func reject(reason string, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

// Keys consumed into Event fields; everything else lands in Extra.
var knownKeys = map[string]bool{
	"session_id":        true,
	"hook_event_name":   true,
	"timestamp":         true,
	"cwd":               true,
	"pid":               true,
	"terminal_id":       true,
	"parent_session_id": true,
	"source":            true,
	"model":             true,
	"tool_name":         true,
	"tool_input":        true,
	"error":             true,
	"prompt":            true,
	"message":           true,
	"notification_type": true,
	"agent_type":        true,
	"description":       true,
	"reason":            true,
}

const maxSummary = 240

// Validate turns one raw log line into an Event. received stamps
// events that carry no timestamp of their own.
func Validate(line []byte, received time.Time) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, reject("malformed", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if raw == nil {
		return nil, reject("malformed", fmt.Errorf("%w: not an object", ErrMalformed))
	}
	return FromMap(raw, received)
}

// FromMap validates an already-decoded record, as received by the
// HTTP fallback path.
func FromMap(raw map[string]any, received time.Time) (*Event, error) {
	sessionID := strings.TrimSpace(stringField(raw, "session_id"))
	if sessionID == "" {
		return nil, reject("missing_session_id", ErrMissingSessionID)
	}

	name := stringField(raw, "hook_event_name")
	typ, ok := ParseType(name)
	if !ok {
		return nil, reject("unknown_event", fmt.Errorf("%w: %q", ErrUnknownEvent, name))
	}

	ts, ok := parseTimestamp(raw["timestamp"])
	if !ok {
		ts = received
	}

	ev := &Event{
		SessionID:       sessionID,
		Type:            typ,
		Timestamp:       ts,
		Cwd:             stringField(raw, "cwd"),
		PID:             intField(raw, "pid"),
		TerminalID:      stringField(raw, "terminal_id"),
		ParentSessionID: stringField(raw, "parent_session_id"),
		Source:          stringField(raw, "source"),
		Model:           stringField(raw, "model"),
	}

	tool := stringField(raw, "tool_name")
	switch typ {
	case SessionStart:
		ev.Payload = Start{Model: ev.Model}
	case SessionEnd:
		ev.Payload = End{Reason: stringField(raw, "reason")}
	case PromptSubmitted:
		ev.Payload = Prompt{Text: truncate(stringField(raw, "prompt"), maxSummary)}
	case ToolBegin:
		ev.Payload = NewToolBegin(tool, summarizeInput(raw["tool_input"]))
	case ToolEnd:
		ev.Payload = NewToolEnd(tool)
	case ToolFailed:
		ev.Payload = NewToolFailed(tool, truncate(stringField(raw, "error"), maxSummary))
	case PermissionNeeded:
		ev.Payload = Permission{Tool: tool, Message: stringField(raw, "message")}
	case TurnComplete:
		ev.Payload = TurnDone{}
	case ParentMarker:
		ev.Payload = ParentHint{
			AgentType:   stringField(raw, "agent_type"),
			Description: truncate(stringField(raw, "description"), maxSummary),
		}
	case ChildMarker:
		ev.Payload = ChildHint{AgentType: stringField(raw, "agent_type")}
	case Notification:
		ev.Payload = Note{
			Message: truncate(stringField(raw, "message"), maxSummary),
			Kind:    stringField(raw, "notification_type"),
		}
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]any)
		}
		ev.Extra[k] = v
	}
	return ev, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func intField(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case float64:
		if v > 0 && v < math.MaxInt32 {
			return int(v)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// parseTimestamp accepts RFC 3339 strings and Unix epoch numbers in
// milliseconds (or seconds, for values too small to be milliseconds).
func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, true
		}
	case float64:
		if ts <= 0 {
			return time.Time{}, false
		}
		if ts < 1e11 {
			return time.Unix(0, int64(ts*float64(time.Second))), true
		}
		return time.UnixMilli(int64(ts)), true
	}
	return time.Time{}, false
}

// summarizeInput reduces a tool_input object to the one field a human
// would recognise it by.
func summarizeInput(v any) string {
	switch in := v.(type) {
	case string:
		return truncate(in, maxSummary)
	case map[string]any:
		for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query", "description", "prompt"} {
			if s, ok := in[key].(string); ok && s != "" {
				return truncate(s, maxSummary)
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
