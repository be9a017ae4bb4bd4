// Package hook defines the canonical lifecycle event emitted by agent
// CLI adapters and converts raw log lines into it.
package hook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the canonical hook_event_name.
type Type int

const (
	Unknown Type = iota
	SessionStart
	SessionEnd
	PromptSubmitted
	ToolBegin
	ToolEnd
	ToolFailed
	PermissionNeeded
	TurnComplete
	ParentMarker
	ChildMarker
	Notification
)

var typeNames = map[Type]string{
	Unknown:          "unknown",
	SessionStart:     "session-start",
	SessionEnd:       "session-end",
	PromptSubmitted:  "prompt-submitted",
	ToolBegin:        "tool-begin",
	ToolEnd:          "tool-end",
	ToolFailed:       "tool-failed",
	PermissionNeeded: "permission-needed",
	TurnComplete:     "turn-complete",
	ParentMarker:     "parent-marker",
	ChildMarker:      "child-marker",
	Notification:     "notification",
}

var typeFromName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		if t != Unknown {
			m[name] = t
		}
	}
	return m
}()

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType maps a hook_event_name to its Type. ok is false for names
// outside the canonical vocabulary.
func ParseType(name string) (Type, bool) {
	t, ok := typeFromName[name]
	return t, ok
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseType(s)
	if !ok {
		return fmt.Errorf("unknown hook event %q", s)
	}
	*t = parsed
	return nil
}

// Event is one validated hook. The base fields are common to every
// kind; Payload carries the kind-specific part and its concrete type
// is fixed by Type.
type Event struct {
	SessionID string
	Type      Type
	Timestamp time.Time
	// Offset is the byte position just past this event's line in the
	// event log. Zero for events delivered over HTTP.
	Offset int64

	Cwd             string
	PID             int
	TerminalID      string
	ParentSessionID string
	Source          string
	Model           string

	Payload Payload
	// Extra holds enrichment keys the engine does not interpret.
	Extra map[string]any
}

// StartLike reports whether the event opens a session lifecycle.
func (e *Event) StartLike() bool { return e.Type == SessionStart }

// EndLike reports whether the event closes a session lifecycle.
func (e *Event) EndLike() bool { return e.Type == SessionEnd }

// Payload is implemented by the per-kind event bodies.
type Payload interface {
	kind() Type
}

type Start struct {
	Model string
}

type End struct {
	Reason string
}

type Prompt struct {
	Text string
}

// Tool is the payload of tool-begin, tool-end and tool-failed.
type Tool struct {
	Name  string
	Input string
	Error string
	// begin and failed select which of the three tool kinds this is.
	failed bool
	begin  bool
}

func (t Tool) Failed() bool { return t.failed }

type Permission struct {
	Tool    string
	Message string
}

type TurnDone struct{}

// ParentHint announces that a session is about to spawn a child agent
// in the same working directory.
type ParentHint struct {
	AgentType   string
	Description string
}

// ChildHint is emitted by a child agent naming its parent.
type ChildHint struct {
	AgentType string
}

type Note struct {
	Message string
	Kind    string
}

// NoteSignal is the status change a notification stands for.
type NoteSignal int

const (
	NoteInfo NoteSignal = iota
	NoteApproval
	NoteInput
)

// Signal maps the producer's notification_type onto an explicit status
// signal. Unrecognized kinds are informational.
func (n Note) Signal() NoteSignal {
	switch kind := strings.ToLower(n.Kind); {
	case kind == "permission_prompt", strings.Contains(kind, "permission"), strings.Contains(kind, "approval"):
		return NoteApproval
	case kind == "elicitation_dialog":
		return NoteInput
	}
	return NoteInfo
}

func (Start) kind() Type      { return SessionStart }
func (End) kind() Type        { return SessionEnd }
func (Prompt) kind() Type     { return PromptSubmitted }
func (Permission) kind() Type { return PermissionNeeded }
func (TurnDone) kind() Type   { return TurnComplete }
func (ParentHint) kind() Type { return ParentMarker }
func (ChildHint) kind() Type  { return ChildMarker }
func (Note) kind() Type       { return Notification }

func (t Tool) kind() Type {
	switch {
	case t.begin:
		return ToolBegin
	case t.failed:
		return ToolFailed
	default:
		return ToolEnd
	}
}

// NewToolBegin, NewToolEnd and NewToolFailed build Tool payloads.
func NewToolBegin(name, input string) Tool { return Tool{Name: name, Input: input, begin: true} }
func NewToolEnd(name string) Tool          { return Tool{Name: name} }
func NewToolFailed(name, errMsg string) Tool {
	return Tool{Name: name, Error: errMsg, failed: true}
}

// ToolName returns the tool named by a tool or permission payload.
func (e *Event) ToolName() string {
	switch p := e.Payload.(type) {
	case Tool:
		return p.Name
	case Permission:
		return p.Tool
	}
	return ""
}
