package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Idle Status = iota
	Prompting
	Working
	Approval
	Input
	Waiting
	Connecting
	Ended
)

var statusNames = map[Status]string{
	Idle:       "idle",
	Prompting:  "prompting",
	Working:    "working",
	Approval:   "approval",
	Input:      "input",
	Waiting:    "waiting",
	Connecting: "connecting",
	Ended:      "ended",
}

var statusFromName = map[string]Status{
	"idle":       Idle,
	"prompting":  Prompting,
	"working":    Working,
	"approval":   Approval,
	"input":      Input,
	"waiting":    Waiting,
	"connecting": Connecting,
	"ended":      Ended,
}

// Statuses lists every status in declaration order.
var Statuses = []Status{Idle, Prompting, Working, Approval, Input, Waiting, Connecting, Ended}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// PendingTool is the single tool a session is currently waiting on.
type PendingTool struct {
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Input    string    `json:"input,omitempty"`
	ArmedAt  time.Time `json:"armedAt"`
}

// LogEntry is one line of a session's event history.
type LogEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

type ToolEntry struct {
	At      time.Time `json:"at"`
	Tool    string    `json:"tool"`
	Input   string    `json:"input,omitempty"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

type PromptEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Log size limits applied by the Append methods.
type Limits struct {
	Events  int
	Tools   int
	Prompts int
}

type Session struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Project string `json:"project,omitempty"`
	Source  string `json:"source,omitempty"`
	Model   string `json:"model,omitempty"`
	Status  Status `json:"status"`
	Cwd     string `json:"cwd,omitempty"`

	StartedAt      time.Time  `json:"startedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	EndReason      string     `json:"endReason,omitempty"`
	// RestartEnded marks a session ended only because the engine
	// restarted and could not confirm its process. Such sessions can
	// be revived by matching activity.
	RestartEnded bool   `json:"restartEnded,omitempty"`
	PreEndStatus Status `json:"preEndStatus"`

	PendingTool *PendingTool `json:"pendingTool,omitempty"`
	CachedPID   int          `json:"cachedPid,omitempty"`
	TerminalID  string       `json:"terminalId,omitempty"`
	Interactive bool         `json:"interactive,omitempty"`
	DisplayOnly bool         `json:"displayOnly,omitempty"`

	TeamID          string   `json:"teamId,omitempty"`
	ParentSessionID string   `json:"parentSessionId,omitempty"`
	ChildSessionIDs []string `json:"childSessionIds,omitempty"`

	ReplacesID string `json:"replacesId,omitempty"`
	// Aliases are producer session ids routed to this session after an
	// auto-revive.
	Aliases []string `json:"aliases,omitempty"`

	ToolCount     int `json:"toolCount"`
	PromptCount   int `json:"promptCount"`
	ApprovalCount int `json:"approvalCount"`

	Events    []LogEntry    `json:"events"`
	ToolLog   []ToolEntry   `json:"toolLog"`
	PromptLog []PromptEntry `json:"promptLog"`
}

// Clone returns a deep copy of the Session, duplicating pointer and
// slice fields so the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.PendingTool != nil {
		p := *s.PendingTool
		c.PendingTool = &p
	}
	c.ChildSessionIDs = cloneSlice(s.ChildSessionIDs)
	c.Aliases = cloneSlice(s.Aliases)
	c.Events = cloneSlice(s.Events)
	c.ToolLog = cloneSlice(s.ToolLog)
	c.PromptLog = cloneSlice(s.PromptLog)
	return &c
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func (s *Session) IsTerminal() bool {
	return s.Status == Ended
}

func (s *Session) AppendEvent(e LogEntry, limit int) {
	s.Events = appendBounded(s.Events, e, limit)
}

func (s *Session) AppendTool(e ToolEntry, limit int) {
	s.ToolLog = appendBounded(s.ToolLog, e, limit)
}

func (s *Session) AppendPrompt(e PromptEntry, limit int) {
	s.PromptLog = appendBounded(s.PromptLog, e, limit)
}

// appendBounded appends v and drops the oldest entries beyond limit.
// A non-positive limit means unbounded.
func appendBounded[T any](log []T, v T, limit int) []T {
	log = append(log, v)
	if limit > 0 && len(log) > limit {
		n := copy(log, log[len(log)-limit:])
		clear(log[n:])
		log = log[:n]
	}
	return log
}

// AddChild records a child id once.
func (s *Session) AddChild(id string) bool {
	for _, c := range s.ChildSessionIDs {
		if c == id {
			return false
		}
	}
	s.ChildSessionIDs = append(s.ChildSessionIDs, id)
	return true
}

// HasAlias reports whether id routes to this session.
func (s *Session) HasAlias(id string) bool {
	for _, a := range s.Aliases {
		if a == id {
			return true
		}
	}
	return false
}
