// Package mock produces synthetic hook traffic for demos: a handful of
// agents that prompt, run tools, stall on approvals, spawn subagents
// and exit, written to the event log exactly as real producers would.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
)

// DefaultInterval is the spacing between generator ticks.
const DefaultInterval = 500 * time.Millisecond

// Sink receives one encoded hook record per call.
type Sink func(record []byte) error

type mockSession struct {
	id      string
	cwd     string
	source  string
	model   string
	pattern string
	tools   []string
	parent  string

	spawnTick int
	endTick   int // 0 means the session never ends on its own
	toolIdx   int
	started   bool
	ended     bool
	pending   string
}

type Generator struct {
	sink     Sink
	clock    clock.Clock
	interval time.Duration
	rng      *rand.Rand
	sessions []*mockSession
	tick     int
}

func NewGenerator(sink Sink, clk clock.Clock, seed int64) *Generator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Generator{
		sink:     sink,
		clock:    clk,
		interval: DefaultInterval,
		rng:      rand.New(rand.NewSource(seed)),
		sessions: defaultCast(),
	}
}

func defaultCast() []*mockSession {
	return []*mockSession{
		{id: "mock-refactor", cwd: "/home/user/myproject", source: "claude", model: "claude-opus-4-5",
			pattern: "steady", tools: []string{"Read", "Grep", "Edit", "Write", "Bash"}},
		{id: "mock-refactor-researcher", cwd: "/home/user/myproject", source: "claude", model: "claude-haiku-4-5",
			pattern: "steady", tools: []string{"Read", "Grep", "Glob"}, parent: "mock-refactor", spawnTick: 9, endTick: 40},
		{id: "mock-tests", cwd: "/home/user/webapp", source: "claude", model: "claude-sonnet-4-5",
			pattern: "burst", tools: []string{"Bash", "Write", "Bash"}},
		{id: "mock-deploy", cwd: "/home/user/infra", source: "codex", model: "o3",
			pattern: "approval", tools: []string{"Bash"}},
		{id: "mock-question", cwd: "/home/user/frontend", source: "claude", model: "claude-sonnet-4-5",
			pattern: "input", tools: []string{"AskUserQuestion"}},
		{id: "mock-analyze", cwd: "/home/user/analytics", source: "gemini", model: "gemini-2.5-pro",
			pattern: "quiet"},
		{id: "mock-migrate", cwd: "/home/user/database", source: "codex", model: "o3",
			pattern: "burst", tools: []string{"Read", "Write", "Bash"}, endTick: 60},
	}
}

// Run steps the generator until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Step(); err != nil {
				log.Warn().Err(err).Str("component", "mock").Msg("write failed")
			}
		}
	}
}

// Step advances every synthetic session by one tick.
func (g *Generator) Step() error {
	g.tick++
	for _, ms := range g.sessions {
		if ms.ended || g.tick <= ms.spawnTick {
			continue
		}
		if !ms.started && ms.parent != "" {
			if err := g.announce(ms); err != nil {
				return err
			}
		}
		for _, rec := range g.advance(ms, g.tick-ms.spawnTick) {
			if err := g.emit(ms, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

type record map[string]any

func (g *Generator) emit(ms *mockSession, rec record) error {
	rec["session_id"] = ms.id
	rec["timestamp"] = g.clock.Now().UTC().Format(time.RFC3339Nano)
	rec["cwd"] = ms.cwd
	rec["source"] = ms.source
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ms.id, err)
	}
	return g.sink(data)
}

func (g *Generator) advance(ms *mockSession, age int) []record {
	if !ms.started {
		ms.started = true
		return []record{{"hook_event_name": "session-start", "model": ms.model}}
	}
	if ms.endTick > 0 && g.tick >= ms.endTick {
		ms.ended = true
		return []record{{"hook_event_name": "session-end", "reason": "exit"}}
	}

	switch ms.pattern {
	case "steady":
		return g.cycle(ms, age, 6, false)
	case "burst":
		return g.cycle(ms, age, 4, true)
	case "approval":
		return g.stall(ms, age, 50, "rm -rf build && make deploy")
	case "input":
		return g.stall(ms, age, 40, "Which database should I target?")
	case "quiet":
		if age == 2 {
			return []record{{"hook_event_name": "prompt-submitted", "prompt": "summarize last week's metrics"}}
		}
	}
	return nil
}

// cycle is a prompt followed by alternating tool calls and a turn end.
func (g *Generator) cycle(ms *mockSession, age, period int, failures bool) []record {
	switch phase := age % period; {
	case phase == 1:
		return []record{{"hook_event_name": "prompt-submitted", "prompt": fmt.Sprintf("step %d", age/period+1)}}
	case phase == 0:
		if ms.pending != "" {
			return nil
		}
		return []record{{"hook_event_name": "turn-complete"}}
	case ms.pending == "":
		ms.pending = ms.tools[ms.toolIdx%len(ms.tools)]
		ms.toolIdx++
		return []record{{"hook_event_name": "tool-begin", "tool_name": ms.pending, "tool_input": map[string]any{"file_path": ms.cwd + "/main.go"}}}
	default:
		name := ms.pending
		ms.pending = ""
		if failures && g.rng.Float64() < 0.25 {
			return []record{{"hook_event_name": "tool-failed", "tool_name": name, "error": "exit status 1"}}
		}
		return []record{{"hook_event_name": "tool-end", "tool_name": name}}
	}
}

// stall starts a tool and then goes silent, leaving the engine to infer
// that the agent is blocked on the user, until the tool finally ends.
func (g *Generator) stall(ms *mockSession, age, period int, input string) []record {
	tool := ms.tools[0]
	switch age % period {
	case 1:
		return []record{{"hook_event_name": "prompt-submitted", "prompt": "ship it"}}
	case 2:
		ms.pending = tool
		return []record{{"hook_event_name": "tool-begin", "tool_name": tool, "tool_input": map[string]any{"command": input}}}
	case period - 2:
		ms.pending = ""
		return []record{{"hook_event_name": "tool-end", "tool_name": tool}}
	case period - 1:
		return []record{{"hook_event_name": "turn-complete"}}
	}
	return nil
}

// announce has the parent of a subagent emit the marker a real agent
// writes just before spawning one. The child's start carries no parent
// id, so the engine has to correlate the two by working directory.
func (g *Generator) announce(child *mockSession) error {
	for _, ms := range g.sessions {
		if ms.id == child.parent && ms.started && !ms.ended {
			return g.emit(ms, record{"hook_event_name": "parent-marker", "agent_type": "researcher", "description": "explore the codebase"})
		}
	}
	return nil
}
