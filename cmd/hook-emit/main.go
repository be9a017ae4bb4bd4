// Command hook-emit is what agent CLIs run from their hook settings. It
// reads one hook record on stdin, stamps what the engine needs to
// correlate it, and appends it to the event log. When the log cannot
// be written it posts the record to the engine instead.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/agent-session-center/engine/internal/config"
	"github.com/agent-session-center/engine/internal/reader"
)

// terminalEnv carries the linking token of the terminal that launched
// the agent.
const terminalEnv = "AGENT_TERMINAL_ID"

const maxInput = 1 << 20

func main() {
	event := flag.StringP("event", "e", "", "hook_event_name to set when the record has none")
	source := flag.StringP("source", "s", "", "Producer name to set when the record has none")
	logPath := flag.String("event-log", "", "Event log path (default from config and environment)")
	configPath := flag.StringP("config", "c", "", "Path to the engine config file")
	serverURL := flag.String("url", "", "Engine base URL for the HTTP fallback (default from config)")
	timeout := flag.Duration("timeout", 2*time.Second, "HTTP fallback timeout")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Str("component", "hook-emit").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Msg("using default config")
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Warn().Err(err).Msg("ignoring invalid environment")
	}
	if *logPath != "" {
		cfg.EventLog.Path = *logPath
	}
	base := *serverURL
	if base == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	record, err := readRecord(os.Stdin)
	if err != nil {
		log.Error().Err(err).Msg("dropping hook")
		// A broken hook must never block the agent that ran it.
		return
	}
	stamp(record, defaults{
		event:  *event,
		source: *source,
		now:    time.Now(),
		ppid:   os.Getppid(),
		lookup: os.LookupEnv,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := deliver(ctx, record, cfg.EventLog.Path, base, cfg.Server.AuthToken); err != nil {
		log.Error().Err(err).Msg("hook not delivered")
	}
}

func readRecord(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInput))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		return nil, fmt.Errorf("decode stdin: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("decode stdin: not an object")
	}
	return record, nil
}

type defaults struct {
	event  string
	source string
	now    time.Time
	ppid   int
	lookup func(string) (string, bool)
}

// stamp fills in the fields producers usually leave out. Values the
// producer did send are never overwritten.
func stamp(record map[string]any, d defaults) {
	setDefault := func(key string, v any) {
		if cur, ok := record[key]; !ok || cur == nil || cur == "" {
			record[key] = v
		}
	}
	if d.event != "" {
		setDefault("hook_event_name", d.event)
	}
	if d.source != "" {
		setDefault("source", d.source)
	}
	setDefault("timestamp", d.now.UnixMilli())
	if d.ppid > 1 {
		setDefault("pid", d.ppid)
	}
	if tid, ok := d.lookup(terminalEnv); ok && strings.TrimSpace(tid) != "" {
		setDefault("terminal_id", strings.TrimSpace(tid))
	}
}

func deliver(ctx context.Context, record map[string]any, path, baseURL, token string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	appendErr := reader.Append(path, data)
	if appendErr == nil {
		return nil
	}
	log.Warn().Err(appendErr).Msg("event log unavailable, posting to engine")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/hooks", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post hook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post hook: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
