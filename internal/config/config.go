package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Detector  DetectorConfig  `yaml:"detector"`
	Idle      IdleConfig      `yaml:"idle"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Team      TeamConfig      `yaml:"team"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// EventLogConfig controls the tailed append-only hook log.
type EventLogConfig struct {
	Path           string        `yaml:"path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxSize        int64         `yaml:"max_size"`
	MaxLine        int           `yaml:"max_line"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// DetectorConfig holds the approval/input timeout per tool category.
// Tools maps a tool name to a category name and overrides the
// built-in classification.
type DetectorConfig struct {
	Fast      time.Duration     `yaml:"fast"`
	UserInput time.Duration     `yaml:"user_input"`
	Medium    time.Duration     `yaml:"medium"`
	Slow      time.Duration     `yaml:"slow"`
	Tools     map[string]string `yaml:"tools"`
}

// IdleConfig holds the per-status demotion thresholds.
type IdleConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SettleAfter   time.Duration `yaml:"settle_after"`
	Prompting     time.Duration `yaml:"prompting"`
	Working       time.Duration `yaml:"working"`
	Waiting       time.Duration `yaml:"waiting"`
	Approval      time.Duration `yaml:"approval"`
	Input         time.Duration `yaml:"input"`
}

type MatcherConfig struct {
	LinkTTL      time.Duration `yaml:"link_ttl"`
	ResumeTTL    time.Duration `yaml:"resume_ttl"`
	ReviveWindow time.Duration `yaml:"revive_window"`
}

type TeamConfig struct {
	ChildHintTTL time.Duration `yaml:"child_hint_ttl"`
	DeleteDelay  time.Duration `yaml:"delete_delay"`
}

type SessionsConfig struct {
	EndedGrace    time.Duration `yaml:"ended_grace"`
	EventLogSize  int           `yaml:"event_log_size"`
	ToolLogSize   int           `yaml:"tool_log_size"`
	PromptLogSize int           `yaml:"prompt_log_size"`
}

type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type BroadcastConfig struct {
	RingSize      int           `yaml:"ring_size"`
	SendQueue     int           `yaml:"send_queue"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8420,
			Host:           "127.0.0.1",
			MaxConnections: 64,
		},
		EventLog: EventLogConfig{
			Path:           defaultDataPath("events.jsonl"),
			PollInterval:   500 * time.Millisecond,
			HealthInterval: 5 * time.Second,
			MaxSize:        1 << 20,
			MaxLine:        1 << 20,
		},
		Snapshot: SnapshotConfig{
			Path:     defaultDataPath("snapshot.json"),
			Interval: 10 * time.Second,
		},
		Detector: DetectorConfig{
			Fast:      3 * time.Second,
			UserInput: 3 * time.Second,
			Medium:    15 * time.Second,
			Slow:      8 * time.Second,
		},
		Idle: IdleConfig{
			SweepInterval: 10 * time.Second,
			SettleAfter:   10 * time.Second,
			Prompting:     30 * time.Second,
			Working:       3 * time.Minute,
			Waiting:       2 * time.Minute,
			Approval:      10 * time.Minute,
			Input:         10 * time.Minute,
		},
		Matcher: MatcherConfig{
			LinkTTL:      30 * time.Second,
			ResumeTTL:    60 * time.Second,
			ReviveWindow: 10 * time.Minute,
		},
		Team: TeamConfig{
			ChildHintTTL: 30 * time.Second,
			DeleteDelay:  15 * time.Second,
		},
		Sessions: SessionsConfig{
			EndedGrace:    time.Minute,
			EventLogSize:  50,
			ToolLogSize:   200,
			PromptLogSize: 50,
		},
		Monitor: MonitorConfig{
			Interval:         15 * time.Second,
			FailureThreshold: 3,
		},
		Broadcast: BroadcastConfig{
			RingSize:      512,
			SendQueue:     256,
			StatsInterval: 2 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.agent-session-center/" + name
}

// Load reads a YAML file layered over Default. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment. lookup is
// os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SESSION_CENTER_TOKEN"); ok {
		c.Server.AuthToken = v
	}
	if v, ok := lookup("SESSION_CENTER_EVENT_LOG"); ok && v != "" {
		c.EventLog.Path = v
	}
	if v, ok := lookup("SESSION_CENTER_SNAPSHOT"); ok && v != "" {
		c.Snapshot.Path = v
	}
	if v, ok := lookup("SESSION_CENTER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSION_CENTER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"event_log.poll_interval":   c.EventLog.PollInterval,
		"event_log.health_interval": c.EventLog.HealthInterval,
		"snapshot.interval":         c.Snapshot.Interval,
		"detector.fast":             c.Detector.Fast,
		"detector.user_input":       c.Detector.UserInput,
		"detector.medium":           c.Detector.Medium,
		"detector.slow":             c.Detector.Slow,
		"idle.sweep_interval":       c.Idle.SweepInterval,
		"matcher.link_ttl":          c.Matcher.LinkTTL,
		"matcher.resume_ttl":        c.Matcher.ResumeTTL,
		"monitor.interval":          c.Monitor.Interval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	for name, d := range c.Idle.Thresholds() {
		if d <= c.Idle.SweepInterval {
			errs = append(errs, fmt.Errorf("idle.%s (%s) must exceed idle.sweep_interval (%s)", name, d, c.Idle.SweepInterval))
		}
	}

	if c.EventLog.Path == "" {
		errs = append(errs, errors.New("event_log.path is required"))
	}
	if c.EventLog.MaxLine <= 0 {
		errs = append(errs, errors.New("event_log.max_line must be positive"))
	}
	if c.Broadcast.RingSize <= 0 {
		errs = append(errs, errors.New("broadcast.ring_size must be positive"))
	}
	if c.Monitor.FailureThreshold <= 0 {
		errs = append(errs, errors.New("monitor.failure_threshold must be positive"))
	}
	return errors.Join(errs...)
}

// Thresholds returns the idle thresholds keyed by status name.
func (i IdleConfig) Thresholds() map[string]time.Duration {
	return map[string]time.Duration{
		"prompting": i.Prompting,
		"working":   i.Working,
		"waiting":   i.Waiting,
		"approval":  i.Approval,
		"input":     i.Input,
	}
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
