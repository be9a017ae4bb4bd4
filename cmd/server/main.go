package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/config"
	"github.com/agent-session-center/engine/internal/engine"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/mock"
	"github.com/agent-session-center/engine/internal/monitor"
	"github.com/agent-session-center/engine/internal/reader"
	"github.com/agent-session-center/engine/internal/session"
	"github.com/agent-session-center/engine/internal/snapshot"
	"github.com/agent-session-center/engine/internal/stats"
	"github.com/agent-session-center/engine/internal/ws"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Path to config file")
	port := flag.IntP("port", "p", 0, "Override server port")
	eventLog := flag.String("event-log", "", "Override the hook event log path")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	pretty := flag.Bool("pretty", false, "Human-readable console logs")
	mockMode := flag.Bool("mock", false, "Append synthetic hook traffic to the event log")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *eventLog != "" {
		cfg.EventLog.Path = *eventLog
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *pretty {
		cfg.Log.Pretty = true
	}
	setupLogging(cfg.Log)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockMode); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shut down cleanly")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(ctx context.Context, cfg *config.Config, mockMode bool) error {
	clk := clock.Real()
	m := metrics.New()
	inspector := monitor.ProcessInspector{}
	privacy := &session.PrivacyFilter{
		MaskWorkingDirs: cfg.Privacy.MaskWorkingDirs,
		MaskSessionIDs:  cfg.Privacy.MaskSessionIDs,
		MaskPIDs:        cfg.Privacy.MaskPIDs,
		AllowedPaths:    cfg.Privacy.AllowedPaths,
		BlockedPaths:    cfg.Privacy.BlockedPaths,
	}

	snapStore := snapshot.NewStore(cfg.Snapshot.Path)
	state, err := snapStore.Load()
	if err != nil {
		// A snapshot we cannot read is not worth refusing to start
		// over; the event log still holds everything after it.
		log.Error().Err(err).Str("component", "snapshot").Str("path", snapStore.Path()).Msg("ignoring unreadable snapshot")
		state = snapshot.New()
	}
	if ended := snapshot.Recover(state, inspector.Alive, clk.Now()); len(ended) > 0 {
		log.Info().Str("component", "snapshot").Strs("sessions", ended).Msg("sessions without a live process marked ended")
	}

	hub := ws.NewHub(ws.HubOptions{
		RingSize:       cfg.Broadcast.RingSize,
		SendQueue:      cfg.Broadcast.SendQueue,
		MaxConnections: cfg.Server.MaxConnections,
		Privacy:        privacy,
		Clock:          clk,
		Metrics:        m,
	})
	tracker, changes := stats.New(hub.Store(), m, func(s stats.Stats) {
		hub.Broadcast(ws.MsgStats, s)
	}, clk, cfg.Broadcast.StatsInterval)

	var tailer *reader.Tailer
	coord := engine.New(engine.Options{
		Config:    cfg,
		Clock:     clk,
		Inspector: inspector,
		Publisher: hub,
		Metrics:   m,
		Commit:    func(off int64) { tailer.Commit(off) },
		Changes:   changes,
	})
	coord.Restore(state)

	var notifier reader.Notifier
	if fsn, err := reader.NewFSNotifier(cfg.EventLog.Path); err != nil {
		log.Warn().Err(err).Str("component", "reader").Msg("file notifications unavailable, polling only")
	} else {
		notifier = fsn
		defer fsn.Close()
	}
	tailer = reader.New(reader.Options{
		Path:           cfg.EventLog.Path,
		Offset:         state.ReaderOffset,
		PollInterval:   cfg.EventLog.PollInterval,
		HealthInterval: cfg.EventLog.HealthInterval,
		MaxSize:        cfg.EventLog.MaxSize,
		MaxLine:        cfg.EventLog.MaxLine,
		Notifier:       notifier,
		Clock:          clk,
		Metrics:        m,
	})

	mon := monitor.New(monitor.Options{
		Inspector:        inspector,
		Targets:          coord.LivenessTargets,
		Report:           coord.ProcessExited,
		Interval:         cfg.Monitor.Interval,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Clock:            clk,
		Metrics:          m,
	})
	saver := snapshot.NewSaver(snapStore, coord.Export, cfg.Snapshot.Interval, clk, m)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           ws.NewServer(cfg.Server, hub, coord, privacy, m, clk).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The coordinator outlives everything that feeds it so the final
	// snapshot can still be exported after the producers have stopped.
	coordCtx, stopCoord := context.WithCancel(context.Background())
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(coordCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tailer.Run(gctx) })
	g.Go(func() error { return engine.NewPipeline(tailer.Lines(), coord).Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return engine.NewAutoIdle(coord).Run(gctx) })
	g.Go(func() error { return saver.Run(gctx) })
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	if mockMode {
		log.Info().Str("path", cfg.EventLog.Path).Msg("appending synthetic hook traffic")
		gen := mock.NewGenerator(func(rec []byte) error {
			return reader.Append(cfg.EventLog.Path, rec)
		}, clk, time.Now().UnixNano())
		g.Go(func() error {
			gen.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("event_log", cfg.EventLog.Path).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := saver.SaveNow(saveCtx); err != nil {
		log.Error().Err(err).Str("component", "snapshot").Msg("final snapshot failed")
	}
	stopCoord()
	if err := <-coordDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("component", "engine").Msg("coordinator stopped with error")
	}
	return runErr
}
