// Command session-watch follows an engine's viewer stream and prints
// every session transition, resuming where it left off after a
// disconnect.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/agent-session-center/engine/internal/session"
	"github.com/agent-session-center/engine/internal/viewer"
	"github.com/agent-session-center/engine/internal/ws"
)

func main() {
	url := flag.StringP("url", "u", "ws://127.0.0.1:8420/ws", "Viewer socket URL of the engine")
	token := flag.StringP("token", "t", os.Getenv("SESSION_CENTER_TOKEN"), "Auth token, if the engine requires one")
	verbose := flag.BoolP("verbose", "v", false, "Log connection details")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &printer{out: os.Stdout}
	c := viewer.NewClient(viewer.Options{
		URL:      *url,
		Token:    *token,
		OnUpdate: p.update,
		OnConnect: func(resumed bool) {
			log.Info().Bool("resumed", resumed).Str("url", *url).Msg("connected")
		},
	})
	if err := c.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "session-watch: %v\n", err)
		os.Exit(1)
	}
}

type printer struct {
	out io.Writer
}

func (p *printer) update(u viewer.Update) {
	switch u.Type {
	case ws.MsgSnapshot:
		fmt.Fprintf(p.out, "-- snapshot at seq %d\n", u.Seq)
	case ws.MsgSessionUpdate:
		p.session(u)
	case ws.MsgSessionRemoved:
		fmt.Fprintf(p.out, "%6d  %-24s removed\n", u.Seq, label(u.Previous, u.ID))
	case ws.MsgTeamUpdate:
		fmt.Fprintf(p.out, "%6d  team %s: parent %s, %d children\n", u.Seq, u.Team.ID, u.Team.ParentSessionID, len(u.Team.ChildSessionIDs))
	case ws.MsgTeamRemoved:
		fmt.Fprintf(p.out, "%6d  team %s removed\n", u.Seq, u.ID)
	}
}

// session prints status changes and new sessions; history-only updates
// are skipped.
func (p *printer) session(u viewer.Update) {
	s := u.Session
	switch {
	case u.Previous == nil:
		fmt.Fprintf(p.out, "%6d  %-24s new (%s)%s\n", u.Seq, label(s, s.ID), s.Status, detail(s))
	case u.Previous.Status != s.Status:
		fmt.Fprintf(p.out, "%6d  %-24s %s -> %s%s\n", u.Seq, label(s, s.ID), u.Previous.Status, s.Status, detail(s))
	}
}

func label(s *session.Session, id string) string {
	if s != nil && s.Label != "" {
		return s.Label
	}
	return id
}

func detail(s *session.Session) string {
	switch {
	case s.PendingTool != nil && (s.Status == session.Approval || s.Status == session.Input || s.Status == session.Working):
		return "  [" + s.PendingTool.Name + "]"
	case s.Status == session.Ended && s.EndReason != "":
		return "  (" + s.EndReason + ")"
	}
	return ""
}
