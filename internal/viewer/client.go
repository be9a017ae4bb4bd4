package viewer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
)

type Options struct {
	// URL of the engine's viewer socket, e.g. ws://127.0.0.1:7777/ws.
	URL   string
	Token string

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Dialer    *websocket.Dialer

	// OnUpdate is called, from the client's goroutine, for every
	// applied or passthrough message.
	OnUpdate func(Update)
	// OnConnect is called after each successful dial. resumed is true
	// when the client asked to continue from a known seq.
	OnConnect func(resumed bool)
}

// Client keeps a Model in step with the engine across disconnects. It
// resumes from its last applied seq and asks for a replay whenever it
// notices a gap.
type Client struct {
	opts Options

	mu            sync.Mutex
	model         *Model
	conn          *websocket.Conn
	replayPending bool
}

func NewClient(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = reconnectBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = reconnectMaxDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, model: NewModel()}
}

// View runs fn with the model locked.
func (c *Client) View(fn func(*Model)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.model)
}

func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.Seq
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.BaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, resumed, err := c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "viewer").Dur("retry_in", delay).Msg("dial failed")
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, c.opts.MaxDelay)
			continue
		}
		if c.opts.OnConnect != nil {
			c.opts.OnConnect(resumed)
		}

		received, err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			delay = c.opts.BaseDelay
		}
		log.Info().Err(err).Str("component", "viewer").Uint64("seq", c.Seq()).Dur("retry_in", delay).Msg("disconnected")
		if !sleep(ctx, delay) {
			return nil
		}
		delay = min(delay*2, c.opts.MaxDelay)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, bool, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, false, fmt.Errorf("parse url: %w", err)
	}

	c.mu.Lock()
	resumed := c.model.Synced
	seq, epoch := c.model.Seq, c.model.Epoch
	c.replayPending = false
	c.mu.Unlock()

	if resumed {
		q := u.Query()
		q.Set("since", strconv.FormatUint(seq, 10))
		q.Set("epoch", epoch)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, false, err
	}
	return conn, resumed, nil
}

// serve reads from conn until it fails. It reports whether any
// message arrived.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if err := c.handle(conn, data); err != nil {
			return received, err
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, data []byte) error {
	c.mu.Lock()
	u, outcome, err := c.model.Apply(data)
	var requestFrom uint64
	var requestEpoch string
	request := false
	switch {
	case err != nil:
	case outcome == Applied:
		c.replayPending = false
	case outcome == Gap && !c.replayPending:
		c.replayPending = true
		request = true
		requestFrom = c.model.Seq
		requestEpoch = c.model.Epoch
	}
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("component", "viewer").Msg("ignoring undecodable message")
		return nil
	}
	if request {
		log.Debug().Str("component", "viewer").Uint64("since", requestFrom).Uint64("got", u.Seq).Msg("gap detected, requesting replay")
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ws.ClientMessage{Type: ws.MsgReplay, SinceSeq: requestFrom, Epoch: requestEpoch}); err != nil {
			return fmt.Errorf("request replay: %w", err)
		}
	}
	if (outcome == Applied || outcome == Passthrough) && c.opts.OnUpdate != nil {
		c.opts.OnUpdate(u)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
