package ws

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	maxClientFrame = 4096
)

// serveViewer runs the pumps for one upgraded connection and returns
// when the connection is gone.
func (h *Hub) serveViewer(conn *websocket.Conn, v *viewer) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, v)
	}()
	h.readPump(conn, v)
	h.Detach(v)
	<-done
}

func (h *Hub) readPump(conn *websocket.Conn, v *viewer) {
	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("component", "ws").Str("viewer", v.id).Msg("read error")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("component", "ws").Str("viewer", v.id).Msg("ignoring malformed viewer message")
			continue
		}
		switch msg.Type {
		case MsgReplay:
			h.Replay(v, Cursor{Seq: msg.SinceSeq, Epoch: msg.Epoch})
		default:
			log.Debug().Str("component", "ws").Str("viewer", v.id).Str("type", string(msg.Type)).Msg("ignoring viewer message")
		}
	}
}

// writePump owns all writes to conn. It exits when the viewer's queue
// is closed or a write fails.
func (h *Hub) writePump(conn *websocket.Conn, v *viewer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-v.send:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Detach(v)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Detach(v)
				return
			}
		}
	}
}
