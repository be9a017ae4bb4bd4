package ws

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/agent-session-center/engine/internal/session"
)

type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgSessionUpdate  MessageType = "session_update"
	MsgSessionRemoved MessageType = "session_removed"
	MsgTeamUpdate     MessageType = "team_update"
	MsgTeamRemoved    MessageType = "team_removed"
	MsgStats          MessageType = "stats"
	MsgTerminalOutput MessageType = "terminal_output"
	MsgTerminalStatus MessageType = "terminal_status"

	// MsgReplay is the only message viewers send.
	MsgReplay MessageType = "replay"
)

// Sequenced reports whether messages of this type consume a sequence
// number and are kept for replay.
func (t MessageType) Sequenced() bool {
	switch t {
	case MsgSessionUpdate, MsgSessionRemoved, MsgTeamUpdate, MsgTeamRemoved:
		return true
	}
	return false
}

// Envelope is the frame of every server message. Unsequenced messages
// carry the current sequence number without consuming one. Epoch names
// the engine run that issued Seq; seqs from different epochs are not
// comparable.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Epoch   string          `json:"epoch"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Cursor is the stream position a viewer resumes from.
type Cursor struct {
	Seq   uint64
	Epoch string
}

type SnapshotPayload struct {
	Sessions []*session.Session `json:"sessions"`
	Teams    []*session.Team    `json:"teams"`
	Seq      uint64             `json:"seq"`
}

type RemovedPayload struct {
	ID string `json:"id"`
}

type TerminalOutputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type TerminalStatusPayload struct {
	TerminalID string `json:"terminalId"`
	Status     string `json:"status"`
}

// ClientMessage is a viewer request.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	SinceSeq uint64      `json:"sinceSeq"`
	Epoch    string      `json:"epoch,omitempty"`
}

func encode(typ MessageType, seq uint64, epoch string, ts time.Time, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Seq: seq, Epoch: epoch, Ts: ts, Payload: body})
}
