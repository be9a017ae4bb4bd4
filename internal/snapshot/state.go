// Package snapshot checkpoints the session model to disk and restores
// it after a restart.
package snapshot

import (
	"time"

	"github.com/agent-session-center/engine/internal/session"
)

// Version is bumped when the file layout changes incompatibly.
const Version = 1

// State is the full persisted model.
type State struct {
	Version      int       `json:"version"`
	SavedAt      time.Time `json:"savedAt"`
	Seq          uint64    `json:"seq"`
	ReaderOffset int64     `json:"readerOffset"`

	Sessions        []*session.Session `json:"sessions"`
	Teams           []*session.Team    `json:"teams"`
	ProjectCounters map[string]int     `json:"projectCounters"`
	// PIDIndex maps a live process id to the session it backs.
	PIDIndex map[int]string `json:"pidIndex"`
}

// New returns an empty State with initialized maps.
func New() *State {
	return &State{
		Version:         Version,
		ProjectCounters: make(map[string]int),
		PIDIndex:        make(map[int]string),
	}
}

func (st *State) initMaps() {
	if st.ProjectCounters == nil {
		st.ProjectCounters = make(map[string]int)
	}
	if st.PIDIndex == nil {
		st.PIDIndex = make(map[int]string)
	}
}
