package session

// EventType classifies entries on the coordinator's change feed.
type EventType int

const (
	EventNew      EventType = iota // session created
	EventUpdate                    // status or history changed
	EventTerminal                  // session reached ended
	EventRemoved                   // session dropped from the model
)

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	State       *Session // snapshot (safe to retain)
	Previous    Status
	ActiveCount int // non-ended sessions at event time
}
