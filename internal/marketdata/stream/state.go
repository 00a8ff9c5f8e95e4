package stream

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateFailed // reconnect attempts exhausted; only a manual Reconnect leaves it
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Status is a point-in-time view of the connection for health reporting.
type Status struct {
	State      State  `json:"-"`
	StateName  string `json:"state"`
	Health     string `json:"status"`
	Attempt    int    `json:"attempt"`
	MaxAttempt int    `json:"max_attempts"`
	Subscribed int    `json:"subscribed"`
}

// Connectivity reduces a state to what the user is shown: connected while
// open, failed once retries are exhausted, reconnecting otherwise.
func Connectivity(s State) string {
	switch s {
	case StateOpen:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "reconnecting"
}
