package clientsync

// State is a Syncer's connection state.
type State int

// Syncer states.
const (
	StateConnecting State = iota
	StateStreaming
	StateDegraded
	StateReconnecting
	StatePolling
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
