package stream

// State is a session's position in the streaming protocol.
type State int

// Session states, in the order a successful session passes through them.
const (
	StateAuthenticating State = iota
	StateAuthorizing
	StateSnapshotSent
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorizing:
		return "authorizing"
	case StateSnapshotSent:
		return "snapshot_sent"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
