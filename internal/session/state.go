package session

// State is the connection lifecycle of a [Client].
type State int

const (
	// StateDisconnected is the initial state and the state after Disconnect or
	// a remote close.
	StateDisconnected State = iota

	// StateConnecting covers device and remote channel setup until the remote
	// side acknowledges the session.
	StateConnecting

	// StateConnected means the remote side is ready and microphone audio is
	// streaming.
	StateConnected

	// StateError is entered when setup or the remote channel failed. Audio is
	// already torn down; Connect may be called again.
	StateError
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a connection is being set up or running.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}
