package session

// Event is one of the fixed user-facing outcomes of a session.
type Event int

const (
	NotifyConnecting Event = iota
	NotifyConnected
	NotifyPeerJoined
	NotifyCannotResolve
	NotifyCannotConnect
	// NotifyCannotListen is shown by a host whose port is unavailable.
	NotifyCannotListen
	// NotifyPeerLeft is shown by the host when the client goes away.
	NotifyPeerLeft
	// NotifyConnectionLost is shown by the client when the host goes away.
	NotifyConnectionLost
	NotifyServerFull
	NotifyModMismatch
	NotifyProtocolError
	// NotifyDisconnected follows a local, deliberate disconnect.
	NotifyDisconnected
)

// String returns a string representation of the event.
func (e Event) String() string {
	switch e {
	case NotifyConnecting:
		return "connecting"
	case NotifyConnected:
		return "connected"
	case NotifyPeerJoined:
		return "peer_joined"
	case NotifyCannotResolve:
		return "cannot_resolve"
	case NotifyCannotConnect:
		return "cannot_connect"
	case NotifyCannotListen:
		return "cannot_listen"
	case NotifyPeerLeft:
		return "peer_left"
	case NotifyConnectionLost:
		return "connection_lost"
	case NotifyServerFull:
		return "server_full"
	case NotifyModMismatch:
		return "mod_mismatch"
	case NotifyProtocolError:
		return "protocol_error"
	case NotifyDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the session.
func (e Event) Terminal() bool {
	switch e {
	case NotifyConnecting, NotifyConnected, NotifyPeerJoined:
		return false
	default:
		return true
	}
}

// Notification is delivered to the presentation layer.
type Notification struct {
	Event   Event
	Session string
	// Peer is the peer's name when known.
	Peer string
}

// eventFor maps a cause to the message the given role should show.
func eventFor(role Role, cause Cause, state State) Event {
	switch cause {
	case CauseCannotResolve:
		return NotifyCannotResolve
	case CauseCannotConnect:
		return NotifyCannotConnect
	case CauseCannotListen:
		return NotifyCannotListen
	case CauseServerFull:
		return NotifyServerFull
	case CauseModMismatch:
		return NotifyModMismatch
	case CauseProtocol:
		return NotifyProtocolError
	case CauseUser:
		return NotifyDisconnected
	case CausePeerClosed, CausePeerUnreachable:
		if state == StateError {
			return NotifyCannotConnect
		}
		if role == RoleHost {
			return NotifyPeerLeft
		}
		return NotifyConnectionLost
	default:
		return NotifyDisconnected
	}
}
