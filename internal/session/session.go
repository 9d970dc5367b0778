// Package session tracks the lifecycle of one host or client connection
// attempt. A Session is single-use: once it reaches Error or Disconnected a
// new Session must be created to try again.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Common errors returned by the session package.
var (
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Role is the fixed side a peer plays for the whole session.
type Role int

const (
	// RoleHost listens and is the default authority.
	RoleHost Role = iota
	// RoleClient connects to a host.
	RoleClient
)

// String returns a string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

// State is the connection state of a session.
type State int32

const (
	// StateIdle indicates no attempt was made yet.
	StateIdle State = iota
	// StateConnecting indicates the host is listening or the client is dialing.
	StateConnecting
	// StateConnected indicates a peer is attached.
	StateConnected
	// StateError indicates the attempt failed before a peer attached.
	StateError
	// StateDisconnected indicates an established connection was lost or closed.
	StateDisconnected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateError || s == StateDisconnected
}

// Cause explains why a session left the Connecting or Connected state.
type Cause int

const (
	CauseNone Cause = iota
	// CausePeerClosed means the peer closed the connection.
	CausePeerClosed
	// CausePeerUnreachable means the local side detected the peer is gone.
	CausePeerUnreachable
	// CauseProtocol means the peer violated framing or went silent.
	CauseProtocol
	// CauseUser means the local player disconnected.
	CauseUser
	// CauseCannotResolve means the join target did not resolve.
	CauseCannotResolve
	// CauseCannotConnect means the host refused or did not answer.
	CauseCannotConnect
	// CauseCannotListen means the host could not bind its port.
	CauseCannotListen
	// CauseServerFull means the host refused the handshake.
	CauseServerFull
	// CauseModMismatch means the peers run different mod versions.
	CauseModMismatch
)

// String returns a string representation of the cause.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CausePeerClosed:
		return "peer_closed"
	case CausePeerUnreachable:
		return "peer_unreachable"
	case CauseProtocol:
		return "protocol"
	case CauseUser:
		return "user"
	case CauseCannotResolve:
		return "cannot_resolve"
	case CauseCannotConnect:
		return "cannot_connect"
	case CauseCannotListen:
		return "cannot_listen"
	case CauseServerFull:
		return "server_full"
	case CauseModMismatch:
		return "mod_mismatch"
	default:
		return "unknown"
	}
}

// Session holds the process-wide connection state for one attempt.
// Role, LocalName and Port never change. The state may be advanced from the
// transport goroutine, so it is kept in an atomic; every other field is
// written on the simulation goroutine only.
type Session struct {
	ID        string
	Role      Role
	LocalName string
	Port      int

	state atomic.Int32
	cause atomic.Int32

	mu       sync.Mutex
	peerName string

	events chan Notification
}

// New creates an idle session.
func New(role Role, localName string, port int) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Role:      role,
		LocalName: localName,
		Port:      port,
		events:    make(chan Notification, 32),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Cause returns why the session ended, or CauseNone while it is live.
func (s *Session) Cause() Cause {
	return Cause(s.cause.Load())
}

// PeerName returns the name announced by the peer during the handshake.
func (s *Session) PeerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerName
}

// SetPeerName records the peer's name and announces it.
func (s *Session) SetPeerName(name string) {
	s.mu.Lock()
	s.peerName = name
	s.mu.Unlock()
	s.notify(Notification{Event: NotifyPeerJoined, Peer: name})
}

// Events delivers the outward notifications of this session.
func (s *Session) Events() <-chan Notification {
	return s.events
}

// Begin moves Idle to Connecting on a host or join action.
func (s *Session) Begin() error {
	if err := s.transition(StateIdle, StateConnecting); err != nil {
		return err
	}
	s.notify(Notification{Event: NotifyConnecting})
	return nil
}

// Established moves Connecting to Connected once a peer is attached.
func (s *Session) Established() error {
	if err := s.transition(StateConnecting, StateConnected); err != nil {
		return err
	}
	s.notify(Notification{Event: NotifyConnected})
	return nil
}

// Fail moves Connecting to Error.
func (s *Session) Fail(cause Cause) error {
	if err := s.transition(StateConnecting, StateError); err != nil {
		return err
	}
	s.cause.Store(int32(cause))
	s.notify(Notification{Event: eventFor(s.Role, cause, StateError)})
	return nil
}

// Drop ends the session. A Connected session moves to Disconnected; a
// Connecting one moves to Error. Dropping an idle session or one that
// already ended is a no-op and returns false.
func (s *Session) Drop(cause Cause) bool {
	for {
		cur := s.State()
		var next State
		switch cur {
		case StateConnected:
			next = StateDisconnected
		case StateConnecting:
			next = StateError
		default:
			return false
		}
		if !s.state.CompareAndSwap(int32(cur), int32(next)) {
			continue
		}
		s.cause.Store(int32(cause))
		s.notify(Notification{Event: eventFor(s.Role, cause, next), Peer: s.PeerName()})
		return true
	}
}

func (s *Session) transition(from, to State) error {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidTransition, from, to, s.State())
	}
	return nil
}

// notify never blocks; if the simulation stopped reading, the oldest
// notifications are kept and the newest dropped.
func (s *Session) notify(n Notification) {
	n.Session = s.ID
	select {
	case s.events <- n:
	default:
	}
}
