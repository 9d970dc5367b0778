package coop

import (
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/session"
)

// EventType selects which fields of an Event are set.
type EventType int

const (
	// EventSession carries a session notification in Notify.
	EventSession EventType = iota
	// EventChat carries a chat line from Peer in Text.
	EventChat
	// EventSnapshot reports a snapshot received into Slot.
	EventSnapshot
	// EventTransfer reports the end of a local snapshot upload.
	EventTransfer
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventSession:
		return "session"
	case EventChat:
		return "chat"
	case EventSnapshot:
		return "snapshot"
	case EventTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Event is delivered to the presentation layer by Tick.
type Event struct {
	Type   EventType
	Notify session.Event
	Peer   string
	Text   string
	Slot   protocol.Slot
	Save   bool
	Bytes  int
	Digest string
	Err    error
}
