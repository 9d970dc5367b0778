package coop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when the outbound queue has no room. The
// message is dropped and the session carries on.
var ErrQueueFull = errors.New("outbound queue full")

// Outbox encodes messages onto the outbound ring. The ring takes a single
// producer, so the simulation goroutine and the bulk worker share it
// through the mutex.
type Outbox struct {
	mu      sync.Mutex
	ring    *queue.Ring[[]byte]
	metrics *metrics.Metrics
	drops   zerolog.Logger
}

// Send encodes msg and enqueues it.
func (o *Outbox) Send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	o.mu.Lock()
	ok := o.ring.Push(payload)
	o.mu.Unlock()

	if !ok {
		o.drops.Warn().Str("kind", string(msg.Kind())).Int("capacity", o.ring.Cap()).Msg("Outbound queue full, dropping message")
		o.metrics.QueueDrop("outbound")
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), ErrQueueFull)
	}
	return nil
}
