// Package dispatch applies inbound messages on the simulation goroutine.
//
// Each tick drains the inbound queue into a hold list and sweeps it in
// passes. A message is applied once its kind's Ready precondition holds
// and no earlier message with the same ordering key is still held; the
// rest wait for a later pass or a later tick. A pass that applies nothing
// ends the sweep.
package dispatch

import (
	"errors"

	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/rs/zerolog"
)

// Source yields raw inbound payloads. *queue.Ring[[]byte] implements it.
type Source interface {
	Pop() ([]byte, bool)
}

// Rule declares how one message kind is applied.
type Rule struct {
	// Ready reports whether the message can be applied now. Nil means always.
	Ready func(protocol.Message) bool
	// Key returns the ordering key. Messages sharing a key are applied in
	// arrival order. Nil or "" means unordered.
	Key func(protocol.Message) string
	// Apply performs the message. world.ErrNotFound is treated as success.
	Apply func(protocol.Message) error
}

// Stats summarizes one Tick.
type Stats struct {
	Applied int
	Held    int
	Dropped int
	Passes  int
}

type entry struct {
	msg  protocol.Message
	rule Rule
	key  string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records applied, held and dropped counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher owns the hold list. It is not safe for concurrent use.
type Dispatcher struct {
	in      Source
	rules   map[protocol.Kind]Rule
	held    []entry
	metrics *metrics.Metrics
	log     zerolog.Logger
	drops   zerolog.Logger
}

// New returns a Dispatcher reading from in.
func New(in Source, opts ...Option) *Dispatcher {
	l := log.With("dispatch")
	d := &Dispatcher{
		in:    in,
		rules: make(map[protocol.Kind]Rule),
		log:   l,
		drops: log.Sampled(l, 10),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register sets the rule for kind, replacing any previous one.
func (d *Dispatcher) Register(kind protocol.Kind, rule Rule) {
	d.rules[kind] = rule
}

// Registered reports whether kind has a rule.
func (d *Dispatcher) Registered(kind protocol.Kind) bool {
	_, ok := d.rules[kind]
	return ok
}

// Held returns the number of messages waiting for their precondition.
func (d *Dispatcher) Held() int {
	return len(d.held)
}

// Reset clears the hold list. It is called when the session ends.
func (d *Dispatcher) Reset() {
	if n := len(d.held); n > 0 {
		d.log.Debug().Int("held", n).Msg("Discarding held messages")
	}
	d.held = nil
	d.metrics.Held(0)
}

// Tick drains the inbound queue and applies every message that can make
// progress.
func (d *Dispatcher) Tick() Stats {
	var st Stats

	for {
		payload, ok := d.in.Pop()
		if !ok {
			break
		}
		if !d.hold(payload) {
			st.Dropped++
		}
	}

	for len(d.held) > 0 {
		st.Passes++
		applied, dropped := d.pass()
		st.Applied += applied
		st.Dropped += dropped
		if applied+dropped == 0 {
			break
		}
	}

	st.Held = len(d.held)
	d.metrics.Held(st.Held)
	return st
}

func (d *Dispatcher) hold(payload []byte) bool {
	msg, err := protocol.Decode(payload)
	if err != nil {
		d.drops.Warn().Err(err).Int("size", len(payload)).Msg("Dropping malformed message")
		d.metrics.Dropped("malformed")
		return false
	}
	rule, ok := d.rules[msg.Kind()]
	if !ok {
		d.drops.Warn().Str("kind", string(msg.Kind())).Msg("Dropping message with no handler")
		d.metrics.Dropped("unhandled")
		return false
	}

	e := entry{msg: msg, rule: rule}
	if rule.Key != nil {
		e.key = rule.Key(msg)
	}
	d.held = append(d.held, e)
	return true
}

// pass sweeps the hold list once. Consumed entries are those applied or
// dropped on an apply error.
func (d *Dispatcher) pass() (applied, dropped int) {
	var blocked map[string]bool
	keep := d.held[:0:0]

	for _, e := range d.held {
		if e.key != "" && blocked[e.key] {
			keep = append(keep, e)
			continue
		}
		if e.rule.Ready != nil && !e.rule.Ready(e.msg) {
			keep = append(keep, e)
			if e.key != "" {
				if blocked == nil {
					blocked = make(map[string]bool)
				}
				blocked[e.key] = true
			}
			continue
		}

		kind := string(e.msg.Kind())
		if err := e.rule.Apply(e.msg); err != nil && !errors.Is(err, world.ErrNotFound) {
			d.log.Warn().Err(err).Str("kind", kind).Msg("Failed to apply message")
			d.metrics.Dropped("apply")
			dropped++
			continue
		}
		d.metrics.Applied(kind)
		applied++
	}

	d.held = keep
	return applied, dropped
}
