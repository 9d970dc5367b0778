// Package coop ties the pieces of one cooperative session together. A Node
// owns at most one live Session with its transport, queues, bulk worker,
// dispatcher and turn coordinator, and is driven by the simulation
// goroutine through Tick.
package coop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/coopsync/coopsync/internal/bulk"
	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/dispatch"
	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/coopsync/coopsync/internal/store"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/coopsync/coopsync/internal/turn"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/rs/zerolog"
)

// Common errors returned by Node.
var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrNotConnected  = errors.New("session is not connected")
	ErrClosed        = errors.New("node is closed")
)

// flushGrace is how long a session dropped by the handshake keeps its
// socket open so the final message reaches the peer.
const flushGrace = 250 * time.Millisecond

// Option configures a Node.
type Option func(*Node)

// WithMetrics instruments every session of the node.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithStore persists snapshot slots and journals transfers in s.
func WithStore(s *store.Store) Option {
	return func(n *Node) {
		n.store = s
	}
}

// Node is the process-wide coop endpoint.
type Node struct {
	cfg     config.Config
	w       world.Accessor
	store   *store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger

	reconciler *dispatch.Reconciler
	events     chan Event

	mu     sync.Mutex
	cur    *live
	closed bool
}

// live is everything bound to one Session.
type live struct {
	sess       *session.Session
	ctx        context.Context
	cancel     context.CancelFunc
	log        zerolog.Logger
	out        *queue.Ring[[]byte]
	in         *queue.Ring[[]byte]
	outbox     *Outbox
	tr         *transport.Transport
	sender     *bulk.Sender
	receiver   *bulk.Receiver
	dispatcher *dispatch.Dispatcher
	turn       *turn.Coordinator

	handshaken bool
	refused    session.Cause
	closeAt    time.Time
	finished   bool
}

// New returns an idle Node applying peer state to w.
func New(cfg config.Config, w world.Accessor, opts ...Option) *Node {
	n := &Node{
		cfg:        cfg,
		w:          w,
		log:        log.With("coop"),
		reconciler: dispatch.NewReconciler(w),
		events:     make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Events delivers session notifications, chat lines and transfer outcomes.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Session returns the current session, live or ended, or nil.
func (n *Node) Session() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cur == nil {
		return nil
	}
	return n.cur.sess
}

// Host starts listening for one peer on the configured port.
func (n *Node) Host(ctx context.Context) error {
	l, err := n.begin(ctx, session.RoleHost)
	if err != nil {
		return err
	}
	tr, err := transport.Listen(n.cfg.Transport, l.sess, l.out, l.in, transport.WithMetrics(n.metrics))
	if err != nil {
		return fmt.Errorf("failed to host session: %w", err)
	}
	l.tr = tr
	return nil
}

// Join connects to the host at target ("address", "address:port" or
// ":port"). The outcome arrives as a session event.
func (n *Node) Join(ctx context.Context, target string) error {
	l, err := n.begin(ctx, session.RoleClient)
	if err != nil {
		return err
	}
	tr, err := transport.Dial(l.ctx, n.cfg.Transport, l.sess, l.out, l.in, target, transport.WithMetrics(n.metrics))
	if err != nil {
		return fmt.Errorf("failed to join session: %w", err)
	}
	l.tr = tr
	return nil
}

// begin replaces an ended session with a fresh one for role.
func (n *Node) begin(ctx context.Context, role session.Role) (*live, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if n.cur != nil {
		if !n.cur.sess.State().Terminal() {
			return nil, ErrSessionActive
		}
		n.cur.closeAt = time.Time{}
		n.finish(n.cur)
	}

	sess := session.New(role, n.cfg.Name, n.cfg.Transport.Port)
	l := &live{
		sess: sess,
		log: n.log.With().
			Str("role", role.String()).
			Str("session", sess.ID).
			Logger(),
		out: queue.New[[]byte](n.cfg.QueueCapacity),
		in:  queue.New[[]byte](n.cfg.QueueCapacity),
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.outbox = &Outbox{ring: l.out, metrics: n.metrics, drops: log.Sampled(l.log, 5)}

	bulkOpts := []bulk.Option{bulk.WithMetrics(n.metrics)}
	if n.store != nil {
		bulkOpts = append(bulkOpts, bulk.WithJournal(n.store, sess.ID))
	}
	sender, err := bulk.NewSender(l.ctx, n.cfg.Bulk, l.outbox, bulkOpts...)
	if err != nil {
		l.cancel()
		return nil, fmt.Errorf("failed to start bulk sender: %w", err)
	}
	l.sender = sender
	l.receiver = bulk.NewReceiver(bulkOpts...)
	l.turn = turn.New(role, n.w, l.outbox)
	l.dispatcher = dispatch.New(l.in, dispatch.WithMetrics(n.metrics))
	n.reconciler.Register(l.dispatcher)
	n.register(l)

	n.cur = l
	l.log.Info().Msg("Session created")
	return l, nil
}

func (n *Node) current() (*live, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cur == nil {
		return nil, ErrNoSession
	}
	return n.cur, nil
}

// Addr returns the listening address while hosting.
func (n *Node) Addr() net.Addr {
	l, err := n.current()
	if err != nil || l.tr == nil {
		return nil
	}
	return l.tr.Addr()
}

// Send encodes msg onto the outbound queue.
func (n *Node) Send(msg protocol.Message) error {
	l, err := n.current()
	if err != nil {
		return err
	}
	return l.outbox.Send(msg)
}

// Chat sends a chat line under the local name.
func (n *Node) Chat(text string) error {
	return n.Send(&protocol.Chat{From: n.cfg.Name, Text: text})
}

// Ping sends a heartbeat now instead of waiting for the interval.
func (n *Node) Ping() bool {
	l, err := n.current()
	if err != nil || l.tr == nil {
		return false
	}
	return l.tr.Ping()
}

// RTT returns the last measured round-trip time to the peer.
func (n *Node) RTT() (time.Duration, bool) {
	l, err := n.current()
	if err != nil || l.tr == nil {
		return 0, false
	}
	return l.tr.RTT()
}

// HandOff ends the local battlescape turn.
func (n *Node) HandOff(units []protocol.UnitDelta) error {
	l, err := n.current()
	if err != nil {
		return err
	}
	return l.turn.HandOff(units)
}

// Authority returns the local turn authority.
func (n *Node) Authority() turn.Authority {
	l, err := n.current()
	if err != nil {
		return turn.Spectator
	}
	return l.turn.Authority()
}

// RequestChangeHost asks the peer to take over as battlescape leader.
func (n *Node) RequestChangeHost() error {
	l, err := n.current()
	if err != nil {
		return err
	}
	return l.turn.RequestChangeHost()
}

// Leader returns the role currently leading the battlescape.
func (n *Node) Leader() session.Role {
	l, err := n.current()
	if err != nil {
		return session.RoleHost
	}
	return l.turn.Leader()
}

// SetSpectator switches the local peer to watching only.
func (n *Node) SetSpectator(on bool) error {
	l, err := n.current()
	if err != nil {
		return err
	}
	l.turn.SetSpectator(on)
	return nil
}

// DrainMissions hands the missions received from the peer to the
// simulation.
func (n *Node) DrainMissions() []protocol.Mission {
	return n.reconciler.DrainMissions()
}

// DrainRemovals hands the target removals received from the peer to the
// simulation.
func (n *Node) DrainRemovals() []protocol.RemoveTarget {
	return n.reconciler.DrainRemovals()
}

// SendSnapshot serializes slot, keeps a copy in the local slot and uploads
// it to the peer.
func (n *Node) SendSnapshot(ctx context.Context, slot protocol.Slot, save bool) error {
	l, err := n.current()
	if err != nil {
		return err
	}
	if l.sess.State() != session.StateConnected {
		return ErrNotConnected
	}
	if !slot.Valid() {
		return fmt.Errorf("unknown slot %q", slot)
	}

	data, err := n.w.Snapshot(string(slot))
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", slot, err)
	}
	if n.store != nil {
		if _, err := n.store.PutSlot(ctx, l.sess.Role.String(), string(slot), data, save); err != nil {
			return err
		}
	}
	return l.sender.Submit(bulk.Job{Slot: slot, Data: data, Save: save})
}

// Tick runs one simulation-side step: session notifications first, then
// finished uploads, then every inbound message that can be applied.
func (n *Node) Tick() dispatch.Stats {
	l, err := n.current()
	if err != nil {
		return dispatch.Stats{}
	}

	for drained := false; !drained; {
		select {
		case note := <-l.sess.Events():
			n.onNotify(l, note)
		default:
			drained = true
		}
	}

	for drained := false; !drained; {
		select {
		case res := <-l.sender.Results():
			n.emit(Event{Type: EventTransfer, Slot: res.Slot, Save: res.Save, Bytes: res.Bytes, Digest: res.Digest, Err: res.Err})
		default:
			drained = true
		}
	}

	if !l.closeAt.IsZero() && time.Now().After(l.closeAt) {
		l.closeAt = time.Time{}
		if l.tr != nil {
			l.tr.Stop()
		}
	}

	if l.finished {
		return dispatch.Stats{}
	}
	return l.dispatcher.Tick()
}

func (n *Node) onNotify(l *live, note session.Notification) {
	l.log.Debug().Str("event", note.Event.String()).Msg("Session notification")
	if !note.Event.Terminal() {
		n.emit(Event{Type: EventSession, Notify: note.Event, Peer: note.Peer})
		if note.Event == session.NotifyConnected && l.sess.Role == session.RoleClient {
			if err := l.outbox.Send(&protocol.ReadyClient{Name: n.cfg.Name, ModVersion: n.cfg.ModVersion}); err != nil {
				l.log.Error().Err(err).Msg("Failed to start handshake")
			}
		}
		return
	}

	// Messages that arrived before the socket closed may carry the reason,
	// such as a host refusing the handshake.
	if !l.finished {
		l.dispatcher.Tick()
	}
	event := note.Event
	switch l.refused {
	case session.CauseServerFull:
		event = session.NotifyServerFull
	case session.CauseModMismatch:
		event = session.NotifyModMismatch
	}
	n.emit(Event{Type: EventSession, Notify: event, Peer: note.Peer})

	n.mu.Lock()
	n.finish(l)
	n.mu.Unlock()
}

// finish releases what the session held. The caller holds n.mu.
func (n *Node) finish(l *live) {
	if l.finished {
		if l.tr != nil && l.closeAt.IsZero() {
			l.tr.Stop()
		}
		return
	}
	l.finished = true

	if l.tr != nil && l.closeAt.IsZero() {
		l.tr.Stop()
	}
	l.sender.Stop()
	l.cancel()

	ctx := context.Background()
	l.receiver.Reset(ctx)
	l.dispatcher.Reset()
	n.reconciler.Reset()
	l.turn.Reset()
	if n.store != nil {
		if aborted, err := n.store.AbortSession(ctx, l.sess.ID); err != nil {
			l.log.Warn().Err(err).Msg("Failed to close transfer journal")
		} else if aborted > 0 {
			l.log.Info().Int64("aborted", aborted).Msg("Aborted unfinished transfers")
		}
	}

	n.metrics.SessionEnded(l.sess.Role.String(), l.sess.Cause().String())
	l.log.Info().
		Str("state", l.sess.State().String()).
		Str("cause", l.sess.Cause().String()).
		Msg("Session ended")
}

// dropAfterFlush ends the session now but keeps the socket until the
// final message has had time to leave.
func (n *Node) dropAfterFlush(l *live, cause session.Cause) {
	l.closeAt = time.Now().Add(flushGrace)
	l.sess.Drop(cause)
}

// refuse ends the session after the host refused the handshake and closes
// the socket. If the host closed it first, the session already ended as a
// lost connection; the refusal is then reported in its place.
func (n *Node) refuse(l *live, cause session.Cause) {
	if !l.sess.Drop(cause) {
		l.refused = cause
		return
	}
	if l.tr != nil {
		l.tr.Stop()
	}
}

// Disconnect ends the current session as a user action and waits for its
// goroutines.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cur == nil {
		return ErrNoSession
	}
	l := n.cur
	l.closeAt = time.Time{}
	l.sess.Drop(session.CauseUser)
	for drained := false; !drained; {
		select {
		case note := <-l.sess.Events():
			n.emit(Event{Type: EventSession, Notify: note.Event, Peer: note.Peer})
		default:
			drained = true
		}
	}
	n.finish(l)
	return nil
}

// Close disconnects and refuses new sessions.
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	if err := n.Disconnect(); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.Warn().Str("type", ev.Type.String()).Msg("Event channel full, dropping event")
	}
}

func newSeed() int64 {
	return rand.Int63()
}
