// Package transport owns the TCP connection of one session: a host that
// accepts exactly one peer, or a client that dials one. It moves framed
// payloads between the socket and the session's two queues.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopsync/coopsync/internal/frame"
	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/rs/zerolog"
)

// DefaultPort is the TCP port a host listens on.
const DefaultPort = 3000

// Common errors returned by the transport package.
var (
	ErrCannotResolve = errors.New("cannot resolve peer address")
	ErrCannotConnect = errors.New("cannot connect to peer")
	ErrListen        = errors.New("cannot listen")
	ErrWrongRole     = errors.New("session role does not match transport")
)

// Config holds the transport tunables.
type Config struct {
	// Port is the listening port of a host and the default port of a client.
	Port int `yaml:"port"`
	// BatchLimit is the number of outbound messages framed into one write.
	BatchLimit int `yaml:"batch_limit"`
	// ReadBufferSize is the size of a single socket read.
	ReadBufferSize int `yaml:"read_buffer_size"`
	// ConnectTimeout bounds resolving and dialing.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// WriteTimeout bounds a single batched write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// KeepAliveInterval is the TCP keep-alive period.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// HeartbeatInterval is the PING period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout drops a peer that sent nothing for this long.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		BatchLimit:        64,
		ReadBufferSize:    64 << 10,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithMetrics records traffic in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// Transport runs the network side of a session.
type Transport struct {
	cfg     Config
	sess    *session.Session
	out     *queue.Ring[[]byte]
	in      *queue.Ring[[]byte]
	hb      *Heartbeat
	metrics *metrics.Metrics
	log     zerolog.Logger
	drops   zerolog.Logger

	listener net.Listener
	cancel   context.CancelFunc

	mu      sync.Mutex
	conn    net.Conn
	claimed bool
	err     error

	// ctrl carries heartbeat frames from the reader to the writer.
	ctrl chan []byte
	// readErr carries the reader's terminal error to the writer.
	readErr chan error

	stop      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTransport(cfg Config, sess *session.Session, out, in *queue.Ring[[]byte], opts []Option) *Transport {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 64
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 64 << 10
	}
	l := log.L.With().
		Str("component", "transport").
		Str("role", sess.Role.String()).
		Str("session", sess.ID).
		Logger()

	t := &Transport{
		cfg:     cfg,
		sess:    sess,
		out:     out,
		in:      in,
		hb:      NewHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
		log:     l,
		drops:   log.Sampled(l, 5),
		ctrl:    make(chan []byte, 16),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen starts a host transport on cfg.Port. The session moves to
// Connecting immediately and to Connected when the first peer attaches;
// any later connection is closed without a word.
func Listen(cfg Config, sess *session.Session, out, in *queue.Ring[[]byte], opts ...Option) (*Transport, error) {
	if sess.Role != session.RoleHost {
		return nil, ErrWrongRole
	}
	t := newTransport(cfg, sess, out, in, opts)
	if err := sess.Begin(); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		_ = sess.Fail(session.CauseCannotListen)
		return nil, fmt.Errorf("%w on port %d: %v", ErrListen, cfg.Port, err)
	}
	t.listener = ln
	t.log.Info().Str("addr", ln.Addr().String()).Msg("Waiting for peer")

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Dial starts a client transport towards target, which may be "host",
// "host:port", ":port" or a bare port. Resolving and connecting happen on
// the transport goroutine; a failure moves the session to Error with
// CauseCannotResolve or CauseCannotConnect.
func Dial(ctx context.Context, cfg Config, sess *session.Session, out, in *queue.Ring[[]byte], target string, opts ...Option) (*Transport, error) {
	if sess.Role != session.RoleClient {
		return nil, ErrWrongRole
	}
	t := newTransport(cfg, sess, out, in, opts)
	if err := sess.Begin(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()

		conn, cause, err := t.connect(dialCtx, target)
		if err != nil {
			t.setErr(err)
			if !t.stop.Load() {
				t.log.Warn().Err(err).Str("target", target).Msg("Connection attempt failed")
				_ = sess.Fail(cause)
			}
			return
		}
		if !t.claim(conn) {
			conn.Close()
			return
		}
		t.start(conn)
	}()
	return t, nil
}

func (t *Transport) connect(ctx context.Context, target string) (net.Conn, session.Cause, error) {
	if t.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
	}

	addr, err := resolve(ctx, target, t.cfg.Port)
	if err != nil {
		return nil, session.CauseCannotResolve, err
	}

	dialer := &net.Dialer{
		KeepAlive: t.cfg.KeepAliveInterval,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, session.CauseCannotConnect, fmt.Errorf("%w: %s: %v", ErrCannotConnect, addr, err)
	}
	return conn, session.CauseNone, nil
}

// resolve turns a join target into a dialable address.
func resolve(ctx context.Context, target string, defaultPort int) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		// No port given, or a bare port number.
		if _, perr := strconv.Atoi(target); perr == nil {
			host, port = "", target
		} else {
			host, port = target, strconv.Itoa(defaultPort)
		}
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: invalid port %q", ErrCannotResolve, port)
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s: %v", ErrCannotResolve, host, err)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.stop.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn().Err(err).Msg("Accept failed")
			select {
			case <-t.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if !t.claim(conn) {
			t.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Rejecting additional peer")
			conn.Close()
			continue
		}
		t.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Peer connected")
		t.start(conn)
	}
}

// claim attaches conn if this transport never had a peer.
func (t *Transport) claim(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.claimed || t.stop.Load() {
		return false
	}
	t.claimed = true
	t.conn = conn
	return true
}

func (t *Transport) start(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		if t.cfg.KeepAliveInterval > 0 {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(t.cfg.KeepAliveInterval)
		}
	}
	if err := t.sess.Established(); err != nil {
		t.log.Debug().Err(err).Msg("Session ended before peer attached")
		t.teardown()
		return
	}

	t.hb.Reset(time.Now())
	t.wg.Add(2)
	go t.readLoop(conn)
	go t.writeLoop(conn)
}

// readLoop blocks on the socket and turns bytes into inbound payloads.
func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()

	var dec frame.Decoder
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := t.deframe(&dec); ferr != nil {
				t.reportRead(ferr)
				return
			}
		}
		if err != nil {
			t.reportRead(err)
			return
		}
	}
}

func (t *Transport) deframe(dec *frame.Decoder) error {
	for {
		payload, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		now := time.Now()
		t.hb.Seen(now)
		t.metrics.FrameReceived(frame.HeaderSize + len(payload))

		if t.heartbeat(now, payload) {
			continue
		}
		if !t.in.Push(payload) {
			t.metrics.QueueDrop("inbound")
			t.drops.Warn().Int("bytes", len(payload)).Msg("Inbound queue full, dropping message")
		}
	}
}

// heartbeat answers PING and consumes PONG. It reports whether the payload
// was a heartbeat frame.
func (t *Transport) heartbeat(now time.Time, payload []byte) bool {
	kind, err := protocol.PeekKind(payload)
	if err != nil || (kind != protocol.KindPing && kind != protocol.KindPong) {
		return false
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		t.log.Warn().Err(err).Msg("Dropping malformed heartbeat")
		return true
	}
	switch m := msg.(type) {
	case *protocol.Ping:
		pong, err := protocol.Encode(&protocol.Pong{Timestamp: m.Timestamp})
		if err != nil {
			return true
		}
		select {
		case t.ctrl <- pong:
		default:
			t.drops.Warn().Msg("Control queue full, dropping PONG")
		}
	case *protocol.Pong:
		rtt := t.hb.Pong(now, m.Timestamp)
		t.metrics.RTT(rtt)
		t.log.Debug().Dur("rtt", rtt).Msg("Heartbeat")
	}
	return true
}

func (t *Transport) reportRead(err error) {
	select {
	case t.readErr <- err:
	default:
	}
}

// writeLoop drains the outbound queue whenever it is signalled and drives
// the heartbeat.
func (t *Transport) writeLoop(conn net.Conn) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.hb.tickEvery())
	defer ticker.Stop()

	batch := make([]byte, 0, 64<<10)
	for {
		select {
		case <-t.done:
			return
		case err := <-t.readErr:
			t.fail(err)
			return
		case <-t.out.Ready():
		case p := <-t.ctrl:
			var err error
			if batch, err = t.writeFrames(conn, batch[:0], [][]byte{p}); err != nil {
				t.fail(err)
				return
			}
		case now := <-ticker.C:
			if t.hb.Expired(now) {
				t.log.Warn().Dur("timeout", t.cfg.HeartbeatTimeout).Msg("Peer went silent")
				t.fail(errSilent)
				return
			}
			if t.hb.Due(now) {
				t.Ping()
			}
		}

		var err error
		if batch, err = t.flush(conn, batch); err != nil {
			t.fail(err)
			return
		}
	}
}

var errSilent = errors.New("heartbeat timeout")

// flush writes everything currently queued, BatchLimit messages per write.
func (t *Transport) flush(conn net.Conn, batch []byte) ([]byte, error) {
	pending := make([][]byte, 0, t.cfg.BatchLimit)
	for {
		pending = pending[:0]
	drainCtrl:
		for len(pending) < t.cfg.BatchLimit {
			select {
			case p := <-t.ctrl:
				pending = append(pending, p)
			default:
				break drainCtrl
			}
		}
		for len(pending) < t.cfg.BatchLimit {
			p, ok := t.out.Pop()
			if !ok {
				break
			}
			pending = append(pending, p)
		}
		if len(pending) == 0 {
			return batch, nil
		}

		var err error
		if batch, err = t.writeFrames(conn, batch[:0], pending); err != nil {
			return batch, err
		}
	}
}

func (t *Transport) writeFrames(conn net.Conn, batch []byte, payloads [][]byte) ([]byte, error) {
	for _, p := range payloads {
		var err error
		batch, err = frame.Append(batch, p)
		if err != nil {
			// Oversized outbound messages are a local bug; drop and go on.
			t.log.Error().Err(err).Msg("Dropping oversized outbound message")
			continue
		}
		t.metrics.FrameSent(frame.HeaderSize + len(p))
	}
	if len(batch) == 0 {
		return batch, nil
	}

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	buf := batch
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return batch, fmt.Errorf("failed to write batch: %w", err)
		}
		buf = buf[n:]
	}
	return batch, nil
}

// Ping queues a heartbeat PING now.
func (t *Transport) Ping() bool {
	now := time.Now()
	payload, err := protocol.Encode(&protocol.Ping{Timestamp: now.UnixNano()})
	if err != nil {
		return false
	}
	select {
	case t.ctrl <- payload:
		t.hb.Sent(now)
		return true
	default:
		return false
	}
}

// RTT returns the last measured round-trip time.
func (t *Transport) RTT() (time.Duration, bool) {
	return t.hb.RTT()
}

// Addr returns the listening address of a host transport.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// RemoteAddr returns the peer address, or "" before a peer attached.
func (t *Transport) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// Err returns the error that ended a failed connection attempt.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Done is closed once the transport has torn down its sockets.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// fail drops the session with the cause matching err and tears down.
func (t *Transport) fail(err error) {
	if t.stop.Load() {
		return
	}
	cause := classify(err)
	t.setErr(err)
	if t.sess.Drop(cause) {
		t.log.Warn().Err(err).Str("cause", cause.String()).Msg("Connection lost")
	}
	t.teardown()
}

func classify(err error) session.Cause {
	switch {
	case errors.Is(err, io.EOF):
		return session.CausePeerClosed
	case errors.Is(err, frame.ErrFrameTooLarge), errors.Is(err, errSilent):
		return session.CauseProtocol
	default:
		return session.CausePeerUnreachable
	}
}

// teardown closes every socket once.
func (t *Transport) teardown() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.mu.Unlock()
	})
}

// Stop ends the session as a user disconnect, closes the sockets and waits
// for every goroutine to exit. It is safe to call more than once.
func (t *Transport) Stop() {
	t.sess.Drop(session.CauseUser)
	t.stop.Store(true)
	t.teardown()
	t.wg.Wait()
}
