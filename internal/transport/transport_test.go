package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/coopsync/coopsync/internal/frame"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.ConnectTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 0
	cfg.HeartbeatTimeout = 0
	return cfg
}

type peer struct {
	sess *session.Session
	out  *queue.Ring[[]byte]
	in   *queue.Ring[[]byte]
	tr   *Transport
}

func startHost(t *testing.T, cfg Config) *peer {
	t.Helper()
	p := &peer{
		sess: session.New(session.RoleHost, "host", cfg.Port),
		out:  queue.New[[]byte](64),
		in:   queue.New[[]byte](64),
	}
	tr, err := Listen(cfg, p.sess, p.out, p.in)
	require.NoError(t, err, "Listen failed")
	p.tr = tr
	t.Cleanup(tr.Stop)
	return p
}

func startClient(t *testing.T, cfg Config, target string) *peer {
	t.Helper()
	p := &peer{
		sess: session.New(session.RoleClient, "client", cfg.Port),
		out:  queue.New[[]byte](64),
		in:   queue.New[[]byte](64),
	}
	tr, err := Dial(context.Background(), cfg, p.sess, p.out, p.in, target)
	require.NoError(t, err, "Dial failed")
	p.tr = tr
	t.Cleanup(tr.Stop)
	return p
}

func hostTarget(h *peer) string {
	return "127.0.0.1:" + strconv.Itoa(h.tr.Addr().(*net.TCPAddr).Port)
}

func waitState(t *testing.T, p *peer, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.sess.State() == want },
		waitFor, 5*time.Millisecond, "Expected %s, still %s", want, p.sess.State())
}

func popWithin(t *testing.T, r *queue.Ring[[]byte]) []byte {
	t.Helper()
	var got []byte
	require.Eventually(t, func() bool {
		v, ok := r.Pop()
		got = v
		return ok
	}, waitFor, time.Millisecond, "Nothing arrived")
	return got
}

func TestHostClientExchange(t *testing.T) {
	cfg := testConfig()
	host := startHost(t, cfg)
	client := startClient(t, cfg, hostTarget(host))

	waitState(t, host, session.StateConnected)
	waitState(t, client, session.StateConnected)

	const n = 200
	for i := 0; i < n; i++ {
		for !client.out.Push([]byte(fmt.Sprintf(`{"state":"chat_message","from":"c","text":"%d"}`, i))) {
			time.Sleep(time.Millisecond)
		}
	}
	for i := 0; i < n; i++ {
		got := popWithin(t, host.in)
		assert.Equal(t, fmt.Sprintf(`{"state":"chat_message","from":"c","text":"%d"}`, i), string(got))
	}

	require.True(t, host.out.Push([]byte(`{"state":"server_full"}`)))
	assert.Equal(t, `{"state":"server_full"}`, string(popWithin(t, client.in)))
}

func TestHostRejectsSecondPeer(t *testing.T) {
	cfg := testConfig()
	host := startHost(t, cfg)
	client := startClient(t, cfg, hostTarget(host))
	waitState(t, host, session.StateConnected)
	waitState(t, client, session.StateConnected)

	intruder, err := net.Dial("tcp", hostTarget(host))
	require.NoError(t, err, "TCP handshake itself should succeed")
	defer intruder.Close()

	intruder.SetReadDeadline(time.Now().Add(waitFor))
	_, err = intruder.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "Second peer should be closed without data")

	// The first peer is unaffected.
	assert.Equal(t, session.StateConnected, host.sess.State())
	require.True(t, client.out.Push([]byte(`{"state":"WAIT_MAP_SENDER"}`)))
	assert.Equal(t, `{"state":"WAIT_MAP_SENDER"}`, string(popWithin(t, host.in)))
}

func TestPeerCloseDisconnects(t *testing.T) {
	cfg := testConfig()
	host := startHost(t, cfg)
	client := startClient(t, cfg, hostTarget(host))
	waitState(t, host, session.StateConnected)

	client.tr.Stop()
	assert.Equal(t, session.StateDisconnected, client.sess.State())
	assert.Equal(t, session.CauseUser, client.sess.Cause())

	waitState(t, host, session.StateDisconnected)
	assert.Equal(t, session.CausePeerClosed, host.sess.Cause())

	var events []session.Event
	for len(host.sess.Events()) > 0 {
		events = append(events, (<-host.sess.Events()).Event)
	}
	assert.Contains(t, events, session.NotifyPeerLeft)

	// Stopping an already disconnected transport is a no-op.
	assert.NotPanics(t, host.tr.Stop)
	assert.NotPanics(t, host.tr.Stop)
}

func TestFreshSessionReconnects(t *testing.T) {
	cfg := testConfig()
	first := startHost(t, cfg)
	port := first.tr.Addr().(*net.TCPAddr).Port
	client := startClient(t, cfg, hostTarget(first))
	waitState(t, first, session.StateConnected)

	client.tr.Stop()
	waitState(t, first, session.StateDisconnected)
	first.tr.Stop()

	cfg.Port = port
	second := startHost(t, cfg)
	again := startClient(t, cfg, "127.0.0.1:"+strconv.Itoa(port))
	waitState(t, second, session.StateConnected)
	waitState(t, again, session.StateConnected)
	assert.NotEqual(t, first.sess.ID, second.sess.ID)
}

func TestOversizedFrameDisconnects(t *testing.T) {
	cfg := testConfig()
	host := startHost(t, cfg)

	conn, err := net.Dial("tcp", hostTarget(host))
	require.NoError(t, err)
	defer conn.Close()
	waitState(t, host, session.StateConnected)

	var header [frame.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], frame.MaxPayload+1)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	waitState(t, host, session.StateDisconnected)
	assert.Equal(t, session.CauseProtocol, host.sess.Cause())
}

func TestCannotResolve(t *testing.T) {
	cfg := testConfig()
	client := startClient(t, cfg, "127.0.0.1:99999")
	waitState(t, client, session.StateError)
	assert.Equal(t, session.CauseCannotResolve, client.sess.Cause())
	assert.ErrorIs(t, client.tr.Err(), ErrCannotResolve)
}

func TestCannotConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := startClient(t, testConfig(), addr)
	waitState(t, client, session.StateError)
	assert.Equal(t, session.CauseCannotConnect, client.sess.Cause())
	assert.ErrorIs(t, client.tr.Err(), ErrCannotConnect)
}

func TestListenPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Port = busy.Addr().(*net.TCPAddr).Port
	sess := session.New(session.RoleHost, "host", cfg.Port)
	_, err = Listen(cfg, sess, queue.New[[]byte](4), queue.New[[]byte](4))
	require.ErrorIs(t, err, ErrListen)

	assert.Equal(t, session.StateError, sess.State())
	assert.Equal(t, session.CauseCannotListen, sess.Cause())

	var events []session.Event
	for len(sess.Events()) > 0 {
		events = append(events, (<-sess.Events()).Event)
	}
	assert.Equal(t, []session.Event{session.NotifyConnecting, session.NotifyCannotListen}, events)
}

// queueDrops reads the drop counter for one queue from reg.
func queueDrops(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "coopsync_queue_drops_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "queue" && label.GetValue() == name {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestInboundOverflowKeepsSession(t *testing.T) {
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	host := &peer{
		sess: session.New(session.RoleHost, "host", cfg.Port),
		out:  queue.New[[]byte](64),
		in:   queue.New[[]byte](4),
	}
	tr, err := Listen(cfg, host.sess, host.out, host.in, WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	require.NoError(t, err)
	host.tr = tr
	t.Cleanup(tr.Stop)

	client := startClient(t, cfg, hostTarget(host))
	waitState(t, host, session.StateConnected)
	waitState(t, client, session.StateConnected)

	chat := func(i int) []byte {
		return []byte(fmt.Sprintf(`{"state":"chat_message","from":"c","text":"%d"}`, i))
	}
	for i := 0; i < 10; i++ {
		require.True(t, client.out.Push(chat(i)))
	}
	require.Eventually(t, func() bool {
		return queueDrops(t, reg, "inbound") == 6
	}, waitFor, 5*time.Millisecond, "The six newest messages should be dropped")

	assert.Equal(t, session.StateConnected, host.sess.State())
	assert.Equal(t, session.StateConnected, client.sess.State())

	// The oldest messages were kept in order.
	for i := 0; i < 4; i++ {
		assert.Equal(t, string(chat(i)), string(popWithin(t, host.in)))
	}

	// Traffic keeps flowing once there is room again.
	require.True(t, client.out.Push(chat(10)))
	assert.Equal(t, string(chat(10)), string(popWithin(t, host.in)))
	assert.Equal(t, 6.0, queueDrops(t, reg, "inbound"))
}

func TestPingPongRTT(t *testing.T) {
	cfg := testConfig()
	host := startHost(t, cfg)
	client := startClient(t, cfg, hostTarget(host))
	waitState(t, client, session.StateConnected)

	_, ok := client.tr.RTT()
	assert.False(t, ok, "No RTT before the first PONG")

	require.True(t, client.tr.Ping())
	require.Eventually(t, func() bool {
		_, ok := client.tr.RTT()
		return ok
	}, waitFor, 5*time.Millisecond)

	rtt, _ := client.tr.RTT()
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
	assert.True(t, host.in.Empty(), "Heartbeat frames must not reach the dispatcher")
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	host := startHost(t, cfg)

	conn, err := net.Dial("tcp", hostTarget(host))
	require.NoError(t, err)
	defer conn.Close()

	waitState(t, host, session.StateConnected)
	waitState(t, host, session.StateDisconnected)
	assert.Equal(t, session.CauseProtocol, host.sess.Cause())
}

func TestWrongRole(t *testing.T) {
	cfg := testConfig()
	out, in := queue.New[[]byte](4), queue.New[[]byte](4)

	_, err := Listen(cfg, session.New(session.RoleClient, "x", 0), out, in)
	assert.ErrorIs(t, err, ErrWrongRole)

	_, err = Dial(context.Background(), cfg, session.New(session.RoleHost, "x", 0), out, in, "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestResolveTargets(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		target string
		want   string
	}{
		{"127.0.0.1:4000", "127.0.0.1:4000"},
		{"127.0.0.1", "127.0.0.1:3000"},
		{":4100", "127.0.0.1:4100"},
		{"4200", "127.0.0.1:4200"},
	}
	for _, tc := range testCases {
		t.Run(tc.target, func(t *testing.T) {
			got, err := resolve(ctx, tc.target, DefaultPort)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := resolve(ctx, "127.0.0.1:0", DefaultPort)
	assert.ErrorIs(t, err, ErrCannotResolve)
}
