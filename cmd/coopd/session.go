package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/coop"
	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/coopsync/coopsync/internal/store"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// cleanupEvery is how often finished transfers past retention are removed.
const cleanupEvery = time.Hour

// daemon is the running process: one node driven by a tick loop.
type daemon struct {
	cfg   config.Config
	node  *coop.Node
	store *store.Store
}

// run opens the store, starts metrics, calls start and drives the node
// until the session ends or the process is interrupted.
func run(cfg config.Config, start func(context.Context, *daemon) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(metrics.WithRegistry(reg))
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w := world.NewMemory()
	d := &daemon{
		cfg:   cfg,
		store: st,
		node:  coop.New(cfg, w, coop.WithStore(st), coop.WithMetrics(m)),
	}
	defer d.node.Close()

	if err := start(ctx, d); err != nil {
		return err
	}
	if addr := d.node.Addr(); addr != nil {
		pterm.Info.Printfln("Hosting on %s", addr)
	}
	pterm.Info.Println("Type a line to chat, /help for commands")

	return d.loop(ctx, readLines(os.Stdin))
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

// readLines forwards stdin lines; the channel closes on EOF.
func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func (d *daemon) loop(ctx context.Context, lines <-chan string) error {
	tick := time.NewTicker(d.cfg.TickInterval)
	defer tick.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	d.cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			pterm.Info.Println("Interrupted, disconnecting")
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := d.command(ctx, strings.TrimSpace(line)); quit {
				return nil
			}

		case <-cleanup.C:
			d.cleanup(ctx)

		case <-tick.C:
			d.node.Tick()
			for _, m := range d.node.DrainMissions() {
				pterm.Info.Printfln("Mission %d (%s) at %.2f, %.2f", m.ID, m.MissionType, m.Lon, m.Lat)
			}
			for _, r := range d.node.DrainRemovals() {
				pterm.Info.Printfln("Target %s %d removed", r.Target, r.CoopID)
			}
			if ended := d.drainEvents(); ended {
				return nil
			}
		}
	}
}

// drainEvents prints pending events and reports whether the session ended.
func (d *daemon) drainEvents() bool {
	ended := false
	for {
		select {
		case ev := <-d.node.Events():
			if printEvent(ev) {
				ended = true
			}
		default:
			return ended
		}
	}
}

func printEvent(ev coop.Event) bool {
	switch ev.Type {
	case coop.EventChat:
		pterm.Printfln("%s: %s", pterm.Cyan(ev.Peer), ev.Text)
	case coop.EventSnapshot:
		if ev.Err != nil {
			pterm.Error.Printfln("Receiving %s snapshot failed: %v", ev.Slot, ev.Err)
			break
		}
		pterm.Success.Printfln("Received %s snapshot (%d bytes)", ev.Slot, ev.Bytes)
	case coop.EventTransfer:
		if ev.Err != nil {
			pterm.Error.Printfln("Sending %s snapshot failed: %v", ev.Slot, ev.Err)
			break
		}
		pterm.Success.Printfln("Sent %s snapshot (%d bytes)", ev.Slot, ev.Bytes)
	case coop.EventSession:
		return printNotify(ev)
	}
	return false
}

func printNotify(ev coop.Event) bool {
	switch ev.Notify {
	case session.NotifyConnecting:
		pterm.Info.Println("Connecting")
	case session.NotifyConnected:
		pterm.Info.Println("Connected")
	case session.NotifyPeerJoined:
		pterm.Success.Printfln("%s joined", ev.Peer)
	case session.NotifyPeerLeft:
		pterm.Warning.Printfln("%s left", peerName(ev.Peer))
	case session.NotifyConnectionLost:
		pterm.Warning.Println("Connection to the host was lost")
	case session.NotifyCannotResolve:
		pterm.Error.Println("Cannot resolve the host address")
	case session.NotifyCannotConnect:
		pterm.Error.Println("Cannot connect to the host")
	case session.NotifyCannotListen:
		pterm.Error.Println("Cannot listen on the configured port")
	case session.NotifyServerFull:
		pterm.Error.Println("Server is full")
	case session.NotifyModMismatch:
		pterm.Error.Println("Mod versions differ")
	case session.NotifyProtocolError:
		pterm.Error.Println("Peer sent invalid data")
	case session.NotifyDisconnected:
		pterm.Info.Println("Disconnected")
	}
	return ev.Notify.Terminal()
}

func peerName(name string) string {
	if name == "" {
		return "Peer"
	}
	return name
}

// command runs one terminal line and reports whether to quit.
func (d *daemon) command(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := d.node.Chat(line); err != nil {
			pterm.Error.Printfln("Chat failed: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		pterm.Println("/snapshot battle|base [save]  send a snapshot")
		pterm.Println("/turn                         end the local turn")
		pterm.Println("/leader                       ask the peer to lead the battle")
		pterm.Println("/spectate on|off              watch without taking turns")
		pterm.Println("/status                       show session state")
		pterm.Println("/quit                         disconnect and exit")
	case "/snapshot":
		slot := protocol.SlotBattle
		if len(fields) > 1 {
			slot = protocol.Slot(fields[1])
		}
		save := len(fields) > 2 && fields[2] == "save"
		err = d.node.SendSnapshot(ctx, slot, save)
	case "/turn":
		err = d.node.HandOff(nil)
	case "/leader":
		err = d.node.RequestChangeHost()
	case "/spectate":
		err = d.node.SetSpectator(len(fields) < 2 || fields[1] != "off")
	case "/status":
		d.status()
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}
	if err != nil {
		pterm.Error.Println(err.Error())
	}
	return false
}

func (d *daemon) status() {
	sess := d.node.Session()
	if sess == nil {
		pterm.Info.Println("No session")
		return
	}
	rtt := "n/a"
	if v, ok := d.node.RTT(); ok {
		rtt = v.Round(time.Millisecond).String()
	}
	pterm.Info.Printfln("%s %s, peer %s, turn %s, leader %s, rtt %s",
		sess.Role, sess.State(), peerName(sess.PeerName()), d.node.Authority(), d.node.Leader(), rtt)
}

func (d *daemon) cleanup(ctx context.Context) {
	n, err := d.store.CleanupExpired(ctx, d.cfg.TransferRetention)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to clean up transfer journal")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("Cleaned up transfer journal")
	}
}
