package coop

import (
	"context"
	"errors"

	"github.com/coopsync/coopsync/internal/dispatch"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/coopsync/coopsync/internal/world"
)

// register installs the session-level rules next to the reconciler's.
func (n *Node) register(l *live) {
	d := l.dispatcher

	// Handshake.
	d.Register(protocol.KindReadyClient, dispatch.Rule{Apply: func(msg protocol.Message) error {
		return n.onReadyClient(l, msg.(*protocol.ReadyClient))
	}})
	d.Register(protocol.KindReadyHost, dispatch.Rule{Apply: func(msg protocol.Message) error {
		n.onReadyHost(l, msg.(*protocol.ReadyHost))
		return nil
	}})
	d.Register(protocol.KindServerFull, dispatch.Rule{Apply: func(protocol.Message) error {
		l.log.Warn().Msg("Host refused the connection")
		n.refuse(l, session.CauseServerFull)
		return nil
	}})
	d.Register(protocol.KindSendCraft, dispatch.Rule{Apply: n.onSendCraft})

	// Bulk transfer.
	sendFile := dispatch.Rule{Apply: func(msg protocol.Message) error {
		m := msg.(*protocol.SendFile)
		l.receiver.Begin(l.ctx, m.Slot, m.Size, m.Save)
		return nil
	}}
	d.Register(protocol.KindSendFileBattle, sendFile)
	d.Register(protocol.KindSendFileBase, sendFile)
	d.Register(protocol.KindMapResultData, dispatch.Rule{Apply: func(msg protocol.Message) error {
		l.receiver.Append(l.ctx, msg.(*protocol.MapResultData).Data)
		return l.outbox.Send(&protocol.WaitMapSender{})
	}})
	mapResult := dispatch.Rule{Apply: func(msg protocol.Message) error {
		n.onMapResult(l, msg.(*protocol.MapResult))
		return nil
	}}
	d.Register(protocol.KindMapResultBattle, mapResult)
	d.Register(protocol.KindMapResultBase, mapResult)
	d.Register(protocol.KindWaitMapSender, dispatch.Rule{Apply: func(protocol.Message) error {
		l.sender.Ack()
		return nil
	}})

	// Turn and authority. A handoff carries unit state, so it waits for the
	// battle to be loaded.
	d.Register(protocol.KindPlayerTurnYour, dispatch.Rule{
		Ready: func(protocol.Message) bool { return n.w.BattleActive() },
		Apply: func(msg protocol.Message) error {
			return l.turn.Receive(msg.(*protocol.PlayerTurnYour))
		},
	})
	d.Register(protocol.KindChangeHostRequest, dispatch.Rule{Apply: func(protocol.Message) error {
		return l.turn.OnChangeHostRequest()
	}})
	d.Register(protocol.KindChangeHostAccept, dispatch.Rule{Apply: func(protocol.Message) error {
		l.turn.OnChangeHostAccept()
		return nil
	}})

	d.Register(protocol.KindChat, dispatch.Rule{Apply: func(msg protocol.Message) error {
		m := msg.(*protocol.Chat)
		n.emit(Event{Type: EventChat, Peer: m.From, Text: m.Text})
		return nil
	}})
}

func (n *Node) onReadyClient(l *live, m *protocol.ReadyClient) error {
	if l.sess.Role != session.RoleHost {
		return errors.New("client received a client handshake")
	}
	if l.handshaken {
		l.log.Warn().Str("peer", m.Name).Msg("Ignoring repeated handshake")
		return nil
	}

	if !n.cfg.AcceptPeers {
		l.log.Info().Str("peer", m.Name).Msg("Refusing peer, not accepting players")
		if err := l.outbox.Send(&protocol.ServerFull{}); err != nil {
			return err
		}
		n.dropAfterFlush(l, session.CauseServerFull)
		return nil
	}

	seed := newSeed()
	reply := &protocol.ReadyHost{
		Name:        n.cfg.Name,
		ModVersion:  n.cfg.ModVersion,
		Seed:        seed,
		Competitive: n.cfg.Competitive,
	}
	if err := l.outbox.Send(reply); err != nil {
		return err
	}

	if m.ModVersion != n.cfg.ModVersion {
		l.log.Warn().
			Str("peer", m.Name).
			Str("local", n.cfg.ModVersion).
			Str("remote", m.ModVersion).
			Msg("Mod version mismatch")
		n.dropAfterFlush(l, session.CauseModMismatch)
		return nil
	}

	n.w.SeedRandom(seed)
	l.handshaken = true
	l.sess.SetPeerName(m.Name)
	l.log.Info().Str("peer", m.Name).Msg("Peer joined")
	return nil
}

func (n *Node) onReadyHost(l *live, m *protocol.ReadyHost) {
	if l.sess.Role != session.RoleClient || l.handshaken {
		l.log.Warn().Str("peer", m.Name).Msg("Ignoring unexpected host handshake")
		return
	}
	if m.ModVersion != n.cfg.ModVersion {
		l.log.Warn().
			Str("peer", m.Name).
			Str("local", n.cfg.ModVersion).
			Str("remote", m.ModVersion).
			Msg("Mod version mismatch")
		n.refuse(l, session.CauseModMismatch)
		return
	}

	n.w.SeedRandom(m.Seed)
	l.handshaken = true
	l.sess.SetPeerName(m.Name)
	l.log.Info().Str("peer", m.Name).Bool("competitive", m.Competitive).Msg("Joined host")
}

func (n *Node) onSendCraft(msg protocol.Message) error {
	m := msg.(*protocol.SendCraft)
	ref := world.Craft(m.CraftID, m.CraftType)
	attrs := world.Attrs{"mission": m.MissionID, "soldiers": len(m.Soldiers)}
	err := n.w.Apply(ref, attrs)
	if errors.Is(err, world.ErrNotFound) {
		err = n.w.Create(ref, attrs)
	}
	return err
}

func (n *Node) onMapResult(l *live, m *protocol.MapResult) {
	data, err := l.receiver.Complete(l.ctx, m.Slot, m.Save)
	if err != nil {
		l.log.Error().Err(err).Str("slot", string(m.Slot)).Msg("Snapshot transfer failed")
		n.emit(Event{Type: EventSnapshot, Slot: m.Slot, Save: m.Save, Err: err})
		return
	}

	ev := Event{Type: EventSnapshot, Slot: m.Slot, Save: m.Save, Bytes: len(data)}
	if n.store != nil {
		digest, err := n.store.PutSlot(context.WithoutCancel(l.ctx), l.sess.Role.String(), string(m.Slot), data, m.Save)
		if err != nil {
			l.log.Error().Err(err).Msg("Failed to store received snapshot")
			ev.Err = err
		}
		ev.Digest = digest
	}
	if err := n.w.Load(string(m.Slot), data); err != nil {
		l.log.Error().Err(err).Str("slot", string(m.Slot)).Msg("Failed to load received snapshot")
		if ev.Err == nil {
			ev.Err = err
		}
	}
	n.emit(ev)
}
