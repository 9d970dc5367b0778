// Package turn tracks which peer may drive the shared battlescape and
// passes that right back and forth with PlayerTurnYour.
package turn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/session"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/rs/zerolog"
)

var (
	// ErrNotAuthority is returned by HandOff when the local peer does not
	// hold the turn.
	ErrNotAuthority = errors.New("turn is not held locally")
	// ErrSpectator is returned by HandOff while spectating.
	ErrSpectator = errors.New("spectators cannot hand off the turn")
	// ErrPending is returned when a change of host is already requested.
	ErrPending = errors.New("change of host already requested")
)

// Authority is the local peer's write access to the battlescape.
type Authority int32

const (
	// TeamShared lets both peers act.
	TeamShared Authority = iota
	// Mine means the local peer holds the turn.
	Mine
	// Waiting means the peer holds the turn.
	Waiting
	// Spectator never holds the turn.
	Spectator
)

// String returns a string representation of the authority.
func (a Authority) String() string {
	switch a {
	case TeamShared:
		return "team-shared"
	case Mine:
		return "mine"
	case Waiting:
		return "waiting"
	case Spectator:
		return "spectator"
	default:
		return "unknown"
	}
}

// Outbox accepts messages for the peer.
type Outbox interface {
	Send(msg protocol.Message) error
}

// Coordinator is driven from the simulation goroutine.
type Coordinator struct {
	role  session.Role
	w     world.Accessor
	out   Outbox
	seeds func() int64
	log   zerolog.Logger

	authority Authority
	// leader is the role that wins a crossed handoff.
	leader    session.Role
	turn      int
	handedOff bool
	requested bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSeeds replaces the seed source used on handoff.
func WithSeeds(next func() int64) Option {
	return func(c *Coordinator) {
		c.seeds = next
	}
}

// New returns the coordinator for role. The host starts with the turn.
func New(role session.Role, w world.Accessor, out Outbox, opts ...Option) *Coordinator {
	c := &Coordinator{
		role:  role,
		w:     w,
		out:   out,
		seeds: rand.Int63,
		log:   log.With("turn").With().Str("role", role.String()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Reset()
	return c
}

// Reset returns to the initial state of a new session.
func (c *Coordinator) Reset() {
	c.leader = session.RoleHost
	c.turn = 0
	c.handedOff = false
	c.requested = false
	c.authority = c.initial()
}

func (c *Coordinator) initial() Authority {
	if c.role == c.leader {
		return Mine
	}
	return Waiting
}

// Authority returns the local authority.
func (c *Coordinator) Authority() Authority {
	return c.authority
}

// Turn returns the last turn number handed off or received.
func (c *Coordinator) Turn() int {
	return c.turn
}

// Leader returns the role that is authoritative for the battlescape.
func (c *Coordinator) Leader() session.Role {
	return c.leader
}

// Share lets both peers act until the next handoff.
func (c *Coordinator) Share() {
	if c.authority != Spectator {
		c.authority = TeamShared
	}
}

// SetSpectator switches spectating on or off. Leaving spectator mode waits
// for the next handoff.
func (c *Coordinator) SetSpectator(on bool) {
	switch {
	case on:
		c.authority = Spectator
	case c.authority == Spectator:
		c.authority = Waiting
	}
}

// HandOff ends the local turn. It picks the seed for the next turn, sends
// it with the unit deltas and waits for the turn to come back.
func (c *Coordinator) HandOff(units []protocol.UnitDelta) error {
	switch c.authority {
	case Spectator:
		return ErrSpectator
	case Waiting:
		return ErrNotAuthority
	}

	next := c.turn + 1
	seed := c.seeds()
	if err := c.out.Send(&protocol.PlayerTurnYour{Turn: next, Seed: seed, Units: units}); err != nil {
		return fmt.Errorf("failed to hand off turn %d: %w", next, err)
	}
	c.w.SeedRandom(seed)
	c.turn = next
	c.handedOff = true
	c.authority = Waiting
	c.log.Debug().Int("turn", next).Int("units", len(units)).Msg("Handed off turn")
	return nil
}

// Receive takes the turn from the peer. A handoff that crosses the local
// one at the same turn number is resolved in favour of the leader: the
// leader ignores it, the other peer accepts it.
func (c *Coordinator) Receive(msg *protocol.PlayerTurnYour) error {
	switch {
	case msg.Turn == c.turn && c.handedOff:
		if c.role == c.leader {
			c.log.Info().Int("turn", msg.Turn).Msg("Ignoring crossed handoff")
			return nil
		}
		c.log.Info().Int("turn", msg.Turn).Msg("Yielding crossed handoff to the leader")
	case msg.Turn <= c.turn:
		c.log.Warn().Int("turn", msg.Turn).Int("current", c.turn).Msg("Ignoring stale handoff")
		return nil
	}

	c.w.SeedRandom(msg.Seed)
	for _, u := range msg.Units {
		if err := c.apply(u); err != nil {
			return err
		}
	}

	c.turn = msg.Turn
	c.handedOff = false
	if c.authority != Spectator {
		c.authority = Mine
	}
	c.log.Debug().Int("turn", msg.Turn).Int("units", len(msg.Units)).Msg("Received turn")
	return nil
}

func (c *Coordinator) apply(u protocol.UnitDelta) error {
	ref := world.Unit(u.UnitID)
	err := c.w.Teleport(ref, world.Position{X: u.X, Y: u.Y, Z: u.Z})
	if err == nil {
		err = c.w.Apply(ref, world.Attrs{
			world.AttrDirection: u.Direction,
			world.AttrHealth:    u.Health,
			world.AttrTimeUnits: u.TimeUnits,
			world.AttrEnergy:    u.Energy,
			world.AttrMorale:    u.Morale,
		})
	}
	if err == nil && u.Faction != "" {
		err = c.w.SetFaction(ref, u.Faction)
	}
	if errors.Is(err, world.ErrNotFound) {
		return nil
	}
	return err
}

// RequestChangeHost asks the peer to swap the leader.
func (c *Coordinator) RequestChangeHost() error {
	if c.requested {
		return ErrPending
	}
	if err := c.out.Send(&protocol.ChangeHostRequest{}); err != nil {
		return fmt.Errorf("failed to request change of host: %w", err)
	}
	c.requested = true
	return nil
}

// OnChangeHostRequest accepts a request from the peer and swaps the leader.
func (c *Coordinator) OnChangeHostRequest() error {
	if err := c.out.Send(&protocol.ChangeHostAccept{}); err != nil {
		return fmt.Errorf("failed to accept change of host: %w", err)
	}
	c.swap()
	return nil
}

// OnChangeHostAccept completes a local request.
func (c *Coordinator) OnChangeHostAccept() {
	if !c.requested {
		c.log.Warn().Msg("Ignoring unsolicited change of host")
		return
	}
	c.requested = false
	c.swap()
}

func (c *Coordinator) swap() {
	c.leader = c.leader.Peer()
	c.log.Info().Str("leader", c.leader.String()).Msg("Battlescape leader changed")
}
