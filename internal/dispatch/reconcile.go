package dispatch

import (
	"errors"
	"fmt"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/world"
)

// Attributes written by the reconciler beyond the shared set in world.
const (
	attrOwner      = "owner"
	attrFacilities = "facilities"
	attrBase       = "base"
	attrStatus     = "status"
	attrFuel       = "fuel"
	attrStunned    = "stunned"
	attrKiller     = "killer"
	attrLastAction = "last_action"
	attrItem       = "item"
	attrItemSlot   = "item_slot"
	attrItemX      = "item_x"
	attrItemY      = "item_y"
)

// Reconciler copies world and tactical messages onto the simulation.
type Reconciler struct {
	w        world.Accessor
	missions []protocol.Mission
	removals []protocol.RemoveTarget
	progress int
}

// NewReconciler returns a Reconciler writing to w.
func NewReconciler(w world.Accessor) *Reconciler {
	return &Reconciler{w: w}
}

// Register installs a rule for every world and tactical kind.
func (r *Reconciler) Register(d *Dispatcher) {
	// World map.
	d.Register(protocol.KindTargetPositions, Rule{Apply: r.targetPositions})
	d.Register(protocol.KindMission, Rule{Apply: r.mission})
	d.Register(protocol.KindRemoveTarget, Rule{Apply: r.removeTarget})
	d.Register(protocol.KindNewBase, Rule{Apply: r.newBase})
	d.Register(protocol.KindCoopBase, Rule{Apply: r.coopBase})
	d.Register(protocol.KindCoopBase2, Rule{Ready: r.baseExists, Key: baseKey, Apply: r.coopBase2})
	d.Register(protocol.KindCoopBase3, Rule{Ready: r.baseExists, Key: baseKey, Apply: r.coopBase3})
	d.Register(protocol.KindUfoDamage, Rule{Apply: r.ufoDamage})

	// Battlescape.
	d.Register(protocol.KindUnitAction, Rule{Ready: r.unitIdle, Key: unitKey, Apply: r.unitAction})
	d.Register(protocol.KindActionClick, Rule{Ready: r.unitIdle, Key: unitKey, Apply: r.actionClick})
	d.Register(protocol.KindAbortPath, Rule{Ready: r.battle, Apply: r.abortPath})
	d.Register(protocol.KindUnitDeath, Rule{Ready: r.battle, Key: unitKey, Apply: r.unitDeath})
	d.Register(protocol.KindAfterUnitDeath, Rule{Ready: r.unitDead, Apply: r.afterUnitDeath})
	d.Register(protocol.KindHitUnit, Rule{Ready: r.battle, Key: unitKey, Apply: r.hitUnit})
	d.Register(protocol.KindInventory, Rule{Ready: r.battle, Key: unitKey, Apply: r.inventory})
	d.Register(protocol.KindKneel, Rule{Ready: r.battle, Key: unitKey, Apply: r.kneel})
	d.Register(protocol.KindMedkit, Rule{Ready: r.battle, Key: unitKey, Apply: r.medkit})
	d.Register(protocol.KindAIProgress, Rule{Ready: r.battle, Apply: r.aiProgress})
	d.Register(protocol.KindDebriefingState, Rule{Ready: r.battle, Apply: r.debriefing})
}

// DrainMissions hands the pending missions to the simulation.
func (r *Reconciler) DrainMissions() []protocol.Mission {
	out := r.missions
	r.missions = nil
	return out
}

// DrainRemovals hands the pending target removals to the simulation.
func (r *Reconciler) DrainRemovals() []protocol.RemoveTarget {
	out := r.removals
	r.removals = nil
	return out
}

// AIProgress returns the last reported enemy turn progress, 0 to 100.
func (r *Reconciler) AIProgress() int {
	return r.progress
}

// Reset drops pending collections.
func (r *Reconciler) Reset() {
	r.missions = nil
	r.removals = nil
	r.progress = 0
}

func baseKey(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.CoopBase2:
		return fmt.Sprintf("base:%d", m.CoopID)
	case *protocol.CoopBase3:
		return fmt.Sprintf("base:%d", m.CoopID)
	}
	return ""
}

func unitKey(msg protocol.Message) string {
	var id int
	switch m := msg.(type) {
	case *protocol.UnitAction:
		id = m.UnitID
	case *protocol.ActionClick:
		id = m.UnitID
	case *protocol.UnitDeath:
		id = m.UnitID
	case *protocol.HitUnit:
		id = m.UnitID
	case *protocol.Inventory:
		id = m.UnitID
	case *protocol.Kneel:
		id = m.UnitID
	case *protocol.Medkit:
		id = m.TargetID
	default:
		return ""
	}
	return fmt.Sprintf("unit:%d", id)
}

func (r *Reconciler) battle(protocol.Message) bool {
	return r.w.BattleActive()
}

func (r *Reconciler) baseExists(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.CoopBase2:
		return r.w.Exists(world.Base(m.CoopID))
	case *protocol.CoopBase3:
		return r.w.Exists(world.Base(m.CoopID))
	}
	return true
}

func (r *Reconciler) unitIdle(msg protocol.Message) bool {
	if !r.w.BattleActive() {
		return false
	}
	var id int
	switch m := msg.(type) {
	case *protocol.UnitAction:
		id = m.UnitID
	case *protocol.ActionClick:
		id = m.UnitID
	}
	return !r.w.Busy(world.Unit(id))
}

// unitDead holds after_unit_death until the death itself has landed. A
// unit the world does not know is let through so Apply can skip it.
func (r *Reconciler) unitDead(msg protocol.Message) bool {
	if !r.w.BattleActive() {
		return false
	}
	m := msg.(*protocol.AfterUnitDeath)
	attrs, err := r.w.Get(world.Unit(m.UnitID))
	if err != nil {
		return true
	}
	dead, _ := attrs[world.AttrDead].(bool)
	return dead
}

func (r *Reconciler) targetPositions(msg protocol.Message) error {
	m := msg.(*protocol.TargetPositions)
	for _, t := range m.Targets {
		ref := world.Marker(t.CoopID, t.Target)
		if t.Target == "ufo" {
			ref = world.UFO(t.CoopID)
		}
		if err := r.upsert(ref, world.Attrs{world.AttrLon: t.Lon, world.AttrLat: t.Lat}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) mission(msg protocol.Message) error {
	m := *msg.(*protocol.Mission)
	for _, have := range r.missions {
		if have == m {
			return nil
		}
	}
	r.missions = append(r.missions, m)
	return nil
}

func (r *Reconciler) removeTarget(msg protocol.Message) error {
	m := *msg.(*protocol.RemoveTarget)
	for _, have := range r.removals {
		if have == m {
			return nil
		}
	}
	r.removals = append(r.removals, m)
	return nil
}

func (r *Reconciler) newBase(msg protocol.Message) error {
	m := msg.(*protocol.NewBase)
	return r.upsert(world.Base(m.CoopID), world.Attrs{
		world.AttrName: m.Name,
		world.AttrLon:  m.Lon,
		world.AttrLat:  m.Lat,
	})
}

func (r *Reconciler) coopBase(msg protocol.Message) error {
	m := msg.(*protocol.CoopBase)
	ref := world.Base(m.CoopID)
	if err := r.upsert(ref, world.Attrs{
		world.AttrName: m.Name,
		world.AttrLon:  m.Lon,
		world.AttrLat:  m.Lat,
		attrOwner:      m.Owner,
	}); err != nil {
		return err
	}
	if m.Owner != "" {
		return r.w.SetFaction(ref, m.Owner)
	}
	return nil
}

func (r *Reconciler) coopBase2(msg protocol.Message) error {
	m := msg.(*protocol.CoopBase2)
	return r.w.Apply(world.Base(m.CoopID), world.Attrs{attrFacilities: m.Facilities})
}

func (r *Reconciler) coopBase3(msg protocol.Message) error {
	m := msg.(*protocol.CoopBase3)
	for _, c := range m.Crafts {
		err := r.upsert(world.Craft(c.ID, c.CraftType), world.Attrs{
			attrBase:         m.CoopID,
			attrStatus:       c.Status,
			attrFuel:         c.Fuel,
			world.AttrDamage: c.Damage,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) ufoDamage(msg protocol.Message) error {
	m := msg.(*protocol.UfoDamage)
	ref := world.UFO(m.CoopID)
	if m.Destroyed {
		return r.w.Remove(ref)
	}
	return r.w.Apply(ref, world.Attrs{world.AttrDamage: m.Damage})
}

func (r *Reconciler) unitAction(msg protocol.Message) error {
	m := msg.(*protocol.UnitAction)
	ref := world.Unit(m.UnitID)
	if err := r.w.Teleport(ref, world.Position{X: m.X, Y: m.Y, Z: m.Z}); err != nil {
		return err
	}
	return r.w.Apply(ref, world.Attrs{
		world.AttrDirection: m.Direction,
		world.AttrTimeUnits: m.TimeUnits,
		attrLastAction:      m.Action,
	})
}

func (r *Reconciler) actionClick(msg protocol.Message) error {
	m := msg.(*protocol.ActionClick)
	return r.w.Apply(world.Unit(m.UnitID), world.Attrs{attrLastAction: m.Action})
}

func (r *Reconciler) abortPath(msg protocol.Message) error {
	return r.w.AbortPath(world.Unit(msg.(*protocol.AbortPath).UnitID))
}

func (r *Reconciler) unitDeath(msg protocol.Message) error {
	m := msg.(*protocol.UnitDeath)
	return r.w.Apply(world.Unit(m.UnitID), world.Attrs{
		world.AttrDead: true,
		attrStunned:    m.Stunned,
		attrKiller:     m.KillerID,
	})
}

func (r *Reconciler) afterUnitDeath(msg protocol.Message) error {
	m := msg.(*protocol.AfterUnitDeath)
	ref := world.Unit(m.UnitID)
	if m.Faction == "" {
		return r.w.Remove(ref)
	}
	return r.w.SetFaction(ref, m.Faction)
}

func (r *Reconciler) hitUnit(msg protocol.Message) error {
	m := msg.(*protocol.HitUnit)
	return r.w.Apply(world.Unit(m.UnitID), world.Attrs{
		world.AttrHealth: m.Health,
		world.AttrStun:   m.Stun,
		world.AttrDamage: m.Damage,
	})
}

func (r *Reconciler) inventory(msg protocol.Message) error {
	m := msg.(*protocol.Inventory)
	return r.w.Apply(world.Unit(m.UnitID), world.Attrs{
		attrItem:     m.ItemID,
		attrItemSlot: m.To,
		attrItemX:    m.SlotX,
		attrItemY:    m.SlotY,
	})
}

func (r *Reconciler) kneel(msg protocol.Message) error {
	m := msg.(*protocol.Kneel)
	return r.w.Apply(world.Unit(m.UnitID), world.Attrs{world.AttrKneeled: m.Kneeled})
}

func (r *Reconciler) medkit(msg protocol.Message) error {
	m := msg.(*protocol.Medkit)
	ref := world.Unit(m.TargetID)
	attrs, err := r.w.Get(ref)
	if err != nil {
		return err
	}
	return r.w.Apply(ref, world.Attrs{
		world.AttrHealth: toInt(attrs[world.AttrHealth]) + m.Heal,
		world.AttrStun:   max(0, toInt(attrs[world.AttrStun])-m.Stimulant),
		world.AttrMorale: toInt(attrs[world.AttrMorale]) + m.Painkiller,
	})
}

func (r *Reconciler) aiProgress(msg protocol.Message) error {
	r.progress = msg.(*protocol.AIProgress).Progress
	return nil
}

func (r *Reconciler) debriefing(msg protocol.Message) error {
	m := msg.(*protocol.DebriefingState)
	r.w.EndBattle(m.Success, m.Score)
	return nil
}

// upsert applies attrs, creating the entity when it is missing.
func (r *Reconciler) upsert(ref world.Ref, attrs world.Attrs) error {
	err := r.w.Apply(ref, attrs)
	if errors.Is(err, world.ErrNotFound) {
		err = r.w.Create(ref, attrs)
	}
	return err
}

// toInt reads a numeric attribute that may have been through JSON.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
