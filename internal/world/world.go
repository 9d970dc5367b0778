// Package world defines how the synchronization core reaches the simulation
// it does not own, and ships an in-memory simulation for the daemon and tests.
package world

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a reference matches no entity.
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned by Create when the entity is already present.
	ErrExists = errors.New("entity already exists")
)

// EntityKind selects the namespace an identifier belongs to.
type EntityKind int

const (
	// EntityUnit is a battlescape unit, keyed by unit id.
	EntityUnit EntityKind = iota
	// EntityUFO is a world-map UFO, keyed by coop id.
	EntityUFO
	// EntityBase is a base, keyed by coop id.
	EntityBase
	// EntityCraft is a craft, keyed by id and craft type.
	EntityCraft
	// EntityMarker is any other world-map target, keyed by coop id and target kind.
	EntityMarker
)

// String returns a string representation of the entity kind.
func (k EntityKind) String() string {
	switch k {
	case EntityUnit:
		return "unit"
	case EntityUFO:
		return "ufo"
	case EntityBase:
		return "base"
	case EntityCraft:
		return "craft"
	case EntityMarker:
		return "marker"
	default:
		return "unknown"
	}
}

// Ref identifies a simulation entity without owning it.
type Ref struct {
	Kind EntityKind
	ID   int
	Type string
}

// Unit returns the reference of a battlescape unit.
func Unit(id int) Ref { return Ref{Kind: EntityUnit, ID: id} }

// UFO returns the reference of a UFO by coop id.
func UFO(coopID int) Ref { return Ref{Kind: EntityUFO, ID: coopID} }

// Base returns the reference of a base by coop id.
func Base(coopID int) Ref { return Ref{Kind: EntityBase, ID: coopID} }

// Craft returns the reference of a craft by id and type.
func Craft(id int, craftType string) Ref { return Ref{Kind: EntityCraft, ID: id, Type: craftType} }

// Marker returns the reference of a generic world-map target.
func Marker(coopID int, target string) Ref { return Ref{Kind: EntityMarker, ID: coopID, Type: target} }

func (r Ref) String() string {
	if r.Type != "" {
		return fmt.Sprintf("%s:%d:%s", r.Kind, r.ID, r.Type)
	}
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Attrs is a set of named attribute values copied onto an entity.
type Attrs map[string]any

// Well-known attribute names.
const (
	AttrName      = "name"
	AttrHealth    = "health"
	AttrStun      = "stun"
	AttrTimeUnits = "time_units"
	AttrEnergy    = "energy"
	AttrMorale    = "morale"
	AttrDirection = "direction"
	AttrKneeled   = "kneeled"
	AttrDead      = "dead"
	AttrFaction   = "faction"
	AttrDamage    = "damage"
	AttrLon       = "lon"
	AttrLat       = "lat"
)

// Position is a battlescape tile.
type Position struct {
	X, Y, Z int
}

// Accessor is the surface of the simulation the core mutates. All calls are
// made from the simulation goroutine.
type Accessor interface {
	// Exists reports whether ref resolves to an entity.
	Exists(ref Ref) bool
	// Get returns a copy of the entity's attributes.
	Get(ref Ref) (Attrs, error)
	// Apply copies attrs onto the entity.
	Apply(ref Ref, attrs Attrs) error
	// Create adds a missing entity.
	Create(ref Ref, attrs Attrs) error
	// Remove deletes a stale entity.
	Remove(ref Ref) error
	// Teleport moves a unit to pos.
	Teleport(ref Ref, pos Position) error
	// SetFaction changes the owner of an entity.
	SetFaction(ref Ref, faction string) error
	// Busy reports whether a unit is still walking a path.
	Busy(ref Ref) bool
	// AbortPath stops a walking unit.
	AbortPath(ref Ref) error
	// BattleActive reports whether a battle snapshot is loaded.
	BattleActive() bool
	// EndBattle closes the current battle.
	EndBattle(success bool, score int)
	// SeedRandom reseeds the shared random generator.
	SeedRandom(seed int64)
	// Snapshot serializes the world for slot.
	Snapshot(slot string) ([]byte, error)
	// Load replaces world state for slot from a snapshot.
	Load(slot string, data []byte) error
}
