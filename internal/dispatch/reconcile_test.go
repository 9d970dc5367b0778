package dispatch

import (
	"testing"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupReconciler(t *testing.T) (*world.Memory, *Reconciler, *Dispatcher, *queue.Ring[[]byte]) {
	t.Helper()
	w := world.NewMemory()
	q := queue.New[[]byte](64)
	d := New(q)
	r := NewReconciler(w)
	r.Register(d)
	return w, r, d, q
}

// startBattle loads a battle snapshot holding the given units.
func startBattle(t *testing.T, w *world.Memory, units map[int]world.Attrs) {
	t.Helper()
	src := world.NewMemory()
	for id, attrs := range units {
		require.NoError(t, src.Create(world.Unit(id), attrs))
	}
	data, err := src.Snapshot("battle")
	require.NoError(t, err)
	require.NoError(t, w.Load("battle", data))
}

func TestReconcileDedup(t *testing.T) {
	_, r, d, q := setupReconciler(t)

	mission := &protocol.Mission{ID: 7, MissionType: "terror", Lon: 1.5, Lat: -0.5}
	removal := &protocol.RemoveTarget{CoopID: 3, Target: "ufo"}
	push(t, q, mission, mission, removal, removal, &protocol.RemoveTarget{CoopID: 4, Target: "ufo"})

	st := d.Tick()
	assert.Equal(t, 5, st.Applied)

	missions := r.DrainMissions()
	require.Len(t, missions, 1)
	assert.Equal(t, *mission, missions[0])
	assert.Len(t, r.DrainRemovals(), 2)

	assert.Empty(t, r.DrainMissions(), "Drained collections start empty")
	assert.Empty(t, r.DrainRemovals())
}

func TestReconcileBaseDependencies(t *testing.T) {
	w, _, d, q := setupReconciler(t)

	push(t, q,
		&protocol.CoopBase2{CoopID: 1, Facilities: []protocol.Facility{{Name: "hangar", X: 1, Y: 2}}},
		&protocol.CoopBase3{CoopID: 1, Crafts: []protocol.CraftState{{ID: 4, CraftType: "interceptor", Fuel: 80}}},
		&protocol.CoopBase{CoopID: 1, Name: "Alpha", Owner: "client", Lon: 2, Lat: 3},
	)

	st := d.Tick()
	assert.Equal(t, 3, st.Applied)
	assert.Equal(t, 2, st.Passes, "Facilities and crafts wait one pass for the base")

	attrs, err := w.Get(world.Base(1))
	require.NoError(t, err)
	assert.Equal(t, "Alpha", attrs[world.AttrName])
	assert.Equal(t, "client", attrs[world.AttrFaction])
	assert.Len(t, attrs["facilities"], 1)

	craft, err := w.Get(world.Craft(4, "interceptor"))
	require.NoError(t, err)
	assert.Equal(t, 80, craft["fuel"])
	assert.Equal(t, 1, craft["base"])
}

func TestReconcileHeldUntilBattle(t *testing.T) {
	w, _, d, q := setupReconciler(t)

	push(t, q, &protocol.HitUnit{UnitID: 1, Damage: 5, Health: 45})
	st := d.Tick()
	assert.Equal(t, 1, st.Held)

	startBattle(t, w, map[int]world.Attrs{1: {world.AttrHealth: 50}})
	st = d.Tick()
	assert.Equal(t, 1, st.Applied)

	attrs, err := w.Get(world.Unit(1))
	require.NoError(t, err)
	assert.Equal(t, 45, attrs[world.AttrHealth])
}

func TestReconcileWalkOrdering(t *testing.T) {
	w, _, d, q := setupReconciler(t)
	startBattle(t, w, map[int]world.Attrs{1: {world.AttrHealth: 50}})
	w.SetBusy(world.Unit(1), true)

	push(t, q,
		&protocol.UnitAction{UnitID: 1, Action: "walk", X: 3, Y: 4, TimeUnits: 20},
		&protocol.Kneel{UnitID: 1, Kneeled: true},
	)
	st := d.Tick()
	assert.Equal(t, 0, st.Applied)
	assert.Equal(t, 2, st.Held, "Kneel waits behind the walk of the same unit")

	push(t, q, &protocol.AbortPath{UnitID: 1})
	st = d.Tick()
	assert.Equal(t, 3, st.Applied)
	assert.Equal(t, 2, st.Passes)

	attrs, err := w.Get(world.Unit(1))
	require.NoError(t, err)
	assert.Equal(t, 3, attrs["x"])
	assert.Equal(t, 20, attrs[world.AttrTimeUnits])
	assert.Equal(t, true, attrs[world.AttrKneeled])
}

func TestReconcileDeath(t *testing.T) {
	w, _, d, q := setupReconciler(t)
	startBattle(t, w, map[int]world.Attrs{1: {}, 2: {}})

	// The follow-up arrives first and waits for the death.
	push(t, q,
		&protocol.AfterUnitDeath{UnitID: 1},
		&protocol.AfterUnitDeath{UnitID: 2, Faction: "aliens"},
		&protocol.UnitDeath{UnitID: 1, KillerID: 2},
		&protocol.UnitDeath{UnitID: 2, Stunned: true},
	)
	st := d.Tick()
	assert.Equal(t, 4, st.Applied)
	assert.Equal(t, 0, st.Held)

	assert.False(t, w.Exists(world.Unit(1)), "Body is removed")
	attrs, err := w.Get(world.Unit(2))
	require.NoError(t, err)
	assert.Equal(t, "aliens", attrs[world.AttrFaction])
	assert.Equal(t, true, attrs["stunned"])
}

func TestReconcileMedkitAndDebriefing(t *testing.T) {
	w, r, d, q := setupReconciler(t)
	startBattle(t, w, map[int]world.Attrs{1: {}, 2: {world.AttrHealth: 30, world.AttrStun: 10, world.AttrMorale: 40}})

	push(t, q,
		&protocol.Medkit{UnitID: 1, TargetID: 2, Heal: 10, Stimulant: 15, Painkiller: 5},
		&protocol.AIProgress{Progress: 60},
		&protocol.HitUnit{UnitID: 99, Damage: 1},
		&protocol.DebriefingState{Success: true, Score: 120},
	)
	st := d.Tick()
	assert.Equal(t, 4, st.Applied, "A hit on an unknown unit is skipped, not dropped")
	assert.Equal(t, 60, r.AIProgress())

	assert.False(t, w.BattleActive())
	require.Len(t, w.Results(), 1)
	assert.Equal(t, world.BattleResult{Success: true, Score: 120}, w.Results()[0])
}

func TestReconcileMedkitValues(t *testing.T) {
	w, _, d, q := setupReconciler(t)
	startBattle(t, w, map[int]world.Attrs{2: {world.AttrHealth: 30, world.AttrStun: 10, world.AttrMorale: 40}})

	push(t, q, &protocol.Medkit{UnitID: 1, TargetID: 2, Heal: 10, Stimulant: 15, Painkiller: 5})
	d.Tick()

	attrs, err := w.Get(world.Unit(2))
	require.NoError(t, err)
	assert.Equal(t, 40, attrs[world.AttrHealth])
	assert.Equal(t, 0, attrs[world.AttrStun])
	assert.Equal(t, 45, attrs[world.AttrMorale])
}

func TestReconcileWorldMap(t *testing.T) {
	w, _, d, q := setupReconciler(t)

	push(t, q,
		&protocol.TargetPositions{Targets: []protocol.Marker{
			{CoopID: 1, Target: "ufo", Lon: 1, Lat: 1},
			{CoopID: 2, Target: "waypoint", Lon: 2, Lat: 2},
		}},
		&protocol.NewBase{CoopID: 5, Name: "Beta"},
		&protocol.UfoDamage{CoopID: 1, Damage: 30},
	)
	st := d.Tick()
	assert.Equal(t, 3, st.Applied)

	ufo, err := w.Get(world.UFO(1))
	require.NoError(t, err)
	assert.Equal(t, 30, ufo[world.AttrDamage])
	assert.True(t, w.Exists(world.Marker(2, "waypoint")))
	assert.True(t, w.Exists(world.Base(5)))

	push(t, q, &protocol.UfoDamage{CoopID: 1, Destroyed: true}, &protocol.UfoDamage{CoopID: 9, Damage: 1})
	st = d.Tick()
	assert.Equal(t, 2, st.Applied)
	assert.False(t, w.Exists(world.UFO(1)))
}
