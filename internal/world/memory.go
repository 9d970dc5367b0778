package world

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// Memory is an in-process simulation keeping entities in maps. The daemon
// uses it when no game is attached; tests use it as the peer's world.
type Memory struct {
	mu       sync.RWMutex
	entities map[Ref]Attrs
	busy     map[Ref]bool
	battle   bool
	seed     int64
	rng      *rand.Rand
	results  []BattleResult
}

// BattleResult records how a battle ended.
type BattleResult struct {
	Success bool
	Score   int
}

// NewMemory returns an empty world.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[Ref]Attrs),
		busy:     make(map[Ref]bool),
		rng:      rand.New(rand.NewSource(0)),
	}
}

func (m *Memory) Exists(ref Ref) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entities[ref]
	return ok
}

func (m *Memory) Get(ref Ref) (Attrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs, ok := m.entities[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	out := make(Attrs, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Apply(ref Ref, attrs Attrs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entities[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	for k, v := range attrs {
		cur[k] = v
	}
	return nil
}

func (m *Memory) Create(ref Ref, attrs Attrs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[ref]; ok {
		return fmt.Errorf("%w: %s", ErrExists, ref)
	}
	cur := make(Attrs, len(attrs))
	for k, v := range attrs {
		cur[k] = v
	}
	m.entities[ref] = cur
	return nil
}

func (m *Memory) Remove(ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	delete(m.entities, ref)
	delete(m.busy, ref)
	return nil
}

func (m *Memory) Teleport(ref Ref, pos Position) error {
	return m.Apply(ref, Attrs{"x": pos.X, "y": pos.Y, "z": pos.Z})
}

func (m *Memory) SetFaction(ref Ref, faction string) error {
	return m.Apply(ref, Attrs{AttrFaction: faction})
}

func (m *Memory) Busy(ref Ref) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy[ref]
}

// SetBusy marks a unit as walking. The simulation clears it when the walk
// ends or is aborted.
func (m *Memory) SetBusy(ref Ref, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if busy {
		m.busy[ref] = true
		return
	}
	delete(m.busy, ref)
}

func (m *Memory) AbortPath(ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	delete(m.busy, ref)
	return nil
}

func (m *Memory) BattleActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.battle
}

func (m *Memory) EndBattle(success bool, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battle = false
	m.results = append(m.results, BattleResult{Success: success, Score: score})
	for ref := range m.entities {
		if ref.Kind == EntityUnit {
			delete(m.entities, ref)
		}
	}
	m.busy = make(map[Ref]bool)
}

// Results returns the outcome of every battle ended so far.
func (m *Memory) Results() []BattleResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BattleResult(nil), m.results...)
}

func (m *Memory) SeedRandom(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = seed
	m.rng = rand.New(rand.NewSource(seed))
}

// Seed returns the last seed applied.
func (m *Memory) Seed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seed
}

// Intn draws from the shared random generator.
func (m *Memory) Intn(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Intn(n)
}

// Len returns the number of entities of the given kind.
func (m *Memory) Len(kind EntityKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for ref := range m.entities {
		if ref.Kind == kind {
			n++
		}
	}
	return n
}

type snapshotEntity struct {
	Kind  EntityKind `json:"kind"`
	ID    int        `json:"id"`
	Type  string     `json:"type,omitempty"`
	Attrs Attrs      `json:"attrs"`
}

type snapshotDoc struct {
	Slot     string           `json:"slot"`
	Battle   bool             `json:"battle"`
	Seed     int64            `json:"seed"`
	Entities []snapshotEntity `json:"entities"`
}

// Snapshot serializes every entity. The battle slot carries units; the base
// slot carries everything else.
func (m *Memory) Snapshot(slot string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := snapshotDoc{Slot: slot, Battle: slot == "battle", Seed: m.seed}
	for ref, attrs := range m.entities {
		if (ref.Kind == EntityUnit) != (slot == "battle") {
			continue
		}
		doc.Entities = append(doc.Entities, snapshotEntity{Kind: ref.Kind, ID: ref.ID, Type: ref.Type, Attrs: attrs})
	}
	sort.Slice(doc.Entities, func(i, j int) bool {
		a, b := doc.Entities[i], doc.Entities[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Type < b.Type
	})

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize world: %w", err)
	}
	return data, nil
}

// Load replaces the entities covered by slot. Loading the battle slot
// starts a battle.
func (m *Memory) Load(slot string, data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	battle := slot == "battle"
	for ref := range m.entities {
		if (ref.Kind == EntityUnit) == battle {
			delete(m.entities, ref)
		}
	}
	for _, e := range doc.Entities {
		attrs := e.Attrs
		if attrs == nil {
			attrs = Attrs{}
		}
		m.entities[Ref{Kind: e.Kind, ID: e.ID, Type: e.Type}] = attrs
	}
	if battle {
		m.battle = true
		m.busy = make(map[Ref]bool)
		m.seed = doc.Seed
		m.rng = rand.New(rand.NewSource(doc.Seed))
	}
	return nil
}

var _ Accessor = (*Memory)(nil)
