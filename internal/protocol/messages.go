package protocol

import (
	"errors"
	"fmt"
)

// Message kinds.
const (
	// Handshake.
	KindReadyClient Kind = "COOP_READY_CLIENT"
	KindReadyHost   Kind = "COOP_READY_HOST"
	KindSendCraft   Kind = "sendCraft"

	// Heartbeat.
	KindPing Kind = "PING"
	KindPong Kind = "PONG"

	// Bulk transfer.
	KindSendFileBattle  Kind = "SEND_FILE_BATTLE"
	KindSendFileBase    Kind = "SEND_FILE_BASE"
	KindMapResultData   Kind = "map_result_data"
	KindMapResultBattle Kind = "MAP_RESULT_BATTLE"
	KindMapResultBase   Kind = "MAP_RESULT_BASE"
	KindWaitMapSender   Kind = "WAIT_MAP_SENDER"

	// World reconciliation.
	KindTargetPositions Kind = "target_positions"
	KindMission         Kind = "mission"
	KindRemoveTarget    Kind = "remove_target"
	KindNewBase         Kind = "new_base"
	KindCoopBase        Kind = "coopBase"
	KindCoopBase2       Kind = "coopBase2"
	KindCoopBase3       Kind = "coopBase3"
	KindUfoDamage       Kind = "ufo_damage"

	// Tactical turn.
	KindPlayerTurnYour  Kind = "PlayerTurnYour"
	KindAbortPath       Kind = "abortPath"
	KindUnitAction      Kind = "unit_action"
	KindUnitDeath       Kind = "unit_death"
	KindAfterUnitDeath  Kind = "after_unit_death"
	KindHitUnit         Kind = "hit_unit"
	KindActionClick     Kind = "action_click"
	KindInventory       Kind = "Inventory"
	KindKneel           Kind = "kneel"
	KindMedkit          Kind = "medkit"
	KindAIProgress      Kind = "AIProgress"
	KindDebriefingState Kind = "DebriefingState"

	// Chat.
	KindChat Kind = "chat_message"

	// Session control.
	KindServerFull        Kind = "server_full"
	KindChangeHostRequest Kind = "changeHostRequest"
	KindChangeHostAccept  Kind = "changeHostAccept"
)

// Slot names the snapshot a bulk transfer carries.
type Slot string

const (
	SlotBattle Slot = "battle"
	SlotBase   Slot = "base"
)

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s == SlotBattle || s == SlotBase
}

var registry = map[Kind]kindInfo{
	KindReadyClient: {[]string{"name", "mod_version"}, func() Message { return &ReadyClient{} }},
	KindReadyHost:   {[]string{"name", "mod_version", "seed"}, func() Message { return &ReadyHost{} }},
	KindSendCraft:   {[]string{"craft_id", "craft_type"}, func() Message { return &SendCraft{} }},

	KindPing: {[]string{"timestamp"}, func() Message { return &Ping{} }},
	KindPong: {[]string{"timestamp"}, func() Message { return &Pong{} }},

	KindSendFileBattle:  {[]string{"size"}, func() Message { return &SendFile{Slot: SlotBattle} }},
	KindSendFileBase:    {[]string{"size"}, func() Message { return &SendFile{Slot: SlotBase} }},
	KindMapResultData:   {[]string{"data"}, func() Message { return &MapResultData{} }},
	KindMapResultBattle: {[]string{"save"}, func() Message { return &MapResult{Slot: SlotBattle} }},
	KindMapResultBase:   {[]string{"save"}, func() Message { return &MapResult{Slot: SlotBase} }},
	KindWaitMapSender:   {nil, func() Message { return &WaitMapSender{} }},

	KindTargetPositions: {[]string{"targets"}, func() Message { return &TargetPositions{} }},
	KindMission:         {[]string{"id", "mission_type"}, func() Message { return &Mission{} }},
	KindRemoveTarget:    {[]string{"coop_id", "target"}, func() Message { return &RemoveTarget{} }},
	KindNewBase:         {[]string{"coop_id", "name"}, func() Message { return &NewBase{} }},
	KindCoopBase:        {[]string{"coop_id", "name"}, func() Message { return &CoopBase{} }},
	KindCoopBase2:       {[]string{"coop_id", "facilities"}, func() Message { return &CoopBase2{} }},
	KindCoopBase3:       {[]string{"coop_id", "crafts"}, func() Message { return &CoopBase3{} }},
	KindUfoDamage:       {[]string{"coop_id", "damage"}, func() Message { return &UfoDamage{} }},

	KindPlayerTurnYour:  {[]string{"turn", "seed"}, func() Message { return &PlayerTurnYour{} }},
	KindAbortPath:       {[]string{"unit_id"}, func() Message { return &AbortPath{} }},
	KindUnitAction:      {[]string{"unit_id", "action"}, func() Message { return &UnitAction{} }},
	KindUnitDeath:       {[]string{"unit_id"}, func() Message { return &UnitDeath{} }},
	KindAfterUnitDeath:  {[]string{"unit_id"}, func() Message { return &AfterUnitDeath{} }},
	KindHitUnit:         {[]string{"unit_id", "health"}, func() Message { return &HitUnit{} }},
	KindActionClick:     {[]string{"unit_id", "action"}, func() Message { return &ActionClick{} }},
	KindInventory:       {[]string{"unit_id", "item_id", "to"}, func() Message { return &Inventory{} }},
	KindKneel:           {[]string{"unit_id", "kneeled"}, func() Message { return &Kneel{} }},
	KindMedkit:          {[]string{"unit_id", "target_id"}, func() Message { return &Medkit{} }},
	KindAIProgress:      {[]string{"progress"}, func() Message { return &AIProgress{} }},
	KindDebriefingState: {[]string{"success"}, func() Message { return &DebriefingState{} }},

	KindChat: {[]string{"from", "text"}, func() Message { return &Chat{} }},

	KindServerFull:        {nil, func() Message { return &ServerFull{} }},
	KindChangeHostRequest: {nil, func() Message { return &ChangeHostRequest{} }},
	KindChangeHostAccept:  {nil, func() Message { return &ChangeHostAccept{} }},
}

// ReadyClient opens the handshake from the joining peer.
type ReadyClient struct {
	Name       string `json:"name"`
	ModVersion string `json:"mod_version"`
}

func (*ReadyClient) Kind() Kind { return KindReadyClient }

// ReadyHost answers ReadyClient and carries the initial shared seed.
type ReadyHost struct {
	Name        string `json:"name"`
	ModVersion  string `json:"mod_version"`
	Seed        int64  `json:"seed"`
	Competitive bool   `json:"competitive,omitempty"`
}

func (*ReadyHost) Kind() Kind { return KindReadyHost }

// SendCraft announces a craft launched towards a shared mission site.
type SendCraft struct {
	CraftID   int    `json:"craft_id"`
	CraftType string `json:"craft_type"`
	MissionID int    `json:"mission_id,omitempty"`
	Soldiers  []int  `json:"soldiers,omitempty"`
}

func (*SendCraft) Kind() Kind { return KindSendCraft }

func (m *SendCraft) Validate() error {
	if m.CraftType == "" {
		return errors.New("craft_type is empty")
	}
	return nil
}

// Ping carries the sender's clock in unix nanoseconds.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Ping) Kind() Kind { return KindPing }

// Pong echoes the timestamp of the Ping it answers.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Pong) Kind() Kind { return KindPong }

// SendFile announces a bulk transfer into Slot.
type SendFile struct {
	Slot Slot `json:"-"`
	Size int  `json:"size"`
	Save bool `json:"save,omitempty"`
}

func (m *SendFile) Kind() Kind {
	if m.Slot == SlotBase {
		return KindSendFileBase
	}
	return KindSendFileBattle
}

func (m *SendFile) Validate() error {
	if m.Size < 0 {
		return fmt.Errorf("negative size %d", m.Size)
	}
	return nil
}

// MapResultData carries one chunk of a bulk transfer.
type MapResultData struct {
	Data []byte `json:"data"`
}

func (*MapResultData) Kind() Kind { return KindMapResultData }

// MapResult terminates a bulk transfer into Slot.
type MapResult struct {
	Slot Slot `json:"-"`
	Save bool `json:"save"`
	Size int  `json:"size,omitempty"`
}

func (m *MapResult) Kind() Kind {
	if m.Slot == SlotBase {
		return KindMapResultBase
	}
	return KindMapResultBattle
}

// WaitMapSender acknowledges a chunk; the sender may emit the next one.
type WaitMapSender struct{}

func (*WaitMapSender) Kind() Kind { return KindWaitMapSender }

// Marker is one world-map target position.
type Marker struct {
	CoopID int     `json:"coop_id"`
	Target string  `json:"target"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
}

// TargetPositions refreshes the positions of moving world-map targets.
type TargetPositions struct {
	Targets []Marker `json:"targets"`
}

func (*TargetPositions) Kind() Kind { return KindTargetPositions }

func (m *TargetPositions) Validate() error {
	for _, t := range m.Targets {
		if t.Target == "" {
			return fmt.Errorf("target %d has no target kind", t.CoopID)
		}
	}
	return nil
}

// Mission is a world-map mission site spawned by the host. All fields are
// comparable so duplicates can be detected by value.
type Mission struct {
	ID          int     `json:"id"`
	MissionType string  `json:"mission_type"`
	Region      string  `json:"region,omitempty"`
	Lon         float64 `json:"lon"`
	Lat         float64 `json:"lat"`
}

func (*Mission) Kind() Kind { return KindMission }

// RemoveTarget asks the peer to remove a world-map target.
type RemoveTarget struct {
	CoopID int    `json:"coop_id"`
	Target string `json:"target"`
}

func (*RemoveTarget) Kind() Kind { return KindRemoveTarget }

// NewBase announces a base founded by the peer.
type NewBase struct {
	CoopID int     `json:"coop_id"`
	Name   string  `json:"name"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
}

func (*NewBase) Kind() Kind { return KindNewBase }

// CoopBase creates or refreshes the header of a peer base.
type CoopBase struct {
	CoopID int     `json:"coop_id"`
	Name   string  `json:"name"`
	Owner  string  `json:"owner,omitempty"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
}

func (*CoopBase) Kind() Kind { return KindCoopBase }

// Facility is one building of a base.
type Facility struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// CoopBase2 carries the facility layout of a peer base.
type CoopBase2 struct {
	CoopID     int        `json:"coop_id"`
	Facilities []Facility `json:"facilities"`
}

func (*CoopBase2) Kind() Kind { return KindCoopBase2 }

// CraftState is the hangar view of one craft.
type CraftState struct {
	ID        int    `json:"id"`
	CraftType string `json:"craft_type"`
	Status    string `json:"status,omitempty"`
	Fuel      int    `json:"fuel"`
	Damage    int    `json:"damage"`
}

// CoopBase3 carries the crafts stationed at a peer base.
type CoopBase3 struct {
	CoopID int          `json:"coop_id"`
	Crafts []CraftState `json:"crafts"`
}

func (*CoopBase3) Kind() Kind { return KindCoopBase3 }

// UfoDamage reports damage dealt to a UFO by the peer's interceptors.
type UfoDamage struct {
	CoopID    int  `json:"coop_id"`
	Damage    int  `json:"damage"`
	Destroyed bool `json:"destroyed,omitempty"`
}

func (*UfoDamage) Kind() Kind { return KindUfoDamage }

// UnitDelta is the state of one unit carried by a turn handoff.
type UnitDelta struct {
	UnitID    int    `json:"unit_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Z         int    `json:"z"`
	Direction int    `json:"direction"`
	Health    int    `json:"health"`
	TimeUnits int    `json:"time_units"`
	Energy    int    `json:"energy"`
	Morale    int    `json:"morale"`
	Faction   string `json:"faction,omitempty"`
}

// PlayerTurnYour hands tactical authority to the receiving peer.
type PlayerTurnYour struct {
	Turn  int         `json:"turn"`
	Seed  int64       `json:"seed"`
	Units []UnitDelta `json:"units,omitempty"`
}

func (*PlayerTurnYour) Kind() Kind { return KindPlayerTurnYour }

// AbortPath stops a unit that is walking.
type AbortPath struct {
	UnitID int `json:"unit_id"`
}

func (*AbortPath) Kind() Kind { return KindAbortPath }

// UnitAction mirrors a move or action performed by a unit.
type UnitAction struct {
	UnitID    int    `json:"unit_id"`
	Action    string `json:"action"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Z         int    `json:"z"`
	Direction int    `json:"direction"`
	TimeUnits int    `json:"time_units"`
}

func (*UnitAction) Kind() Kind { return KindUnitAction }

func (m *UnitAction) Validate() error {
	if m.Action == "" {
		return errors.New("action is empty")
	}
	return nil
}

// UnitDeath reports that a unit died or was knocked out.
type UnitDeath struct {
	UnitID   int  `json:"unit_id"`
	KillerID int  `json:"killer_id,omitempty"`
	Stunned  bool `json:"stunned,omitempty"`
}

func (*UnitDeath) Kind() Kind { return KindUnitDeath }

// AfterUnitDeath follows UnitDeath: the body is removed, or the unit is
// converted to Faction when one is given.
type AfterUnitDeath struct {
	UnitID  int    `json:"unit_id"`
	Faction string `json:"faction,omitempty"`
}

func (*AfterUnitDeath) Kind() Kind { return KindAfterUnitDeath }

// HitUnit reports the outcome of damage resolved by the peer.
type HitUnit struct {
	UnitID int `json:"unit_id"`
	Damage int `json:"damage"`
	Health int `json:"health"`
	Stun   int `json:"stun"`
}

func (*HitUnit) Kind() Kind { return KindHitUnit }

// ActionClick mirrors a battlescape action chosen from the action menu.
type ActionClick struct {
	UnitID int    `json:"unit_id"`
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Z      int    `json:"z"`
}

func (*ActionClick) Kind() Kind { return KindActionClick }

// Inventory moves an item between inventory slots.
type Inventory struct {
	UnitID int    `json:"unit_id"`
	ItemID int    `json:"item_id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	SlotX  int    `json:"slot_x"`
	SlotY  int    `json:"slot_y"`
}

func (*Inventory) Kind() Kind { return KindInventory }

// Kneel toggles a unit's stance.
type Kneel struct {
	UnitID  int  `json:"unit_id"`
	Kneeled bool `json:"kneeled"`
}

func (*Kneel) Kind() Kind { return KindKneel }

// Medkit applies a medkit from one unit to another.
type Medkit struct {
	UnitID     int `json:"unit_id"`
	TargetID   int `json:"target_id"`
	Heal       int `json:"heal"`
	Stimulant  int `json:"stimulant"`
	Painkiller int `json:"painkiller"`
}

func (*Medkit) Kind() Kind { return KindMedkit }

// AIProgress reports how far the peer's AI turn has progressed.
type AIProgress struct {
	Progress int `json:"progress"`
}

func (*AIProgress) Kind() Kind { return KindAIProgress }

func (m *AIProgress) Validate() error {
	if m.Progress < 0 || m.Progress > 100 {
		return fmt.Errorf("progress %d out of range", m.Progress)
	}
	return nil
}

// DebriefingState ends the battle.
type DebriefingState struct {
	Success bool `json:"success"`
	Score   int  `json:"score"`
}

func (*DebriefingState) Kind() Kind { return KindDebriefingState }

// Chat is a line typed by a player.
type Chat struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (*Chat) Kind() Kind { return KindChat }

// ServerFull tells a joining peer that the host does not accept it.
type ServerFull struct{}

func (*ServerFull) Kind() Kind { return KindServerFull }

// ChangeHostRequest asks the peer to swap the authoritative role.
type ChangeHostRequest struct{}

func (*ChangeHostRequest) Kind() Kind { return KindChangeHostRequest }

// ChangeHostAccept confirms a ChangeHostRequest.
type ChangeHostAccept struct{}

func (*ChangeHostAccept) Kind() Kind { return KindChangeHostAccept }
