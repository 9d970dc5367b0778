package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{"ReadyClient", &ReadyClient{Name: "alice", ModVersion: "1.4.0"}},
		{"ReadyHost", &ReadyHost{Name: "bob", ModVersion: "1.4.0", Seed: 99}},
		{"Ping", &Ping{Timestamp: 1234567}},
		{"SendFileBase", &SendFile{Slot: SlotBase, Size: 12000}},
		{"Chunk", &MapResultData{Data: []byte{0x00, 0xff, '\n'}}},
		{"MapResultBattle", &MapResult{Slot: SlotBattle, Save: true}},
		{"WaitMapSender", &WaitMapSender{}},
		{"Mission", &Mission{ID: 4, MissionType: "STR_ALIEN_RESEARCH", Lon: 1.5, Lat: -0.25}},
		{"CoopBase2", &CoopBase2{CoopID: 2, Facilities: []Facility{{Name: "STR_HANGAR", X: 1, Y: 2}}}},
		{"PlayerTurnYour", &PlayerTurnYour{Turn: 3, Seed: -7, Units: []UnitDelta{{UnitID: 10, Health: 30}}}},
		{"Inventory", &Inventory{UnitID: 1, ItemID: 77, From: "STR_BACKPACK", To: "STR_RIGHT_HAND"}},
		{"ServerFull", &ServerFull{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Encode(tc.msg)
			require.NoError(t, err, "Encode failed")

			kind, err := PeekKind(payload)
			require.NoError(t, err)
			assert.Equal(t, tc.msg.Kind(), kind)

			decoded, err := Decode(payload)
			require.NoError(t, err, "Decode failed for %s", payload)
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestEncodePutsDiscriminatorFirst(t *testing.T) {
	payload, err := Encode(&Kneel{UnitID: 5, Kneeled: true})
	require.NoError(t, err)
	assert.Equal(t, `{"state":"kneel","unit_id":5,"kneeled":true}`, string(payload))

	payload, err = Encode(&WaitMapSender{})
	require.NoError(t, err)
	assert.Equal(t, `{"state":"WAIT_MAP_SENDER"}`, string(payload))
}

func TestDecodeTypeAlias(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"chat_message","from":"alice","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, &Chat{From: "alice", Text: "hi"}, msg)
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		err     error
	}{
		{"NotJSON", `{"state":`, ErrMalformed},
		{"Array", `[1,2]`, ErrMalformed},
		{"NoDiscriminator", `{"unit_id":1}`, ErrMissingField},
		{"NonStringDiscriminator", `{"state":7}`, ErrMalformed},
		{"UnknownKind", `{"state":"teleport_everyone"}`, ErrUnknownKind},
		{"MissingRequired", `{"state":"hit_unit","unit_id":1}`, ErrMissingField},
		{"UnknownField", `{"state":"kneel","unit_id":1,"kneeled":true,"crouch":1}`, ErrMalformed},
		{"WrongFieldType", `{"state":"kneel","unit_id":"one","kneeled":true}`, ErrMalformed},
		{"InvalidValue", `{"state":"AIProgress","progress":140}`, ErrInvalidField},
		{"EmptyAction", `{"state":"unit_action","unit_id":1,"action":""}`, ErrInvalidField},
		{"NegativeSize", `{"state":"SEND_FILE_BATTLE","size":-1}`, ErrInvalidField},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestEveryKindRoundTripsEmptyRequiredFields(t *testing.T) {
	for kind, info := range registry {
		msg := info.make()
		require.Equal(t, kind, msg.Kind(), "Constructor for %s builds the wrong kind", kind)

		payload, err := Encode(msg)
		require.NoError(t, err)

		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &fields))
		for _, name := range info.required {
			assert.Contains(t, fields, name, "%s must always encode required field %s", kind, name)
		}
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSlotValid(t *testing.T) {
	assert.True(t, SlotBattle.Valid())
	assert.True(t, SlotBase.Valid())
	assert.False(t, Slot("geoscape").Valid())
}
