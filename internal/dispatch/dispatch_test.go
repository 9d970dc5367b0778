package dispatch

import (
	"errors"
	"strconv"
	"testing"

	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, q *queue.Ring[[]byte], msgs ...protocol.Message) {
	t.Helper()
	for _, msg := range msgs {
		payload, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.True(t, q.Push(payload), "inbound queue full")
	}
}

func chat(from, text string) *protocol.Chat {
	return &protocol.Chat{From: from, Text: text}
}

func TestTickAppliesInArrivalOrder(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	var got []string
	d.Register(protocol.KindChat, Rule{Apply: func(msg protocol.Message) error {
		got = append(got, msg.(*protocol.Chat).Text)
		return nil
	}})

	push(t, q, chat("a", "1"), chat("a", "2"), chat("b", "3"))
	st := d.Tick()

	assert.Equal(t, Stats{Applied: 3, Passes: 1}, st)
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.True(t, q.Empty(), "The queue is drained every tick")

	assert.Equal(t, Stats{}, d.Tick(), "An idle tick does nothing")
}

func TestTickDropsMalformedAndUnhandled(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	applied := 0
	d.Register(protocol.KindChat, Rule{Apply: func(protocol.Message) error {
		applied++
		return nil
	}})

	q.Push([]byte("not json"))
	q.Push([]byte(`{"state":"no_such_kind"}`))
	q.Push([]byte(`{"state":"chat_message","from":"a","text":"x","extra":1}`))
	push(t, q, &protocol.Kneel{UnitID: 1}, chat("a", "ok"))

	st := d.Tick()
	assert.Equal(t, 4, st.Dropped)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, d.Held())
}

func TestTickLiveness(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	// A chat with text N becomes ready once N chats have been applied.
	applied := 0
	var order []string
	d.Register(protocol.KindChat, Rule{
		Ready: func(msg protocol.Message) bool {
			n, _ := strconv.Atoi(msg.(*protocol.Chat).Text)
			return applied >= n
		},
		Apply: func(msg protocol.Message) error {
			applied++
			order = append(order, msg.(*protocol.Chat).Text)
			return nil
		},
	})

	push(t, q, chat("a", "3"), chat("a", "2"), chat("a", "1"), chat("a", "0"))
	st := d.Tick()

	assert.Equal(t, 4, st.Applied)
	assert.Equal(t, 0, st.Held)
	assert.Equal(t, 4, st.Passes)
	assert.Equal(t, []string{"0", "1", "2", "3"}, order)
}

func TestTickStopsWithoutProgress(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	ready := false
	applied := 0
	d.Register(protocol.KindChat, Rule{
		Ready: func(protocol.Message) bool { return ready },
		Apply: func(protocol.Message) error {
			applied++
			return nil
		},
	})

	push(t, q, chat("a", "held"))
	st := d.Tick()
	assert.Equal(t, Stats{Held: 1, Passes: 1}, st)

	st = d.Tick()
	assert.Equal(t, Stats{Held: 1, Passes: 1}, st, "Held entries are retried every tick")

	ready = true
	st = d.Tick()
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 0, d.Held())

	ready = false
	push(t, q, chat("a", "again"))
	d.Tick()
	require.Equal(t, 1, d.Held())
	d.Reset()
	assert.Equal(t, 0, d.Held())
	assert.Equal(t, 1, applied)
}

func TestTickHoldsSameKey(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	blocked := true
	var got []string
	d.Register(protocol.KindChat, Rule{
		Ready: func(msg protocol.Message) bool {
			return !blocked || msg.(*protocol.Chat).Text != "wait"
		},
		Key: func(msg protocol.Message) string { return msg.(*protocol.Chat).From },
		Apply: func(msg protocol.Message) error {
			m := msg.(*protocol.Chat)
			got = append(got, m.From+":"+m.Text)
			return nil
		},
	})

	push(t, q, chat("a", "wait"), chat("a", "after"), chat("b", "free"))
	st := d.Tick()
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 2, st.Held)
	assert.Equal(t, []string{"b:free"}, got, "a:after must not overtake a:wait")

	blocked = false
	st = d.Tick()
	assert.Equal(t, 2, st.Applied)
	assert.Equal(t, []string{"b:free", "a:wait", "a:after"}, got)
}

func TestTickApplyErrors(t *testing.T) {
	q := queue.New[[]byte](16)
	d := New(q)

	d.Register(protocol.KindChat, Rule{Apply: func(msg protocol.Message) error {
		switch msg.(*protocol.Chat).Text {
		case "gone":
			return world.ErrNotFound
		case "bad":
			return errors.New("bad")
		}
		return nil
	}})

	push(t, q, chat("a", "gone"), chat("a", "bad"), chat("a", "fine"))
	st := d.Tick()
	assert.Equal(t, 2, st.Applied, "Missing entities are skipped silently")
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 0, st.Held)
}
