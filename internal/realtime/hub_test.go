package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames [][]byte
	full   bool
	closed bool
}

func (c *fakeConn) enqueue(frame []byte) bool {
	if c.full {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) shutdown() {
	c.closed = true
}

func decodeFrames(t *testing.T, frames [][]byte) []message {
	t.Helper()
	out := make([]message, 0, len(frames))
	for _, frame := range frames {
		var m message
		require.NoError(t, json.Unmarshal(frame, &m))
		out = append(out, m)
	}
	return out
}

func Test_Hub_EmitToRoom(t *testing.T) {
	hub := NewHub(slog.Default())
	alice := &fakeConn{}
	bob := &fakeConn{}
	hub.register("alice", alice)
	hub.register("bob", bob)

	hub.Emit("alice", EventGenerationProgress, ProgressPayload{
		GenerationID: "gen-1",
		Status:       "processing",
		Progress:     40,
	})

	aliceMsgs := decodeFrames(t, alice.frames)
	require.NotEmpty(t, aliceMsgs)
	last := aliceMsgs[len(aliceMsgs)-1]
	assert.Equal(t, EventGenerationProgress, last.Event)

	// Bob's room never sees Alice's generation events.
	for _, m := range decodeFrames(t, bob.frames) {
		assert.NotEqual(t, EventGenerationProgress, m.Event)
	}
}

func Test_Hub_presence(t *testing.T) {
	hub := NewHub(slog.Default())
	observer := &fakeConn{}
	hub.register("observer", observer)

	first := &fakeConn{}
	second := &fakeConn{}
	hub.register("alice", first)
	hub.register("alice", second)

	// Only the first connection announces user_online.
	online := 0
	for _, m := range decodeFrames(t, observer.frames) {
		if m.Event == EventUserOnline {
			online++
		}
	}
	assert.Equal(t, 2, online) // observer's own join plus alice's first socket

	assert.True(t, hub.IsOnline("alice"))
	hub.unregister("alice", first)
	assert.True(t, hub.IsOnline("alice"))
	hub.unregister("alice", second)
	assert.False(t, hub.IsOnline("alice"))

	offline := 0
	for _, m := range decodeFrames(t, observer.frames) {
		if m.Event == EventUserOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func Test_Hub_TokenBalanceUpdated(t *testing.T) {
	hub := NewHub(slog.Default())
	c := &fakeConn{}
	hub.register("alice", c)

	hub.TokenBalanceUpdated("alice", 400, -100, "spend_generation")

	msgs := decodeFrames(t, c.frames)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, EventTokenBalanceUpdated, last.Event)

	data, err := json.Marshal(last.Data)
	require.NoError(t, err)
	var payload BalancePayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 400, payload.Balance)
	assert.Equal(t, -100, payload.Change)
	assert.Equal(t, "spend_generation", payload.Reason)
}

func Test_Hub_slowSocketDropped(t *testing.T) {
	hub := NewHub(slog.Default())
	c := &fakeConn{full: true}
	hub.register("alice", c)

	hub.Emit("alice", EventGenerationProgress, ProgressPayload{GenerationID: "gen-1"})
	assert.True(t, c.closed)
}
