package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingProducer struct {
	bodies [][]byte
}

func (p *capturingProducer) Send(ctx context.Context, body []byte, priority int, messageId string) error {
	p.bodies = append(p.bodies, body)
	return nil
}

// Events emitted by a socketless process must reach sockets registered on
// the hub of the serving process, in publish order.
func Test_Relay_deliversWorkerEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	alice := &fakeConn{}
	bob := &fakeConn{}
	hub.register("alice", alice)
	hub.register("bob", bob)
	joined := len(alice.frames)

	producer := &capturingProducer{}
	publisher := NewPublisher(producer, slog.Default())
	relay := NewRelay(nil, hub, slog.Default())

	publisher.TokenBalanceUpdated("alice", 400, -100, "spend_generation")
	publisher.Emit("alice", EventGenerationCompleted, CompletedPayload{
		GenerationID: "gen-1",
		Status:       "completed",
	})
	require.Len(t, producer.bodies, 2)
	for _, body := range producer.bodies {
		relay.dispatch(body)
	}

	msgs := decodeFrames(t, alice.frames[joined:])
	require.Len(t, msgs, 2)
	assert.Equal(t, EventTokenBalanceUpdated, msgs[0].Event)
	assert.Equal(t, EventGenerationCompleted, msgs[1].Event)

	data, err := json.Marshal(msgs[1].Data)
	require.NoError(t, err)
	var payload CompletedPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "gen-1", payload.GenerationID)

	// Bob's room sees none of Alice's events.
	for _, m := range decodeFrames(t, bob.frames) {
		assert.NotEqual(t, EventGenerationCompleted, m.Event)
		assert.NotEqual(t, EventTokenBalanceUpdated, m.Event)
	}
}

func Test_Relay_dropsMalformedEvent(t *testing.T) {
	hub := NewHub(slog.Default())
	c := &fakeConn{}
	hub.register("alice", c)
	joined := len(c.frames)

	relay := NewRelay(nil, hub, slog.Default())
	relay.dispatch([]byte("{not json"))
	assert.Len(t, c.frames[joined:], 0)
}
