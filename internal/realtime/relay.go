package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/honam867/tasty-banana-v2-sub001/internal/rmq"
)

// EventsQueueName carries user events from the worker to the process that
// owns the websocket fabric.
const EventsQueueName = "realtime-events"

// eventEnvelope is the wire format of one cross-process user event.
type eventEnvelope struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Publisher forwards user events onto the events queue so a process without
// sockets (the worker) can still reach connected clients.
type Publisher struct {
	producer rmq.Producer
	logger   *slog.Logger
}

func NewPublisher(producer rmq.Producer, logger *slog.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

// Emit publishes one event for the user's room. Delivery is best-effort: a
// publish failure is logged and dropped, and clients catch up from the
// status endpoints.
func (p *Publisher) Emit(userID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to encode event payload", "event", event, "error", err)
		return
	}
	body, err := json.Marshal(eventEnvelope{UserID: userID, Event: event, Data: data})
	if err != nil {
		p.logger.Error("Failed to encode event envelope", "event", event, "error", err)
		return
	}
	if err := p.producer.Send(context.Background(), body, 1, ""); err != nil {
		p.logger.Error("Failed to publish event", "event", event, "userId", userID, "error", err)
	}
}

// TokenBalanceUpdated implements the ledger's post-commit notifier for
// processes that publish events instead of holding sockets.
func (p *Publisher) TokenBalanceUpdated(userID string, balance, change int, reason string) {
	p.Emit(userID, EventTokenBalanceUpdated, BalancePayload{
		Balance: balance,
		Change:  change,
		Reason:  reason,
	})
}

// Relay drains the events queue into the hub, fanning each event out to the
// user's sockets. It runs in the process that serves websockets.
type Relay struct {
	consumer rmq.Consumer
	hub      *Hub
	logger   *slog.Logger
}

func NewRelay(consumer rmq.Consumer, hub *Hub, logger *slog.Logger) *Relay {
	return &Relay{consumer: consumer, hub: hub, logger: logger}
}

// Run consumes events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	deliveries, err := r.consumer.Recv(ctx, 0)
	if err != nil {
		return err
	}
	for delivery := range deliveries {
		r.dispatch(delivery.Body)
		_ = delivery.Ack(false)
	}
	return nil
}

func (r *Relay) dispatch(body []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.logger.Error("Dropping malformed event", "error", err)
		return
	}
	r.hub.Emit(env.UserID, env.Event, env.Data)
}
