// Package relay routes ephemeral signaling and message-arrival events
// between live connections. Delivery is best-effort, at-most-once,
// fire-and-forget: an offline recipient means a silent drop, never an error
// to the sender.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"neontalk/cmd/internal/directory"
	"neontalk/cmd/internal/obs"
	"neontalk/cmd/internal/store"
	v1 "neontalk/shared/contracts/relay/v1"

	"github.com/oklog/ulid/v2"
)

// Waker wakes offline recipients after a message is stored.
// It must never block the relay's delivery path.
type Waker interface {
	FanOut(ctx context.Context, recipientID string)
}

// Engine fans relay events out to the recipient's live connections.
//
// Concurrency guarantees:
// - Delivery never blocks the sender (drop under backpressure).
// - For a single sender->recipient pair, events reach each recipient
//   connection in the order the engine received them.
type Engine struct {
	log   *slog.Logger
	dir   *directory.Directory
	waker Waker
}

// NewEngine constructs an Engine. waker may be nil (no push fan-out).
func NewEngine(log *slog.Logger, dir *directory.Directory, waker Waker) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, dir: dir, waker: waker}
}

// RelaySignal delivers a signaling payload to every live connection of the
// recipient, tagged with the verified sender identity. The sender identity
// always comes from the sending connection's binding, never from the payload.
// If the recipient has no live connection the signal is silently dropped.
func (e *Engine) RelaySignal(senderID string, sig v1.SignalPayload) {
	conns := e.dir.ConnectionsFor(sig.ToUserID)
	if len(conns) == 0 {
		obs.RelayDropped(v1.TypeSignal, "offline")
		e.log.Debug("relay.drop.offline", "event", v1.TypeSignal, "to_user_id", sig.ToUserID)
		return
	}

	payload, _ := json.Marshal(v1.SignalEventPayload{
		Kind:       sig.Kind,
		FromUserID: senderID,
		Payload:    sig.Payload,
	})
	env := newEnvelope(v1.TypeSignal, payload, time.Now().UTC())

	e.deliver(conns, env, v1.TypeSignal)
}

// NotifyMessageStored delivers a "message" event carrying the stored record
// to every live connection of the recipient, then wakes push subscriptions.
// Fan-out is not gated on presence: it always runs, trading a benign
// duplicate wake for never missing a notification to a racing disconnect.
func (e *Engine) NotifyMessageStored(ctx context.Context, msg store.Message) {
	conns := e.dir.ConnectionsFor(msg.RecipientID)
	if len(conns) == 0 {
		obs.RelayDropped(v1.TypeMessage, "offline")
	} else {
		payload, _ := json.Marshal(v1.MessageEventPayload{Message: wireMessage(msg)})
		env := newEnvelope(v1.TypeMessage, payload, time.Now().UTC())
		e.deliver(conns, env, v1.TypeMessage)
	}

	if e.waker != nil {
		e.waker.FanOut(ctx, msg.RecipientID)
	}
}

// deliver enqueues sequentially so per-connection ordering follows the order
// events reached the engine. TrySend never blocks on a slow recipient.
func (e *Engine) deliver(conns []*directory.Conn, env v1.Envelope, event string) {
	for _, c := range conns {
		if c.TrySend(env) {
			obs.RelayDelivered(event)
			continue
		}
		obs.RelayDropped(event, "backpressure")
		e.log.Info("relay.drop.backpressure", "event", event, "conn_id", c.ID)
	}
}

func wireMessage(msg store.Message) v1.MessageRecord {
	return v1.MessageRecord{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Ciphertext:  msg.Ciphertext,
		Nonce:       msg.Nonce,
		CreatedAt:   msg.CreatedAt,
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      ts,
		Payload: payload,
	}
}
