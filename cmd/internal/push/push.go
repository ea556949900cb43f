// Package push dispatches encrypted wake notifications to a user's
// registered push subscriptions.
//
// The payload carries a type tag only, never plaintext message content; the
// encryption of the push message itself is an external capability behind the
// Deliverer interface. Delivery is best-effort: per-subscription failures
// are logged and swallowed, with no retry and no pruning.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"neontalk/cmd/internal/obs"
	"neontalk/cmd/internal/store"
)

// WakePayload is the opaque notification body handed to the Deliverer.
type WakePayload struct {
	Type string `json:"type"`
}

// Deliverer is the external push delivery capability
// (endpoint + key material + payload -> network I/O).
type Deliverer interface {
	Deliver(ctx context.Context, sub store.PushSubscription, payload []byte) error
}

// NoopDeliverer is the dev fallback when no push provider is configured.
type NoopDeliverer struct{}

// Deliver discards the payload.
func (NoopDeliverer) Deliver(_ context.Context, _ store.PushSubscription, _ []byte) error {
	return nil
}

// Service fans wake payloads out to all of a recipient's subscriptions.
type Service struct {
	log       *slog.Logger
	subs      SubscriptionLister
	deliverer Deliverer

	// deliverTimeout bounds each delivery attempt.
	deliverTimeout time.Duration
}

// SubscriptionLister is the slice of the durable store the fan-out needs.
type SubscriptionLister interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]store.PushSubscription, error)
}

// NewService constructs a fan-out service. A nil deliverer falls back to NoopDeliverer.
func NewService(log *slog.Logger, subs SubscriptionLister, deliverer Deliverer) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deliverer == nil {
		deliverer = NoopDeliverer{}
	}
	return &Service{
		log:            log,
		subs:           subs,
		deliverer:      deliverer,
		deliverTimeout: 10 * time.Second,
	}
}

// FanOut dispatches a "message arrived" wake to every subscription of the
// recipient. Each subscription is attempted in its own goroutine; a failure
// on one never prevents attempts on the others and is never surfaced to the
// caller. In-flight deliveries are fire-and-forget and independent of the
// caller's lifetime.
func (s *Service) FanOut(ctx context.Context, recipientID string) {
	subs, err := s.subs.ListPushSubscriptions(ctx, recipientID)
	if err != nil {
		s.log.Error("push.list.fail", "user_id", recipientID, "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, _ := json.Marshal(WakePayload{Type: "message"})

	for _, sub := range subs {
		go s.deliverOne(sub, payload)
	}
}

func (s *Service) deliverOne(sub store.PushSubscription, payload []byte) {
	// Detached from the caller's context: connection closures must not
	// cancel an unrelated in-flight wake.
	ctx, cancel := context.WithTimeout(context.Background(), s.deliverTimeout)
	defer cancel()

	if err := s.deliverer.Deliver(ctx, sub, payload); err != nil {
		obs.PushAttempt("error")
		s.log.Info("push.deliver.fail", "user_id", sub.UserID, "endpoint", sub.Endpoint, "err", err)
		return
	}
	obs.PushAttempt("ok")
}
