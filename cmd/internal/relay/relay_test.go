package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"neontalk/cmd/internal/directory"
	"neontalk/cmd/internal/store"
	v1 "neontalk/shared/contracts/relay/v1"
)

type fakeWaker struct {
	mu    sync.Mutex
	calls []string
}

func (w *fakeWaker) FanOut(_ context.Context, recipientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, recipientID)
}

func (w *fakeWaker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func newTestEngine(waker Waker) (*Engine, *directory.Directory) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.New(log)
	return NewEngine(log, dir, waker), dir
}

func recvOrFail(t *testing.T, c *directory.Conn) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope enqueued")
		return v1.Envelope{}
	}
}

func TestRelaySignalDeliversToAllRecipientConnections(t *testing.T) {
	t.Parallel()

	e, dir := newTestEngine(nil)

	c1 := directory.NewConn(8)
	c2 := directory.NewConn(8)
	dir.Bind(c1, "bob")
	dir.Bind(c2, "bob")

	e.RelaySignal("alice", v1.SignalPayload{
		Kind:     v1.SignalOffer,
		ToUserID: "bob",
		Payload:  json.RawMessage(`{"sdp":"offer"}`),
	})

	for _, c := range []*directory.Conn{c1, c2} {
		env := recvOrFail(t, c)
		if env.Type != v1.TypeSignal {
			t.Fatalf("type=%q", env.Type)
		}
		if env.V != v1.Version {
			t.Fatalf("v=%q", env.V)
		}

		var ev v1.SignalEventPayload
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if ev.FromUserID != "alice" {
			t.Fatalf("from_user_id=%q want alice", ev.FromUserID)
		}
		if ev.Kind != v1.SignalOffer {
			t.Fatalf("kind=%q", ev.Kind)
		}
	}
}

// The sender identity delivered to the recipient comes from the sending
// connection's binding; a from-field inside the payload never survives.
func TestRelaySignalIgnoresAssertedSender(t *testing.T) {
	t.Parallel()

	e, dir := newTestEngine(nil)
	c := directory.NewConn(8)
	dir.Bind(c, "bob")

	e.RelaySignal("alice", v1.SignalPayload{
		Kind:     v1.SignalICE,
		ToUserID: "bob",
		Payload:  json.RawMessage(`{"from_user_id":"mallory","candidate":"..."}`),
	})

	env := recvOrFail(t, c)
	var ev v1.SignalEventPayload
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.FromUserID != "alice" {
		t.Fatalf("from_user_id=%q want alice", ev.FromUserID)
	}
}

func TestRelaySignalOfflineRecipientIsSilentDrop(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(nil)

	// Must not panic, block, or error.
	e.RelaySignal("alice", v1.SignalPayload{
		Kind:     v1.SignalAnswer,
		ToUserID: "nobody",
		Payload:  json.RawMessage(`{}`),
	})
}

func TestRelaySignalDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	e, dir := newTestEngine(nil)
	c := directory.NewConn(1)
	dir.Bind(c, "bob")

	sig := v1.SignalPayload{
		Kind:     v1.SignalOffer,
		ToUserID: "bob",
		Payload:  json.RawMessage(`{}`),
	}

	e.RelaySignal("alice", sig) // fills the queue
	e.RelaySignal("alice", sig) // dropped, must not block

	recvOrFail(t, c)
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected second envelope: %+v", env)
	default:
	}
}

func TestNotifyMessageStoredDeliversAndWakes(t *testing.T) {
	t.Parallel()

	w := &fakeWaker{}
	e, dir := newTestEngine(w)
	c := directory.NewConn(8)
	dir.Bind(c, "bob")

	msg := store.Message{
		ID:          "01JMSG",
		SenderID:    "alice",
		RecipientID: "bob",
		Ciphertext:  "b64cipher",
		Nonce:       "b64nonce",
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.NotifyMessageStored(context.Background(), msg)

	env := recvOrFail(t, c)
	if env.Type != v1.TypeMessage {
		t.Fatalf("type=%q", env.Type)
	}
	var ev v1.MessageEventPayload
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Message.ID != msg.ID || ev.Message.SenderID != "alice" || ev.Message.Ciphertext != "b64cipher" {
		t.Fatalf("message=%+v", ev.Message)
	}

	if got := w.callCount(); got != 1 {
		t.Fatalf("fanout calls=%d want=1", got)
	}
}

// Push fan-out runs whether or not the recipient is online: presence and
// push wake are decided independently.
func TestNotifyMessageStoredWakesOfflineRecipient(t *testing.T) {
	t.Parallel()

	w := &fakeWaker{}
	e, _ := newTestEngine(w)

	e.NotifyMessageStored(context.Background(), store.Message{
		ID:          "01JMSG",
		SenderID:    "alice",
		RecipientID: "bob",
	})

	if got := w.callCount(); got != 1 {
		t.Fatalf("fanout calls=%d want=1", got)
	}
}

func TestNotifyMessageStoredNilWaker(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(nil)
	e.NotifyMessageStored(context.Background(), store.Message{RecipientID: "bob"})
}

func TestDeliverPreservesOrderPerConnection(t *testing.T) {
	t.Parallel()

	e, dir := newTestEngine(nil)
	c := directory.NewConn(16)
	dir.Bind(c, "bob")

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		e.RelaySignal("alice", v1.SignalPayload{
			Kind:     v1.SignalICE,
			ToUserID: "bob",
			Payload:  payload,
		})
	}

	for i := 0; i < 5; i++ {
		env := recvOrFail(t, c)
		var ev v1.SignalEventPayload
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			t.Fatalf("payload: %v", err)
		}
		var inner struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Payload, &inner); err != nil {
			t.Fatalf("inner payload: %v", err)
		}
		if inner.Seq != i {
			t.Fatalf("seq=%d want=%d", inner.Seq, i)
		}
	}
}
