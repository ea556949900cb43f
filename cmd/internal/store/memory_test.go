package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedUser(t *testing.T, s *MemoryStore, phone string, at time.Time) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), phone, "user "+phone, "pubkey-"+phone, at)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", phone, err)
	}
	return u
}

func TestCreateUserEnforcesPhoneUniqueness(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	seedUser(t, s, "+15550000001", time.Now().UTC())

	_, err := s.CreateUser(ctx, "+15550000001", "Other", "otherkey", time.Now().UTC())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
}

func TestFindUser(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	u := seedUser(t, s, "+15550000001", time.Now().UTC())

	byPhone, err := s.FindUserByPhone(ctx, "+15550000001")
	if err != nil || byPhone.ID != u.ID {
		t.Fatalf("FindUserByPhone=(%+v,%v)", byPhone, err)
	}

	byID, err := s.FindUserByID(ctx, u.ID)
	if err != nil || byID.Phone != "+15550000001" {
		t.Fatalf("FindUserByID=(%+v,%v)", byID, err)
	}

	if _, err := s.FindUserByPhone(ctx, "+19990000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing phone err=%v want ErrNotFound", err)
	}
	if _, err := s.FindUserByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id err=%v want ErrNotFound", err)
	}
}

func TestListUsersNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seedUser(t, s, "+15550000001", base)
	seedUser(t, s, "+15550000002", base.Add(time.Minute))
	seedUser(t, s, "+15550000003", base.Add(2*time.Minute))

	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("len=%d want=3", len(users))
	}
	if users[0].Phone != "+15550000003" || users[2].Phone != "+15550000001" {
		t.Fatalf("order=%s,%s,%s", users[0].Phone, users[1].Phone, users[2].Phone)
	}
}

func TestCreateSessionEnforcesTokenUniqueness(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "user-1", "refresh-abc", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := s.CreateSession(ctx, "user-2", "refresh-abc", time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}

	found, err := s.FindSessionByToken(ctx, "refresh-abc")
	if err != nil || found.ID != sess.ID || found.UserID != "user-1" {
		t.Fatalf("FindSessionByToken=(%+v,%v)", found, err)
	}

	if _, err := s.FindSessionByToken(ctx, "refresh-zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing token err=%v want ErrNotFound", err)
	}
}

func TestListMessagesBothDirectionsOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	appendMsg := func(from, to string, at time.Time) {
		t.Helper()
		_, err := s.AppendMessage(ctx, AppendMessageInput{
			SenderID:    from,
			RecipientID: to,
			Ciphertext:  "ct",
			Nonce:       "n",
			Now:         at,
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	appendMsg("alice", "bob", base)
	appendMsg("bob", "alice", base.Add(time.Minute))
	appendMsg("alice", "carol", base.Add(2*time.Minute)) // different pair
	appendMsg("alice", "bob", base.Add(3*time.Minute))

	msgs, err := s.ListMessages(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d want=3", len(msgs))
	}
	wantSenders := []string{"alice", "bob", "alice"}
	for i, m := range msgs {
		if m.SenderID != wantSenders[i] {
			t.Fatalf("msgs[%d].sender=%q want=%q", i, m.SenderID, wantSenders[i])
		}
		if i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
			t.Fatalf("messages out of order at index %d", i)
		}
	}

	// Query is symmetric in the pair.
	rev, err := s.ListMessages(ctx, "bob", "alice")
	if err != nil || len(rev) != 3 {
		t.Fatalf("reverse pair: len=%d err=%v", len(rev), err)
	}
}

func TestUpsertPushSubscriptionReplacesSameEndpoint(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	sub := PushSubscription{
		UserID:   "user-1",
		Endpoint: "https://push.example.com/ep1",
		Keys:     SubscriptionKeys{P256dh: "p1", Auth: "a1"},
	}
	if err := s.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	sub.Keys = SubscriptionKeys{P256dh: "p2", Auth: "a2"}
	if err := s.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	other := PushSubscription{
		UserID:   "user-1",
		Endpoint: "https://push.example.com/ep2",
		Keys:     SubscriptionKeys{P256dh: "p3", Auth: "a3"},
	}
	if err := s.UpsertPushSubscription(ctx, other); err != nil {
		t.Fatalf("Upsert other: %v", err)
	}

	subs, err := s.ListPushSubscriptions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListPushSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len=%d want=2", len(subs))
	}
	if subs[0].Keys.P256dh != "p2" {
		t.Fatalf("replaced keys=%+v", subs[0].Keys)
	}

	none, err := s.ListPushSubscriptions(ctx, "user-9")
	if err != nil || none != nil {
		t.Fatalf("unknown user subs=(%v,%v)", none, err)
	}
}

func TestContextCancellationPropagates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.CreateUser(ctx, "+15550000001", "Ada", "key", time.Now()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if _, err := s.ListUsers(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
