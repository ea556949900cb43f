// Package store persists NeonTalk's durable records: users, sessions,
// messages, and push subscriptions.
//
// The relay and session directory hold no durable state; everything that
// must survive a restart lives behind the Store interface. Two
// implementations exist: MemoryStore (dev/tests) and PostgresStore.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a uniqueness constraint is violated
	// (duplicate phone, duplicate refresh token value).
	ErrConflict = errors.New("record conflict")
)

// User is a registered identity. PublicKey is an opaque base64 X25519 key
// published for peers; the server never uses it cryptographically.
type User struct {
	ID          string
	Phone       string
	DisplayName string
	PublicKey   string
	CreatedAt   time.Time
}

// Session is a persisted refresh-token record. Token is the opaque refresh
// token value; it is unique across all sessions and has no expiry in the
// base contract.
type Session struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time
}

// Message is a stored ciphertext record. Ciphertext and Nonce are opaque
// base64 blobs produced by the clients' end-to-end encryption.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Ciphertext  string
	Nonce       string
	CreatedAt   time.Time
}

// SubscriptionKeys is the browser-provided key material for one push
// subscription. The server forwards it opaquely to the delivery capability.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription registers one push endpoint for a user. A user may hold
// several (one per browser/device registration).
type PushSubscription struct {
	UserID    string
	Endpoint  string
	Keys      SubscriptionKeys
	CreatedAt time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	SenderID    string
	RecipientID string
	Ciphertext  string
	Nonce       string
	Now         time.Time
}

// Store abstracts durable persistence for the request gateway and fan-out.
//
// Requirements:
//   - CreateUser enforces phone uniqueness (ErrConflict on duplicate).
//   - CreateSession enforces token uniqueness (ErrConflict on duplicate).
//   - ListMessages returns both directions of a pair ordered by created-at ASC.
//   - UpsertPushSubscription replaces an existing subscription for the same
//     (user, endpoint) pair.
type Store interface {
	CreateUser(ctx context.Context, phone, displayName, publicKey string, now time.Time) (User, error)
	FindUserByPhone(ctx context.Context, phone string) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	CreateSession(ctx context.Context, userID, token string, now time.Time) (Session, error)
	FindSessionByToken(ctx context.Context, token string) (Session, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, userA, userB string) ([]Message, error)

	UpsertPushSubscription(ctx context.Context, sub PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)

	Close() error
}
