package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MemoryStore is a dev/test fallback when DB is not configured.
// It mirrors PostgresStore semantics including uniqueness constraints.
type MemoryStore struct {
	mu sync.Mutex

	usersByID    map[string]User
	usersByPhone map[string]string // phone -> user id

	sessionsByToken map[string]Session

	messages []Message

	subs map[string]map[string]PushSubscription // user id -> endpoint -> sub
}

// NewMemoryStore constructs an empty in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID:       make(map[string]User),
		usersByPhone:    make(map[string]string),
		sessionsByToken: make(map[string]Session),
		subs:            make(map[string]map[string]PushSubscription),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// CreateUser inserts a user, enforcing phone uniqueness.
func (s *MemoryStore) CreateUser(ctx context.Context, phone, displayName, publicKey string, now time.Time) (User, error) {
	if phone == "" || displayName == "" || publicKey == "" {
		return User{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByPhone[phone]; ok {
		return User{}, ErrConflict
	}

	u := User{
		ID:          uuid.NewString(),
		Phone:       phone,
		DisplayName: displayName,
		PublicKey:   publicKey,
		CreatedAt:   now,
	}
	s.usersByID[u.ID] = u
	s.usersByPhone[phone] = u.ID
	return u, nil
}

// FindUserByPhone looks up a user by phone number.
func (s *MemoryStore) FindUserByPhone(ctx context.Context, phone string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usersByPhone[phone]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.usersByID[id], nil
}

// FindUserByID looks up a user by id.
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// ListUsers returns all users ordered by created-at DESC.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		out = append(out, u)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateSession inserts a session row, enforcing refresh-token uniqueness.
func (s *MemoryStore) CreateSession(ctx context.Context, userID, token string, now time.Time) (Session, error) {
	if userID == "" || token == "" {
		return Session{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessionsByToken[token]; ok {
		return Session{}, ErrConflict
	}

	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: now,
	}
	s.sessionsByToken[token] = sess
	return sess, nil
}

// FindSessionByToken looks up a session by refresh token value.
func (s *MemoryStore) FindSessionByToken(ctx context.Context, token string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByToken[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// AppendMessage persists a ciphertext record.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if in.SenderID == "" || in.RecipientID == "" || in.Ciphertext == "" || in.Nonce == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	msg := Message{
		ID:          ulid.Make().String(),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Ciphertext:  in.Ciphertext,
		Nonce:       in.Nonce,
		CreatedAt:   now,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	return msg, nil
}

// ListMessages returns both directions of a conversation ordered by created-at ASC.
func (s *MemoryStore) ListMessages(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Message
	for _, m := range s.messages {
		if (m.SenderID == userA && m.RecipientID == userB) || (m.SenderID == userB && m.RecipientID == userA) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertPushSubscription inserts or replaces the subscription for (user, endpoint).
func (s *MemoryStore) UpsertPushSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byEndpoint := s.subs[sub.UserID]
	if byEndpoint == nil {
		byEndpoint = make(map[string]PushSubscription)
		s.subs[sub.UserID] = byEndpoint
	}
	byEndpoint[sub.Endpoint] = sub
	return nil
}

// ListPushSubscriptions returns all subscriptions registered for a user.
func (s *MemoryStore) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byEndpoint := s.subs[userID]
	if len(byEndpoint) == 0 {
		return nil, nil
	}

	out := make([]PushSubscription, 0, len(byEndpoint))
	for _, sub := range byEndpoint {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}
