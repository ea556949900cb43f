package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store over PostgreSQL (schema "neontalk").
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("store: nil db pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op; pool lifecycle belongs to the app.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist yet.
// Idempotent; runs at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS neontalk;

		CREATE TABLE IF NOT EXISTS neontalk.users (
			id           uuid PRIMARY KEY,
			phone        text NOT NULL UNIQUE,
			display_name text NOT NULL,
			public_key   text NOT NULL,
			created_at   timestamptz NOT NULL
		);

		CREATE TABLE IF NOT EXISTS neontalk.sessions (
			id         uuid PRIMARY KEY,
			user_id    uuid NOT NULL REFERENCES neontalk.users (id),
			token      text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL
		);

		CREATE TABLE IF NOT EXISTS neontalk.messages (
			id           text PRIMARY KEY,
			sender_id    uuid NOT NULL REFERENCES neontalk.users (id),
			recipient_id uuid NOT NULL REFERENCES neontalk.users (id),
			ciphertext   text NOT NULL,
			nonce        text NOT NULL,
			created_at   timestamptz NOT NULL
		);

		CREATE INDEX IF NOT EXISTS messages_pair_idx
			ON neontalk.messages (sender_id, recipient_id, created_at);

		CREATE TABLE IF NOT EXISTS neontalk.push_subscriptions (
			user_id    uuid NOT NULL REFERENCES neontalk.users (id),
			endpoint   text NOT NULL,
			p256dh     text NOT NULL,
			auth       text NOT NULL,
			created_at timestamptz NOT NULL,
			PRIMARY KEY (user_id, endpoint)
		);
	`)
	return err
}

// CreateUser inserts a user row. Phone uniqueness maps to ErrConflict.
func (s *PostgresStore) CreateUser(ctx context.Context, phone, displayName, publicKey string, now time.Time) (User, error) {
	u := User{
		ID:          uuid.NewString(),
		Phone:       phone,
		DisplayName: displayName,
		PublicKey:   publicKey,
		CreatedAt:   now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO neontalk.users (id, phone, display_name, public_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Phone, u.DisplayName, u.PublicKey, u.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// FindUserByPhone loads a user by phone number.
func (s *PostgresStore) FindUserByPhone(ctx context.Context, phone string) (User, error) {
	return s.findUser(ctx, `WHERE phone = $1`, phone)
}

// FindUserByID loads a user by id.
func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (User, error) {
	return s.findUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) findUser(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, phone, display_name, public_key, created_at
		FROM neontalk.users
	`+where, arg).Scan(&u.ID, &u.Phone, &u.DisplayName, &u.PublicKey, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// ListUsers returns all users ordered by created-at DESC.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, phone, display_name, public_key, created_at
		FROM neontalk.users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Phone, &u.DisplayName, &u.PublicKey, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateSession inserts a session row. Token uniqueness maps to ErrConflict.
func (s *PostgresStore) CreateSession(ctx context.Context, userID, token string, now time.Time) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO neontalk.sessions (id, user_id, token, created_at)
		VALUES ($1, $2, $3, $4)
	`, sess.ID, sess.UserID, sess.Token, sess.CreatedAt)
	if isUniqueViolation(err) {
		return Session{}, ErrConflict
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// FindSessionByToken loads a session by refresh token value.
func (s *PostgresStore) FindSessionByToken(ctx context.Context, token string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token, created_at
		FROM neontalk.sessions
		WHERE token = $1
	`, token).Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// AppendMessage persists a ciphertext record.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO neontalk.messages (id, sender_id, recipient_id, ciphertext, nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.SenderID, msg.RecipientID, msg.Ciphertext, msg.Nonce, msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns both directions of a conversation ordered by created-at ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, userA, userB string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, recipient_id, ciphertext, nonce, created_at
		FROM neontalk.messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC, id ASC
	`, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.Nonce, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertPushSubscription inserts or replaces the subscription for (user, endpoint).
func (s *PostgresStore) UpsertPushSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO neontalk.push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, endpoint)
		DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
	`, sub.UserID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.CreatedAt)
	return err
}

// ListPushSubscriptions returns all subscriptions registered for a user.
func (s *PostgresStore) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, endpoint, p256dh, auth, created_at
		FROM neontalk.push_subscriptions
		WHERE user_id = $1
		ORDER BY endpoint ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.UserID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
