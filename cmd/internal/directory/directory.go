// Package directory tracks which users are currently reachable over a live
// connection. It is the single source of truth for presence.
//
// The directory is an explicit, injectable component owning a
// concurrency-safe map; all access goes through its operations so tests can
// run against a fresh instance.
package directory

import (
	"log/slog"
	"sync"
)

// Directory maps a user identity to the set of its live connections.
//
// Concurrency guarantees:
// - Bind/Unbind are safe under concurrent ConnectionsFor.
// - A connection appears in at most one user's set at any time (last-bind-wins).
// - Empty sets are garbage-collected on last removal.
type Directory struct {
	log *slog.Logger

	mu     sync.RWMutex
	users  map[string]map[string]*Conn // user id -> conn id -> conn
	byConn map[string]string           // conn id -> user id
}

// New constructs an empty Directory.
func New(log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		log:    log,
		users:  make(map[string]map[string]*Conn),
		byConn: make(map[string]string),
	}
}

// Bind associates a connection with a user identity.
// Re-binding the same connection replaces the prior binding; clients are
// expected to bind once per connection.
func (d *Directory) Bind(conn *Conn, userID string) {
	if d == nil || conn == nil || userID == "" {
		return
	}

	d.mu.Lock()
	if prev, ok := d.byConn[conn.ID]; ok {
		d.removeLocked(prev, conn.ID)
	}

	set := d.users[userID]
	if set == nil {
		set = make(map[string]*Conn)
		d.users[userID] = set
	}
	set[conn.ID] = conn
	d.byConn[conn.ID] = userID
	d.mu.Unlock()

	d.log.Info("directory.bind", "user_id", userID, "conn_id", conn.ID)
}

// Unbind removes a connection from its user's set. Safe to call for a
// connection that was never bound (no-op).
func (d *Directory) Unbind(conn *Conn) {
	if d == nil || conn == nil {
		return
	}

	d.mu.Lock()
	userID, ok := d.byConn[conn.ID]
	if ok {
		d.removeLocked(userID, conn.ID)
	}
	d.mu.Unlock()

	if ok {
		d.log.Info("directory.unbind", "user_id", userID, "conn_id", conn.ID)
	}
}

// removeLocked removes connID from userID's set and garbage-collects the
// entry when the set becomes empty. Caller holds d.mu.
func (d *Directory) removeLocked(userID, connID string) {
	set := d.users[userID]
	if set == nil {
		delete(d.byConn, connID)
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(d.users, userID)
	}
	delete(d.byConn, connID)
}

// ConnectionsFor returns a snapshot of the live connections for a user,
// possibly empty. Callers must tolerate the result going stale immediately.
func (d *Directory) ConnectionsFor(userID string) []*Conn {
	if d == nil || userID == "" {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (d *Directory) IsOnline(userID string) bool {
	if d == nil || userID == "" {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users[userID]) > 0
}

// UserOf returns the identity a connection is currently bound to.
func (d *Directory) UserOf(conn *Conn) (string, bool) {
	if d == nil || conn == nil {
		return "", false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	userID, ok := d.byConn[conn.ID]
	return userID, ok
}
