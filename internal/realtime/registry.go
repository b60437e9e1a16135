package realtime

import (
	"sort"
	"sync"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

// Registry is the server-held connection registry: the authoritative
// map from user identity to live transport, with a secondary index
// grouping identities by canonical role. It is owned by the server's
// composition root and passed by reference to the router and handlers;
// state is process-lifetime only.
//
// Invariants:
//   - an identity has at most one live connection (latest wins, the
//     superseded transport is closed);
//   - an identity appears in at most one role group, and only while it
//     has a live connection;
//   - no role group is ever left empty.
type Registry struct {
	mu      sync.RWMutex
	byID    map[int]*Connection
	byRole  map[string]map[int]*Connection
	metrics *Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		byID:    make(map[int]*Connection),
		byRole:  make(map[string]map[int]*Connection),
		metrics: metrics,
	}
}

// Register binds an announced identity to its link and confirms the
// registration with a CLIENT_CONNECTED acknowledgement over the link.
// If the identity already has a connection, the old transport is
// explicitly closed before being replaced.
func (r *Registry) Register(userID int, role string, link Link) *Connection {
	conn := NewConnection(userID, role, link)

	r.mu.Lock()
	if old, ok := r.byID[userID]; ok {
		r.dropLocked(old)
		// Close outside the indexes but inside the critical section so
		// no broadcast can race a half-replaced entry.
		_ = old.Close()
		logging.Info().Int("user_id", userID).Msg("superseded stale connection on re-register")
	}
	r.byID[userID] = conn
	group, ok := r.byRole[conn.Role]
	if !ok {
		group = make(map[int]*Connection)
		r.byRole[conn.Role] = group
	}
	group[userID] = conn
	total := len(r.byID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Connections.Set(float64(total))
	}
	logging.Info().
		Int("user_id", userID).
		Str("role", conn.Role).
		Int("total", total).
		Msg("connection registered")

	conn.Send(wire.NewEnvelope(wire.TypeClientConnected, map[string]any{
		"userId":  userID,
		"role":    conn.Role,
		"message": "Successfully connected to centinela realtime service",
	}))
	return conn
}

// Unregister removes conn from the registry and tells every surviving
// connection that the identity departed. It is a no-op when conn has
// already been superseded by a newer registration, so a stale read
// loop cannot evict its replacement.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	current, ok := r.byID[conn.UserID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	r.dropLocked(conn)
	total := len(r.byID)
	survivors := r.allLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Connections.Set(float64(total))
	}
	logging.Info().
		Int("user_id", conn.UserID).
		Str("role", conn.Role).
		Int("total", total).
		Msg("connection unregistered")

	departed := wire.NewEnvelope(wire.TypeClientDisconnected, map[string]any{
		"userId": conn.UserID,
		"role":   conn.Role,
	})
	for _, s := range survivors {
		s.Send(departed)
	}
}

// dropLocked removes conn from both indexes. Caller holds the write
// lock.
func (r *Registry) dropLocked(conn *Connection) {
	delete(r.byID, conn.UserID)
	if group, ok := r.byRole[conn.Role]; ok {
		delete(group, conn.UserID)
		if len(group) == 0 {
			delete(r.byRole, conn.Role)
		}
	}
}

// Get looks up the live connection for an identity.
func (r *Registry) Get(userID int) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[userID]
	return c, ok
}

// AllOf returns the members of a role group, matched on the exact
// canonical string. Unknown roles yield an empty slice, not an error;
// variant resolution is the router's job.
func (r *Registry) AllOf(role string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.byRole[CanonicalRole(role)]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	return out
}

// Roles lists the canonical role names with at least one live member,
// sorted for deterministic iteration.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byRole))
	for role := range r.byRole {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *Registry) allLocked() []*Connection {
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ConnectionInfo is the read-only view of a live connection exposed to
// the ops API.
type ConnectionInfo struct {
	UserID int    `json:"userId"`
	Role   string `json:"role"`
}

// Snapshot returns the live identities sorted by user id.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, ConnectionInfo{UserID: c.UserID, Role: c.Role})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// CloseAll closes every live connection and empties the registry. Used
// on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.allLocked()
	r.byID = make(map[int]*Connection)
	r.byRole = make(map[string]map[int]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if r.metrics != nil {
		r.metrics.Connections.Set(0)
	}
	if len(conns) > 0 {
		logging.Info().Int("closed", len(conns)).Msg("closed all connections during shutdown")
	}
}
