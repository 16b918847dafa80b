package realtime

import (
	"errors"
	"log/slog"
	"sync"

	v1 "coopchat/shared/contracts/chat/v1"
)

// ErrDuplicateConnection marks a Connect call reusing a live connection id.
var ErrDuplicateConnection = errors.New("realtime: duplicate connection id")

// Registry owns every live connection and the indexes over them: which
// connections belong to which user, and which connections joined which chat.
//
// Concurrency guarantees:
//   - Connect/Disconnect/JoinRoom/LeaveRoom are safe under concurrent Broadcast.
//   - Broadcast never blocks: the target set is snapshotted under the read
//     lock and sends happen after it is released.
//   - A connection that fails a send is scheduled for disconnect; delivery to
//     the remaining targets continues.
//
// Connections are stored in a flat arena keyed by id; room and user
// membership are index sets over those ids, so removal is a matter of
// deleting ids, never of chasing back-references.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[int64]map[string]struct{} // chatID -> connection ids
	users map[int64]map[string]struct{} // userID -> connection ids
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		conns: make(map[string]*Connection),
		rooms: make(map[int64]map[string]struct{}),
		users: make(map[int64]map[string]struct{}),
	}
}

// Connect registers a live connection.
func (r *Registry) Connect(c *Connection) error {
	if c == nil || c.ID == "" {
		return errors.New("realtime: nil connection")
	}

	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.conns[c.ID] = c

	byUser := r.users[c.UserID]
	if byUser == nil {
		byUser = make(map[string]struct{})
		r.users[c.UserID] = byUser
	}
	byUser[c.ID] = struct{}{}
	r.mu.Unlock()

	metricConnectionsActive.Inc()
	r.log.Info("registry.connect", "connection_id", c.ID, "user_id", c.UserID)
	return nil
}

// Disconnect removes a connection from every room and from the user index,
// then signals its shutdown. Calling it again for the same id is a no-op.
func (r *Registry) Disconnect(connectionID string) {
	if connectionID == "" {
		return
	}

	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)

	for chatID, members := range r.rooms {
		if _, in := members[connectionID]; in {
			delete(members, connectionID)
			metricRoomSubscriptions.Dec()
			if len(members) == 0 {
				delete(r.rooms, chatID)
			}
		}
	}

	if byUser := r.users[c.UserID]; byUser != nil {
		delete(byUser, connectionID)
		if len(byUser) == 0 {
			delete(r.users, c.UserID)
		}
	}
	r.mu.Unlock()

	// Signal shutdown after removal so broadcasters holding an older
	// snapshot see a closed done channel rather than a half-removed record.
	c.Close()

	metricConnectionsActive.Dec()
	r.log.Info("registry.disconnect", "connection_id", connectionID, "user_id", c.UserID)
}

// JoinRoom subscribes a connection to a chat's broadcasts.
// It does not check chat-level authorization; the Dispatcher does that
// against the persisted participant list before calling here.
func (r *Registry) JoinRoom(connectionID string, chatID int64) {
	if connectionID == "" || chatID <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; !ok {
		return
	}

	members := r.rooms[chatID]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[chatID] = members
	}
	if _, in := members[connectionID]; !in {
		members[connectionID] = struct{}{}
		metricRoomSubscriptions.Inc()
	}
}

// LeaveRoom unsubscribes a connection from a chat; no-op when not joined.
func (r *Registry) LeaveRoom(connectionID string, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[chatID]
	if members == nil {
		return
	}
	if _, in := members[connectionID]; in {
		delete(members, connectionID)
		metricRoomSubscriptions.Dec()
		if len(members) == 0 {
			delete(r.rooms, chatID)
		}
	}
}

// InRoom reports whether a connection is currently joined to a chat.
func (r *Registry) InRoom(connectionID string, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, in := r.rooms[chatID][connectionID]
	return in
}

// Broadcast delivers ev to every connection joined to chatID except
// excludeConnectionID (pass "" for no exclusion).
//
// Delivery is best-effort per connection: a failed send schedules that
// connection's disconnect and never aborts delivery to the others.
func (r *Registry) Broadcast(chatID int64, ev v1.Event, excludeConnectionID string) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.rooms[chatID]))
	for id := range r.rooms[chatID] {
		if id == excludeConnectionID {
			continue
		}
		if c := r.conns[id]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	metricBroadcastsTotal.Inc()
	r.deliver(targets, ev)
}

// Notify delivers ev to every live connection of userID, regardless of room
// membership. Used for out-of-band events like "added to a chat".
func (r *Registry) Notify(userID int64, ev v1.Event) {
	r.NotifyMany([]int64{userID}, ev)
}

// NotifyMany delivers ev to every live connection of each listed user.
func (r *Registry) NotifyMany(userIDs []int64, ev v1.Event) {
	r.mu.RLock()
	var targets []*Connection
	for _, userID := range userIDs {
		for id := range r.users[userID] {
			if c := r.conns[id]; c != nil {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	r.deliver(targets, ev)
}

// deliver fans ev out to targets. Must be called without holding r.mu:
// failed targets are disconnected inline, which retakes the write lock.
func (r *Registry) deliver(targets []*Connection, ev v1.Event) {
	var failed []*Connection
	for _, c := range targets {
		if !c.TrySend(ev) {
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		metricDroppedDeliveries.Inc()
		r.log.Info("registry.deliver.fail", "connection_id", c.ID, "user_id", c.UserID, "event_type", ev.Type)
		r.Disconnect(c.ID)
	}
}
