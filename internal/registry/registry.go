// Package registry holds the authoritative in-memory view of which users are
// currently connected to which room. It is the single source of truth for
// "who is here now" and is distinct from the durable participant list, which
// only ever grows. A process restart loses all registry state by design.
package registry

import (
	"sync"

	"codelab/internal/models"
)

type memberRef struct {
	roomID string
	userID string
}

// roomMembers keeps presence entries keyed by user id plus their insertion
// order, so presence-list broadcasts are stable across rejoins.
type roomMembers struct {
	entries map[string]models.PresenceEntry
	order   []string
}

// Registry maps room ids to live presence entries and indexes connections so
// disconnects (which arrive keyed by connection, not user) resolve directly.
// It is an injectable state object, not a package-level singleton.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*roomMembers
	userConns map[string]string    // userID -> current connID
	conns     map[string]memberRef // connID -> (roomID, userID)
}

func New() *Registry {
	return &Registry{
		rooms:     make(map[string]*roomMembers),
		userConns: make(map[string]string),
		conns:     make(map[string]memberRef),
	}
}

// Upsert inserts or overwrites the presence entry for entry.ID in roomID,
// creating the room on first member. A rejoin from a new connection silently
// reassigns the entry: the previous connection loses its index mapping, so
// its eventual disconnect resolves to nothing and stays silent.
func (r *Registry) Upsert(roomID string, entry models.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomMembers{entries: make(map[string]models.PresenceEntry)}
		r.rooms[roomID] = room
	}
	if _, exists := room.entries[entry.ID]; !exists {
		room.order = append(room.order, entry.ID)
	}
	room.entries[entry.ID] = entry

	if old, ok := r.userConns[entry.ID]; ok && old != entry.ConnID {
		delete(r.conns, old)
	}
	r.userConns[entry.ID] = entry.ConnID
	r.conns[entry.ConnID] = memberRef{roomID: roomID, userID: entry.ID}
}

// Remove deletes the presence entry for userID in roomID, dropping the room
// once its last member is gone. No-op if the entry is absent.
func (r *Registry) Remove(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	entry, ok := room.entries[userID]
	if !ok {
		return
	}
	delete(room.entries, userID)
	for i, id := range room.order {
		if id == userID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	if len(room.entries) == 0 {
		delete(r.rooms, roomID)
	}

	if r.userConns[userID] == entry.ConnID {
		delete(r.userConns, userID)
	}
	delete(r.conns, entry.ConnID)
}

// Get returns the presence entry for userID in roomID, if present.
func (r *Registry) Get(roomID, userID string) (models.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return models.PresenceEntry{}, false
	}
	entry, ok := room.entries[userID]
	return entry, ok
}

// List returns the current presence entries for a room in insertion order,
// or an empty slice for an unknown room.
func (r *Registry) List(roomID string) []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return []models.PresenceEntry{}
	}
	out := make([]models.PresenceEntry, 0, len(room.order))
	for _, id := range room.order {
		out = append(out, room.entries[id])
	}
	return out
}

// ResolveConn maps a connection id back to its (roomID, userID) binding.
// Only the disconnect path uses this, since transport close events carry a
// connection id and nothing else.
func (r *Registry) ResolveConn(connID string) (roomID, userID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.conns[connID]
	return ref.roomID, ref.userID, ok
}

// ActiveCount returns the live occupancy of a room.
func (r *Registry) ActiveCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.entries)
}

// Counts returns live occupancy for every room with at least one member.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.rooms))
	for id, room := range r.rooms {
		counts[id] = len(room.entries)
	}
	return counts
}

// RoomCount reports the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// BoundConnCount reports the number of connections currently bound to a room.
func (r *Registry) BoundConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
