package relay

import (
	"errors"
	"sync"
)

// Registry errors reported to the dispatch table. They map onto relay
// status codes; the registry itself knows nothing about the wire.
var (
	ErrUnknownRoom   = errors.New("unknown room code")
	ErrAlreadyJoined = errors.New("already joined as client")
	ErrHostTaken     = errors.New("room already has a host")
)

// room groups at most one host connection with any number of clients
// under a shared code. An empty room is inert, not invalid; rooms are
// never deleted while the process runs.
type room struct {
	host    *conn
	clients map[*conn]struct{}
}

// Registry is the in-memory room table shared by every connection
// handler. All operations are safe for concurrent use; mutating
// operations are atomic with respect to each other.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry returns an empty room table.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) getOrCreateLocked(code string) *room {
	rm, ok := r.rooms[code]
	if !ok {
		rm = &room{clients: make(map[*conn]struct{})}
		r.rooms[code] = rm
	}
	return rm
}

// SetHost claims the host role for a room, creating the room if it has
// never been subscribed to. The check and the set are a single critical
// section, so at most one connection ever holds the role.
func (r *Registry) SetHost(code string, c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.getOrCreateLocked(code)
	if rm.host != nil {
		return ErrHostTaken
	}
	rm.host = c
	return nil
}

// AddClient joins a room as a client. It fails if the room has never
// been subscribed to, or if c is already a member.
func (r *Registry) AddClient(code string, c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return ErrUnknownRoom
	}
	if _, joined := rm.clients[c]; joined {
		return ErrAlreadyJoined
	}
	rm.clients[c] = struct{}{}
	return nil
}

// Host returns the room's host connection, or nil if the room does not
// exist or has no host.
func (r *Registry) Host(code string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	return rm.host
}

// IsClient reports whether c is a member of the room's client set.
func (r *Registry) IsClient(code string, c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return false
	}
	_, joined := rm.clients[c]
	return joined
}

// IsHost reports whether c is the room's host.
func (r *Registry) IsHost(code string, c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	return ok && rm.host == c
}

// Clients returns a snapshot of the room's client set, safe to iterate
// without holding the registry lock across network writes.
func (r *Registry) Clients(code string) []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	out := make([]*conn, 0, len(rm.clients))
	for c := range rm.clients {
		out = append(out, c)
	}
	return out
}

// Remove detaches c from every room it appears in, as host and/or as
// client. Idempotent: removing an absent connection is a no-op. Called
// unconditionally when a connection's receive loop terminates.
func (r *Registry) Remove(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		if rm.host == c {
			rm.host = nil
		}
		delete(rm.clients, c)
	}
}

// RoomCount returns the number of rooms ever subscribed to, for the
// rooms gauge.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
