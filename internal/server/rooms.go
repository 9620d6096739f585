package server

import "sync"

const roomPrefix = "chat:"

// RoomFor names the room of a chat.
func RoomFor(chatID string) string { return roomPrefix + chatID }

// Rooms tracks which clients joined which room. Like Presence it is written
// from the hub loop only.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Client]struct{}
	joined  map[*Client]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[*Client]struct{}),
		joined:  make(map[*Client]map[string]struct{}),
	}
}

func (r *Rooms) Join(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[room]
	if !ok {
		m = make(map[*Client]struct{})
		r.members[room] = m
	}
	m[c] = struct{}{}

	j, ok := r.joined[c]
	if !ok {
		j = make(map[string]struct{})
		r.joined[c] = j
	}
	j[room] = struct{}{}
}

// LeaveAll removes c from every room it joined.
func (r *Rooms) LeaveAll(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.joined[c] {
		m := r.members[room]
		delete(m, c)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.joined, c)
}

func (r *Rooms) Has(room string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][c]
	return ok
}

// Members returns a snapshot of the clients in room.
func (r *Rooms) Members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.members[room]))
	for c := range r.members[room] {
		out = append(out, c)
	}
	return out
}

// RoomsOf lists the rooms c has joined.
func (r *Rooms) RoomsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined[c]))
	for room := range r.joined[c] {
		out = append(out, room)
	}
	return out
}
