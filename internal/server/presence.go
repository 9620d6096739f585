package server

import (
	"sort"
	"sync"
)

// Presence maps each user to the set of their open connection ids. Only the
// hub loop mutates it; reads are safe from any goroutine.
type Presence struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{users: make(map[string]map[string]struct{})}
}

// Add records connID for userID and reports whether it is the user's first
// open connection.
func (p *Presence) Add(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns, ok := p.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		p.users[userID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// Remove drops connID and reports whether the user has no connection left.
// Unknown users or connections are a no-op.
func (p *Presence) Remove(userID, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns, ok := p.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(p.users, userID)
	return true
}

func (p *Presence) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

// Connections returns how many connections userID has open.
func (p *Presence) Connections(userID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID])
}

// Users lists online user ids, sorted.
func (p *Presence) Users() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.users))
	for id := range p.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
