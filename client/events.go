package client

import (
	"sort"
	"sync"
)

type EventKind string

const (
	// EventChat is a line said by a player.
	EventChat EventKind = "chat"
	// EventMessage is any other text shown to the client, such as server
	// broadcasts.
	EventMessage      EventKind = "message"
	EventInventory    EventKind = "inventory"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventKicked       EventKind = "kicked"
)

type Event struct {
	Kind   EventKind `json:"kind"`
	Sender string    `json:"sender,omitempty"`
	Text   string    `json:"text,omitempty"`
}

// Hub fans events out to subscribers.
type Hub struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]func(Event)
}

// Subscription is the handle returned by Subscribe. Closing it removes the
// listener; closing twice is harmless.
type Subscription struct {
	hub *Hub
	id  uint64
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subscribers, s.id)
}

func (h *Hub) Subscribe(f func(Event)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers == nil {
		h.subscribers = map[uint64]func(Event){}
	}
	h.nextID++
	h.subscribers[h.nextID] = f
	return &Subscription{hub: h, id: h.nextID}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Publish delivers ev to every subscriber, in subscription order, outside
// the hub lock.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, h.subscribers[id])
	}
	h.mu.Unlock()
	for _, f := range listeners {
		f(ev)
	}
}
