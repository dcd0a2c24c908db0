// Package identity keeps the bidirectional mapping between origin messages and
// hub posts that reply routing depends on.
//
// Every hub post carries its own immutable origin reference. A separate
// per-thread anchor points at the newest inbound post of each thread and is
// used only for grouping and draft grounding, never for delivery.
package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/tghub/tghub/internal/message"
)

// ErrNotFound is returned when a hub message has no recorded mapping.
var ErrNotFound = errors.New("identity: mapping not found")

// Mapping links one hub post to the origin it was created for.
type Mapping struct {
	HubMessageID int64            `json:"hub_message_id"`
	Kind         message.Kind     `json:"kind"`
	Priority     message.Priority `json:"priority,omitempty"`
	Origin       message.Origin   `json:"origin"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Post returns the HubPost described by the mapping.
func (m Mapping) Post() message.HubPost {
	return message.HubPost{
		HubMessageID: m.HubMessageID,
		ThreadKey:    m.Origin.ThreadKey,
		Source:       m.Origin.Source,
		Priority:     m.Priority,
		Kind:         m.Kind,
		CreatedAt:    m.CreatedAt,
	}
}

// Map is safe for concurrent use. Mappings are append-only.
type Map struct {
	mu       sync.RWMutex
	byHub    map[int64]Mapping
	byOrigin map[string]int64
	anchors  map[string]int64
}

// New creates an empty map.
func New() *Map {
	return &Map{
		byHub:    make(map[int64]Mapping),
		byOrigin: make(map[string]int64),
		anchors:  make(map[string]int64),
	}
}

// Record stores mp. For inbound posts it also replaces the thread anchor in
// the same critical section, so readers see either the old or the new anchor.
// It returns the previous anchor id (0 if none).
func (m *Map) Record(mp Mapping) (prev int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHub[mp.HubMessageID]; exists {
		return m.anchors[mp.Origin.ThreadKey]
	}
	m.byHub[mp.HubMessageID] = mp
	if mp.Kind != message.KindInbound {
		return m.anchors[mp.Origin.ThreadKey]
	}
	m.byOrigin[message.OriginKey(mp.Origin.Source, mp.Origin.ChatID, mp.Origin.MessageID)] = mp.HubMessageID
	prev = m.anchors[mp.Origin.ThreadKey]
	m.anchors[mp.Origin.ThreadKey] = mp.HubMessageID
	return prev
}

// Lookup resolves a hub message id in O(1).
func (m *Map) Lookup(hubID int64) (Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.byHub[hubID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return mp, nil
}

// LookupOrigin returns the hub post created for an origin message.
func (m *Map) LookupOrigin(src message.Source, chatID, messageID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrigin[message.OriginKey(src, chatID, messageID)]
	return id, ok
}

// Anchor returns the current anchor mapping of a thread.
func (m *Map) Anchor(threadKey string) (Mapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.anchors[threadKey]
	if !ok {
		return Mapping{}, false
	}
	return m.byHub[id], true
}

// Active reports whether hubID is the current anchor of its thread.
func (m *Map) Active(hubID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.byHub[hubID]
	if !ok {
		return false
	}
	return m.anchors[mp.Origin.ThreadKey] == hubID
}

// Restore replays persisted mappings in creation order.
func (m *Map) Restore(mappings []Mapping) {
	for _, mp := range mappings {
		m.Record(mp)
	}
}

// Len returns the number of recorded hub posts.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHub)
}
