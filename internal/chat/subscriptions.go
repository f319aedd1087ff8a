package chat

import (
	"sort"
	"sync"
)

// Subscriptions tracks the named channels joined on the push connection.
// A channel is added on login / room connect and removed on logout / room disconnect.
type Subscriptions struct {
	channels map[string]bool
	mu       sync.RWMutex
}

// NewSubscriptions creates an empty set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		channels: make(map[string]bool),
	}
}

// Add records channel as subscribed. It reports false if it already was.
func (s *Subscriptions) Add(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[channel] {
		return false
	}
	s.channels[channel] = true
	return true
}

// Remove forgets channel. It reports false if it was not subscribed.
func (s *Subscriptions) Remove(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.channels[channel] {
		return false
	}
	delete(s.channels, channel)
	return true
}

// Has reports whether channel is subscribed.
func (s *Subscriptions) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

// Count returns number of subscribed channels.
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns the subscribed channels in sorted order.
func (s *Subscriptions) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear drops every channel.
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]bool)
}
