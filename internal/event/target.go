// Package event provides a minimal publish/subscribe primitive, carrying a
// single event type per Target.
package event

import (
	"sync"
)

// ListenerID uniquely identifies a subscription, for removal. Go function
// values cannot be compared, so every listener is assigned an ID.
type ListenerID uint64

type listenerEntry[T any] struct {
	listener func(T)
	id       ListenerID
	once     bool
}

// Target dispatches values of type T to subscribed listeners, in
// subscription order. The zero value is ready to use.
//
// Dispatch is synchronous. Listeners added or removed during a dispatch do
// not affect the set of listeners invoked for that dispatch.
type Target[T any] struct {
	listeners []listenerEntry[T]
	nextID    ListenerID
	mu        sync.RWMutex
}

// Subscribe registers listener, returning an ID that may be passed to
// Unsubscribe. A nil listener is ignored, and returns 0.
func (x *Target[T]) Subscribe(listener func(T)) ListenerID {
	return x.add(listener, false)
}

// SubscribeOnce registers a listener which is removed after its first call.
func (x *Target[T]) SubscribeOnce(listener func(T)) ListenerID {
	return x.add(listener, true)
}

func (x *Target[T]) add(listener func(T), once bool) ListenerID {
	if listener == nil {
		return 0
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	x.listeners = append(x.listeners, listenerEntry[T]{
		listener: listener,
		id:       x.nextID,
		once:     once,
	})
	return x.nextID
}

// Unsubscribe removes the listener with the given ID, returning true if it
// was found.
func (x *Target[T]) Unsubscribe(id ListenerID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.remove(id)
}

func (x *Target[T]) remove(id ListenerID) bool {
	for i, entry := range x.listeners {
		if entry.id == id {
			x.listeners = append(x.listeners[:i:i], x.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch calls every current listener with value, returning the number of
// listeners called. Panics propagate to the caller.
func (x *Target[T]) Dispatch(value T) int {
	x.mu.RLock()
	if len(x.listeners) == 0 {
		x.mu.RUnlock()
		return 0
	}
	entries := make([]listenerEntry[T], len(x.listeners))
	copy(entries, x.listeners)
	x.mu.RUnlock()

	var called int
	for _, entry := range entries {
		if entry.once {
			// removed first, so a panicking listener is still only called once
			x.mu.Lock()
			ok := x.remove(entry.id)
			x.mu.Unlock()
			if !ok {
				continue
			}
		}
		called++
		entry.listener(value)
	}

	return called
}

// Len returns the number of listeners.
func (x *Target[T]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.listeners)
}

// Clear removes all listeners.
func (x *Target[T]) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = nil
}
