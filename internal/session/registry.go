// Package session implements the process-wide map from logged-in
// username to connection sink.
package session

import (
	"sync"

	"github.com/chatcore/messenger/internal/eventbus"
	"github.com/chatcore/messenger/internal/wire"
)

// Sink is the write end of a connection, bound to a username while that
// user is authenticated. internal/conn's writerSink, created by
// Loop.Run, is the production implementation; tests can satisfy this with
// a simple fake.
type Sink interface {
	Send(resp wire.Response) error
	Username() string
	RemoteAddr() string
}

// Registry is a synchronized username -> Sink map. The zero value is not
// usable; use New.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]Sink
	bus  *eventbus.Bus
}

// New builds an empty Registry that publishes client events to bus.
func New(bus *eventbus.Bus) *Registry {
	return &Registry{byName: make(map[string]Sink), bus: bus}
}

// Bind installs sink as the active connection for username, overwriting
// any prior binding, and publishes a client:add event.
func (r *Registry) Bind(username string, sink Sink) {
	r.mu.Lock()
	r.byName[username] = sink
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.ClientAdded(username)
	}
}

// Unbind removes the binding for username, if present, and publishes a
// client:delete event. It is idempotent.
func (r *Registry) Unbind(username string) {
	r.mu.Lock()
	_, existed := r.byName[username]
	delete(r.byName, username)
	r.mu.Unlock()
	if existed && r.bus != nil {
		r.bus.ClientRemoved(username)
	}
}

// UnbindSink removes username's binding only if it is currently bound to
// sink, so a stale unbind (e.g. from a connection that already lost the
// race to a newer login) cannot evict a fresher session.
func (r *Registry) UnbindSink(username string, sink Sink) {
	r.mu.Lock()
	current, ok := r.byName[username]
	if !ok || current != sink {
		r.mu.Unlock()
		return
	}
	delete(r.byName, username)
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.ClientRemoved(username)
	}
}

// Lookup returns the sink bound to username, if any.
func (r *Registry) Lookup(username string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[username]
	return s, ok
}

// ActiveUsernames returns every currently bound username, in no
// particular order.
func (r *Registry) ActiveUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// OthersThan returns every bound sink except the one for excludeUsername,
// used to fan out common-chat messages.
func (r *Registry) OthersThan(excludeUsername string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sink, 0, len(r.byName))
	for name, sink := range r.byName {
		if name == excludeUsername {
			continue
		}
		out = append(out, sink)
	}
	return out
}
