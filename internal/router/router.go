// Package router maps request verbs to handlers. The mapping is built
// once from the route tables contributed by installed modules and is
// immutable afterward.
package router

import (
	"context"

	"github.com/chatcore/messenger/internal/eventbus"
	"github.com/chatcore/messenger/internal/fanout"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/wire"
)

// Deps bundles everything a handler needs beyond the request itself.
type Deps struct {
	Store    adapter.Adapter
	Sessions *session.Registry
	Bus      *eventbus.Bus
	Fanout   *fanout.Pool
}

// Handler resolves one verb into a response. sink is the caller's own
// connection sink, passed whether or not the connection has logged in
// (nil only when a handler is called without a connection), so
// login/logout can bind/unbind it without any handler reaching back into
// the connection layer.
type Handler func(ctx context.Context, req wire.Request, sink session.Sink, deps Deps) wire.Response

// Route pairs a verb with its handler, as contributed by a module's route
// table.
type Route struct {
	Verb    string
	Handler Handler
}

// Router is an immutable verb -> Handler table.
type Router struct {
	routes map[string]Handler
}

// New builds a Router from the given modules' route tables. A duplicate
// verb across tables panics at startup, since that is a programming
// error, never a runtime condition.
func New(tables ...[]Route) *Router {
	routes := make(map[string]Handler)
	for _, table := range tables {
		for _, r := range table {
			if _, exists := routes[r.Verb]; exists {
				panic("router: duplicate verb registered: " + r.Verb)
			}
			routes[r.Verb] = r.Handler
		}
	}
	return &Router{routes: routes}
}

// ValidateAction reports whether verb names a registered handler.
func (r *Router) ValidateAction(verb string) bool {
	_, ok := r.routes[verb]
	return ok
}

// Resolve returns the handler bound to verb, if any.
func (r *Router) Resolve(verb string) (Handler, bool) {
	h, ok := r.routes[verb]
	return h, ok
}
