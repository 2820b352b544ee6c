// Package fanout delivers a handler's response to peer session sinks
// concurrently and without blocking the originating handler's own
// response write.
package fanout

import (
	"log/slog"

	"github.com/alitto/pond"

	"github.com/chatcore/messenger/internal/metrics"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/wire"
)

// Pool wraps a bounded worker pool dedicated to best-effort peer delivery.
type Pool struct {
	workers  *pond.WorkerPool
	registry *session.Registry
	metrics  *metrics.Collectors
	log      *slog.Logger
}

// New builds a Pool with maxWorkers concurrent deliveries in flight,
// backed by registry for unbinding sinks that fail to write. m may be nil,
// in which case fan-out failures are not counted.
func New(registry *session.Registry, maxWorkers int, m *metrics.Collectors, log *slog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		workers:  pond.New(maxWorkers, maxWorkers*4),
		registry: registry,
		metrics:  m,
		log:      log,
	}
}

// Deliver sends resp to sink asynchronously. A failed write unbinds sink
// from the registry under the owning username and is logged; it never
// propagates back to the caller.
func (p *Pool) Deliver(username string, sink session.Sink, resp wire.Response) {
	p.workers.Submit(func() {
		if err := sink.Send(resp); err != nil {
			p.log.Warn("fan-out delivery failed", "username", username, "error", err)
			if p.metrics != nil {
				p.metrics.FanoutFailures.Inc()
			}
			p.registry.UnbindSink(username, sink)
		}
	})
}

// DeliverToContact delivers resp to contactUsername's sink if that user
// is currently online; it is a no-op otherwise.
func (p *Pool) DeliverToContact(contactUsername string, resp wire.Response) {
	sink, ok := p.registry.Lookup(contactUsername)
	if !ok {
		return
	}
	p.Deliver(contactUsername, sink, resp)
}

// Broadcast delivers resp to every session other than excludeUsername.
func (p *Pool) Broadcast(excludeUsername string, resp wire.Response) {
	for _, sink := range p.registry.OthersThan(excludeUsername) {
		p.Deliver(sink.Username(), sink, resp)
	}
}

// StopAndWait blocks until all submitted deliveries have completed, then
// releases pool resources.
func (p *Pool) StopAndWait() {
	p.workers.StopAndWait()
}
