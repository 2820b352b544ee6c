// Package conn drives a single connection: read a frame, decode it,
// validate it, dispatch to the router, encode the response, write it,
// and repeat until EOF or an irrecoverable error.
package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chatcore/messenger/internal/eventbus"
	"github.com/chatcore/messenger/internal/ids"
	"github.com/chatcore/messenger/internal/metrics"
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/wire"
)

// writerSink is the production session.Sink: a buffered channel drained
// by a dedicated writer goroutine, so a slow peer socket never blocks the
// reader or a fan-out delivery.
type writerSink struct {
	id         string
	username   atomicString
	remoteAddr string
	out        chan wire.Response
	done       chan struct{}
}

type atomicString struct {
	mu  sync.RWMutex
	val string
}

func (a *atomicString) set(v string) {
	a.mu.Lock()
	a.val = v
	a.mu.Unlock()
}

func (a *atomicString) get() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.val
}

// Send queues resp for the writer goroutine. It never blocks the caller
// for longer than filling the channel buffer; a full buffer indicates a
// peer that has stopped reading, and is treated as a delivery failure.
func (s *writerSink) Send(resp wire.Response) error {
	select {
	case s.out <- resp:
		return nil
	case <-s.done:
		return errors.New("conn: sink closed")
	default:
		return errors.New("conn: sink send buffer full")
	}
}

func (s *writerSink) Username() string   { return s.username.get() }
func (s *writerSink) RemoteAddr() string { return s.remoteAddr }

// Loop owns one net.Conn for its lifetime.
type Loop struct {
	conn       net.Conn
	router     *router.Router
	deps       router.Deps
	bus        *eventbus.Bus
	metrics    *metrics.Collectors
	bufferSize int
	log        *slog.Logger
}

// New builds a Loop ready to Run over conn. m may be nil, in which case
// per-request metrics are skipped.
func New(nc net.Conn, r *router.Router, deps router.Deps, bus *eventbus.Bus, m *metrics.Collectors, bufferSize int, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{conn: nc, router: r, deps: deps, bus: bus, metrics: m, bufferSize: bufferSize, log: log}
}

// Run blocks until the connection closes or ctx is cancelled. It spawns
// its own writer goroutine and returns once both reader and writer have
// stopped.
func (l *Loop) Run(ctx context.Context) {
	sink := &writerSink{
		id:         ids.NewConnectionID(),
		remoteAddr: l.conn.RemoteAddr().String(),
		out:        make(chan wire.Response, 64),
		done:       make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go l.writePump(ctx, sink, &wg)

	// Unblock a pending read when ctx is cancelled so readPump can return.
	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	l.readPump(ctx, sink)
	close(readDone)

	close(sink.done)
	wg.Wait()

	if username := sink.Username(); username != "" {
		l.deps.Sessions.UnbindSink(username, sink)
	}
	_ = l.conn.Close()
}

func (l *Loop) writePump(ctx context.Context, sink *writerSink, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.done:
			return
		case resp, ok := <-sink.out:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Shutdown raced the write; discard in-flight responses
				// rather than writing to a connection we're tearing down.
				continue
			}
			encoded, err := wire.EncodeResponse(resp)
			if err != nil {
				l.log.Error("encode response failed", "error", err)
				continue
			}
			encoded = append(encoded, '\n')
			if _, err := l.conn.Write(encoded); err != nil {
				l.log.Warn("write failed, closing connection", "error", err)
				return
			}
			if l.bus != nil {
				l.bus.Response(resp)
			}
		}
	}
}

func (l *Loop) readPump(ctx context.Context, sink *writerSink) {
	reader := wire.NewFrameReader(l.conn, l.bufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("read error, closing connection", "error", err)
			}
			return
		}

		req, err := wire.DecodeRequest(frame)
		if err != nil {
			sink.Send(wire.Malformed(""))
			continue
		}
		if !req.IsValid() {
			sink.Send(wire.Malformed(req.Action))
			continue
		}

		if l.bus != nil {
			l.bus.Request(scrub(req))
		}

		resp := l.dispatch(ctx, req, sink)
		if sink.Send(resp) != nil {
			return
		}

		if req.Action == "logout" {
			if username := sink.Username(); username != "" {
				l.deps.Sessions.UnbindSink(username, sink)
				sink.username.set("")
			}
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, req wire.Request, sink *writerSink) (resp wire.Response) {
	if l.metrics != nil {
		defer func() {
			l.metrics.RequestsByVerb.WithLabelValues(req.Action, strconv.Itoa(resp.Code)).Inc()
		}()
	}

	handler, ok := l.router.Resolve(req.Action)
	if !ok {
		resp = wire.Unsupported(req.Action)
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panicked", "action", req.Action, "panic", r)
			resp = wire.Internal(req.Action)
		}
	}()

	if req.Action == "login" {
		// Set before the handler runs so a Bind it performs mid-call is
		// immediately reflected in sink.Username(), matching the ordering
		// guarantee that a login's binding is visible to fan-out before
		// that login's own response is dispatched.
		sink.username.set(req.StringField("username"))
	}
	resp = handler(ctx, req, sink, l.deps)
	if req.Action == "login" && resp.Code != wire.CodeOK {
		sink.username.set("")
	}
	return resp
}

// scrub strips password fields from a request before it is published on
// the event bus or logged, so credentials never leave the handler.
func scrub(req wire.Request) wire.Request {
	if _, ok := req.Data["password"]; !ok {
		if _, ok := req.Data["repeat_password"]; !ok {
			return req
		}
	}
	clean := make(map[string]interface{}, len(req.Data))
	for k, v := range req.Data {
		if k == "password" || k == "repeat_password" {
			continue
		}
		clean[k] = v
	}
	return wire.Request{Action: req.Action, Time: req.Time, Data: clean}
}
