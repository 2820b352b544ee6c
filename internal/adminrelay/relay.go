// Package adminrelay is the one Event Bus subscriber this repository
// ships: it logs every event kind, standing in for the external admin
// console. It is selected by the supervisor's -g/--gui flag instead of
// running headless.
package adminrelay

import (
	"log/slog"

	"github.com/chatcore/messenger/internal/eventbus"
)

// Attach subscribes log-based relaying for every event kind on bus.
func Attach(bus *eventbus.Bus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	bus.Subscribe(eventbus.KindState, func(ev eventbus.Event) {
		log.Info("admin: state", "message", ev.Message)
	})
	bus.Subscribe(eventbus.KindLog, func(ev eventbus.Event) {
		log.Info("admin: log", "message", ev.Message)
	})
	bus.Subscribe(eventbus.KindClient, func(ev eventbus.Event) {
		log.Info("admin: client", "event", ev.Message, "username", ev.Username)
	})
	bus.Subscribe(eventbus.KindRequest, func(ev eventbus.Event) {
		log.Info("admin: request", "payload", ev.Payload)
	})
	bus.Subscribe(eventbus.KindResponse, func(ev eventbus.Event) {
		log.Info("admin: response", "payload", ev.Payload)
	})
}
