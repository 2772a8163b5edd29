package main

import (
	"context"

	"pilothouse/server/internal/events"
	"pilothouse/server/internal/store"
)

type waitWatcher interface {
	WatchSession(sessionID string)
	UnwatchSession(sessionID string)
}

type telemetryWatcher interface {
	Unwatch(sessionID string)
}

// watchPump keeps the waiting detector and context monitor in step with
// session lifecycle: sessions join the detector when they go running and
// leave both watchers when their pane exits. Telemetry watching starts
// from the hook ingress, which is where the file path first appears.
type watchPump struct {
	waits waitWatcher
	tele  telemetryWatcher
	bus   *events.Bus
}

func newWatchPump(waits waitWatcher, tele telemetryWatcher, bus *events.Bus) *watchPump {
	return &watchPump{waits: waits, tele: tele, bus: bus}
}

func (p *watchPump) run(ctx context.Context) error {
	sub := p.bus.Subscribe("watch-pump", 0, events.TopicSessionStatus, events.TopicSessionExit)
	defer p.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case events.SessionStatus:
				if e.New == string(store.StatusRunning) {
					p.waits.WatchSession(e.SessionID)
				}
			case events.SessionExit:
				p.waits.UnwatchSession(e.SessionID)
				p.tele.Unwatch(e.SessionID)
			}
		}
	}
}
