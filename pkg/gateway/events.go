package gateway

import (
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/rs/zerolog"
)

// EventRouter delivers orchestrator events to the connections following
// each session.
type EventRouter struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewEventRouter creates a router over the registry.
func NewEventRouter(clients *ClientRegistry, logger zerolog.Logger) *EventRouter {
	return &EventRouter{
		clients: clients,
		logger:  logger,
	}
}

// Route is an orchestrator.EventSink. The connection named as the event's
// origin is subscribed before delivery, so a client sees every event of
// the run it started. Send only queues, so Route never waits on a client.
func (r *EventRouter) Route(ev orchestrator.Event) {
	if ev.Origin != "" {
		r.clients.Subscribe(ev.Origin, ev.SessionID)
	}

	if ev.Kind == orchestrator.EventEvicted {
		r.evicted(ev)
		return
	}

	targets := r.clients.Subscribers(ev.SessionID)
	if len(targets) == 0 {
		r.logger.Debug().
			Str("session_id", ev.SessionID).
			Str("kind", string(ev.Kind)).
			Msg("No subscribers for event")
		return
	}

	msg := eventMessage(ev)
	successCount := 0
	failureCount := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			r.logger.Warn().
				Err(err).
				Str("conn_id", c.ID).
				Str("session_id", ev.SessionID).
				Str("type", string(msg.Type)).
				Msg("Failed to deliver event")
			failureCount++
			continue
		}
		successCount++
	}

	r.logger.Debug().
		Str("session_id", ev.SessionID).
		Str("type", string(msg.Type)).
		Str("stage", msg.Stage).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event delivered")
}

// evicted tells followers of an idle-evicted session that it is gone and
// drops their subscriptions. Closing on request is acknowledged by the
// closer's reply instead.
func (r *EventRouter) evicted(ev orchestrator.Event) {
	if ev.Detail == string(session.EvictIdle) {
		msg := Outbound{Type: TypeStatus, SessionID: ev.SessionID, Stage: StageClosed, Detail: "session evicted after idle timeout"}
		for _, c := range r.clients.Subscribers(ev.SessionID) {
			if err := c.Send(msg); err != nil {
				r.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("Failed to deliver eviction notice")
			}
		}
	}
	r.clients.Forget(ev.SessionID)
}
