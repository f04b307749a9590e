// Package router implements the Inbound Router: it receives
// every MQTT message the Broker Session subscribes to, parses the
// topic, dispatches to a typed handler, and writes results through the
// Store. The Response Correlator lives here too, as the subset
// of routing logic that resolves manageResult/controlResult messages
// back to outstanding commands.
package router

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/mqtt"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// Router dispatches inbound MQTT messages to typed handlers and writes
// the results through a Store. Construct with New and register its
// Handle method as the Broker Session's MessageHandler.
type Router struct {
	store  *store.Store
	logger *slog.Logger
	bus    *events.Bus
}

// New creates a Router bound to st. logger defaults to slog.Default();
// bus may be nil.
func New(st *store.Store, logger *slog.Logger, bus *events.Bus) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, logger: logger.With("component", "router"), bus: bus}
}

// Handle implements [mqtt.MessageHandler]. It never panics and never
// returns an error: every inbound failure mode is "log and drop."
func (r *Router) Handle(topic string, payload []byte) {
	metrics.InboundMessagesTotal.WithLabelValues(suffixOf(topic)).Inc()

	serial, suffix, ok := mqtt.ParseTopic(topic)
	if !ok {
		r.drop(topic, "unparseable_topic")
		return
	}

	// Look up the reader; never create one.
	if _, err := r.store.GetReader(serial); err != nil {
		r.drop(topic, "unknown_reader")
		return
	}

	// Update last_communication before decoding the payload.
	if err := r.store.TouchLastCommunication(serial, time.Now()); err != nil {
		r.logger.Warn("touch last_communication failed", "reader", serial, "error", err)
	}

	// Decode JSON; on parse failure, log and drop.
	var msg map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.drop(topic, "malformed_json")
			return
		}
	}
	if msg == nil {
		msg = map[string]any{}
	}

	switch suffix {
	case "tagEvents":
		r.handleTagEvents(serial, msg)
	case "event":
		r.handleEvent(serial, msg, false)
	case "lwt":
		r.handleEvent(serial, msg, true)
	case "manageResult", "controlResult":
		r.handleResult(serial, msg)
	case "metrics":
		// Reserved; no side effect beyond the inbound counter above.
	default:
		r.drop(topic, "unknown_suffix")
	}
}

func suffixOf(topic string) string {
	_, suffix, ok := mqtt.ParseTopic(topic)
	if !ok {
		return "unknown"
	}
	return suffix
}

func (r *Router) drop(topic, reason string) {
	r.logger.Debug("dropping inbound message", "topic", topic, "reason", reason)
	metrics.InboundDroppedTotal.WithLabelValues(reason).Inc()
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceRouter,
			Kind:      events.KindInboundDropped,
			Data:      map[string]any{"topic": topic, "reason": reason},
		})
	}
}
