// Package events provides a publish/subscribe event bus for operational
// observability of the command lifecycle. Events flow from components
// (Broker Session, Inbound Router, Pump, Reaper, Scheduler) to
// subscribers (a future dashboard, diagnostics tooling). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBroker identifies events from the Broker Session.
	SourceBroker = "broker"
	// SourceRouter identifies events from the Inbound Router.
	SourceRouter = "router"
	// SourcePump identifies events from the Publisher Pump.
	SourcePump = "pump"
	// SourceReaper identifies events from the Reaper.
	SourceReaper = "reaper"
	// SourceScheduler identifies events from the Scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the Broker Session reached CONNECTED.
	// Data: broker, client_id.
	KindConnected = "connected"
	// KindDisconnected signals the Broker Session left CONNECTED.
	// Data: broker, reconnect_count.
	KindDisconnected = "disconnected"

	// KindCommandClaimed signals the Pump claimed a PENDING command.
	// Data: command_id, reader_serial, command_type.
	KindCommandClaimed = "command_claimed"
	// KindCommandPublished signals the Pump published a command.
	// Data: command_id, topic.
	KindCommandPublished = "command_published"
	// KindCommandCompleted signals the Correlator resolved a command
	// successfully. Data: command_id, reader_serial.
	KindCommandCompleted = "command_completed"
	// KindCommandFailed signals the Correlator resolved a command as
	// FAILED. Data: command_id, reader_serial.
	KindCommandFailed = "command_failed"
	// KindCommandReaped signals the Reaper timed out one or more stuck
	// commands in a tick. Data: count.
	KindCommandReaped = "command_reaped"

	// KindInboundDropped signals the Inbound Router discarded a
	// message (unknown reader, malformed payload, unknown command_id).
	// Data: topic, reason.
	KindInboundDropped = "inbound_dropped"

	// KindScheduleFired signals the Scheduler materialized a Command
	// from a ScheduledCommand row. Data: reader_serial, command_type,
	// recurrence.
	KindScheduleFired = "schedule_fired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
