package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/mqtt"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// wireMessage is the published command envelope: "command",
// "command_id", and "payload" — payload is always an object, never
// null.
type wireMessage struct {
	Command   string         `json:"command"`
	CommandID string         `json:"command_id"`
	Payload   map[string]any `json:"payload"`
}

// Pump is the Publisher Pump: on a fixed cadence it claims
// PENDING commands, builds the wire message, and publishes it through
// the Broker Session. It never transitions a command to COMPLETED or
// FAILED itself — that is the Response Correlator's and Reaper's job
// respectively — so a publish error simply leaves the command
// PROCESSING for the Reaper to eventually time out.
type Pump struct {
	store       *store.Store
	publisher   Publisher
	firmwareURL string
	interval    time.Duration
	logger      *slog.Logger
	bus         *events.Bus
}

// NewPump creates a Pump. firmwareURLBase is prefixed onto relative
// upgrade-command URLs. logger defaults to slog.Default(); bus
// may be nil.
func NewPump(st *store.Store, publisher Publisher, firmwareURLBase string, interval time.Duration, logger *slog.Logger, bus *events.Bus) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		store:       st,
		publisher:   publisher,
		firmwareURL: firmwareURLBase,
		interval:    interval,
		logger:      logger.With("component", "pump"),
		bus:         bus,
	}
}

// Start runs the pump until ctx is cancelled.
func (p *Pump) Start(ctx context.Context) {
	runTicker(ctx, p.interval, p.logger, "pump", p.tick)
}

// tick implements one Publisher Pump cycle. The sidecar HTTP
// pending-poll endpoint does not call it; it claims through the same
// Store.ClaimPending.
func (p *Pump) tick(ctx context.Context) {
	metrics.PumpTicksTotal.Inc()

	claimed, err := p.store.ClaimPending(0)
	if err != nil {
		p.logger.Error("claim pending commands failed", "error", err)
		return
	}

	for _, cmd := range claimed {
		p.publishBusEvent(events.KindCommandClaimed, map[string]any{
			"command_id": cmd.CommandID, "reader_serial": cmd.ReaderSerial, "command_type": string(cmd.CommandType),
		})
		p.publish(ctx, cmd)
	}

	if counts, err := p.store.CountCommandsByStatus(); err == nil {
		metrics.CommandQueueDepth.WithLabelValues(string(store.StatusPending)).Set(float64(counts[store.StatusPending]))
		metrics.CommandQueueDepth.WithLabelValues(string(store.StatusProcessing)).Set(float64(counts[store.StatusProcessing]))
	}
}

func (p *Pump) publish(ctx context.Context, cmd *store.Command) {
	topic, msg := buildWireMessage(cmd, p.firmwareURL)

	if err := p.publisher.Publish(ctx, topic, msg); err != nil {
		metrics.PublishAttemptsTotal.WithLabelValues("failure").Inc()
		p.logger.Warn("publish failed; leaving command PROCESSING for reaper",
			"command_id", cmd.CommandID, "topic", topic, "error", err)
		return
	}

	metrics.PublishAttemptsTotal.WithLabelValues("success").Inc()
	p.publishBusEvent(events.KindCommandPublished, map[string]any{"command_id": cmd.CommandID, "topic": topic})
}

// buildWireMessage returns the publish topic and wire envelope for a
// claimed command, applying command-type-specific payload
// normalization. Shared by the in-process Pump and the sidecar pump
// so both deployment modes emit byte-identical messages.
func buildWireMessage(cmd *store.Command, firmwareURLBase string) (string, wireMessage) {
	details := decodeDetails(cmd.DetailsJSON)

	var payload map[string]any
	switch cmd.CommandType {
	case store.CommandMode:
		payload = normalizeModeDetails(details)
	case store.CommandUpgrade:
		payload = normalizeUpgradeDetails(details, firmwareURLBase)
	default:
		payload = details
	}

	topic := topicFor(cmd.ReaderSerial, cmd.CommandType)
	return topic, wireMessage{Command: string(cmd.CommandType), CommandID: cmd.CommandID, Payload: payload}
}

// topicFor implements the publish-topic routing rule: status-detailed and
// upgrade publish to the manage topic, everything else to control.
func topicFor(serial string, ct store.CommandType) string {
	if ct == store.CommandStatusDetailed || ct == store.CommandUpgrade {
		return mqtt.ManageTopic(serial)
	}
	return mqtt.ControlTopic(serial)
}

func (p *Pump) publishBusEvent(kind string, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourcePump, Kind: kind, Data: data})
}
