package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// handleEvent implements the `event` and `lwt` suffix rules.
// On `event`, a payload with smartreader-mqtt-status = "connected" sets
// Reader.is_connected = true. On `lwt`, a payload with
// smartreader-mqtt-status = "disconnected" sets it false. Either way a
// DetailedStatusEvent is always appended.
func (r *Router) handleEvent(serial string, msg map[string]any, isLWT bool) {
	if status, ok := msg["smartreader-mqtt-status"].(string); ok {
		if isLWT && status == "disconnected" {
			r.setConnected(serial, false)
		} else if !isLWT && status == "connected" {
			r.setConnected(serial, true)
		}
	}

	evt := r.projectStatusEvent(serial, msg)
	if err := r.store.CreateDetailedStatusEvent(evt); err != nil {
		r.logger.Error("create detailed status event failed", "reader", serial, "error", err)
	}
}

func (r *Router) setConnected(serial string, connected bool) {
	if err := r.store.SetConnected(serial, connected); err != nil {
		r.logger.Warn("set reader connected failed", "reader", serial, "connected", connected, "error", err)
	}
}

// projectStatusEvent derives event_type and non_antenna_details from a
// raw payload. A missing eventType becomes "unknown". gpi-status keeps
// only gpiConfigurations. A payload carrying smartreader-mqtt-status
// becomes event type mqtt-status with only mqtt_status kept. status and
// status-detailed drop eventType and keys containing "antenna"
// (case-sensitive); any other type drops keys containing "antenna" in
// any case.
func (r *Router) projectStatusEvent(serial string, msg map[string]any) *store.DetailedStatusEvent {
	eventType := stringField(msg, "eventType")
	if eventType == "" {
		eventType = "unknown"
	}

	var nonAntenna map[string]any
	switch {
	case eventType == "gpi-status":
		nonAntenna = map[string]any{"gpiConfigurations": msg["gpiConfigurations"]}

	case hasKey(msg, "smartreader-mqtt-status"):
		eventType = "mqtt-status"
		nonAntenna = map[string]any{"mqtt_status": msg["smartreader-mqtt-status"]}

	case eventType == "status" || eventType == "status-detailed":
		nonAntenna = filterKeys(msg, func(k string) bool {
			return !strings.Contains(k, "antenna") && k != "eventType"
		})

	default:
		nonAntenna = filterKeys(msg, func(k string) bool {
			return !strings.Contains(strings.ToLower(k), "antenna")
		})
	}

	nonAntennaJSON, err := json.Marshal(nonAntenna)
	if err != nil {
		nonAntennaJSON = []byte("{}")
	}
	detailsJSON, err := json.Marshal(msg)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	return &store.DetailedStatusEvent{
		ReaderSerial:   serial,
		EventType:      eventType,
		Component:      orDefault(stringField(msg, "component"), "unknown"),
		Timestamp:      extractTimestamp(msg, r.store.Location()),
		MACAddress:     stringField(msg, "macAddress"),
		Status:         stringField(msg, "status"),
		DetailsJSON:    string(detailsJSON),
		NonAntennaJSON: string(nonAntennaJSON),
	}
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func filterKeys(m map[string]any, keep func(string) bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// extractTimestamp implements the inbound timestamp rule: an
// integer timestamp is microseconds since epoch; a string timestamp
// must match RFC3339-with-milliseconds; any other shape or parse
// failure substitutes the current instant.
func extractTimestamp(msg map[string]any, loc *time.Location) time.Time {
	switch v := msg["timestamp"].(type) {
	case float64:
		return time.UnixMicro(int64(v)).In(loc)
	case string:
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", v); err == nil {
			return t
		}
		return time.Now()
	default:
		return time.Now()
	}
}
