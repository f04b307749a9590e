package router

import (
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// handleTagEvents implements the `tagEvents` suffix rule: for
// each element of tag_reads[], create one TagEvent. firstSeenTimestamp
// is microseconds since epoch; it is converted to an instant in the
// Store's configured timezone.
func (r *Router) handleTagEvents(serial string, msg map[string]any) {
	reads, _ := msg["tag_reads"].([]any)
	for _, raw := range reads {
		tr, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		evt := &store.TagEvent{
			ReaderSerial:   serial,
			EPC:            stringField(tr, "epc"),
			AntennaPort:    intField(tr, "antennaPort"),
			AntennaZone:    stringField(tr, "antennaZone"),
			PeakRSSI:       intField(tr, "peakRssi"),
			TxPower:        intField(tr, "txPower"),
			MACAddress:     stringField(tr, "mac"),
			TagDataKey:     stringField(tr, "tagDataKey"),
			TagDataKeyName: stringField(tr, "tagDataKeyName"),
			TagDataSerial:  stringField(tr, "tagDataSerial"),
		}

		micros := numberField(tr, "firstSeenTimestamp")
		evt.FirstSeenAt = time.UnixMicro(int64(micros)).In(r.store.Location())

		if err := r.store.CreateTagEvent(evt); err != nil {
			r.logger.Error("create tag event failed", "reader", serial, "epc", evt.EPC, "error", err)
			continue
		}
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	return int(numberField(m, key))
}

func numberField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
