package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// SidecarPump is the cross-process deployment mode of the Publisher
// Pump: instead of claiming commands directly from the
// Store, it polls the gateway's /api/commands/pending/ endpoint — which
// performs the atomic PENDING→PROCESSING claim on the Store side before
// returning — and publishes the claimed commands on its own broker
// session. Inbound MQTT traffic received by the sidecar's session is
// forwarded back to the gateway through /api/mqtt/process/ via
// [SidecarPump.ForwardInbound], so correlation and event persistence
// still happen in exactly one place.
type SidecarPump struct {
	gatewayURL  string
	apiKey      string
	client      *http.Client
	publisher   Publisher
	firmwareURL string
	interval    time.Duration
	logger      *slog.Logger
}

// NewSidecarPump creates a sidecar pump that polls the gateway at
// gatewayURL (e.g. http://127.0.0.1:8080) using apiKey for
// authentication and publishes claimed commands via publisher.
func NewSidecarPump(gatewayURL, apiKey string, publisher Publisher, firmwareURLBase string, interval time.Duration, logger *slog.Logger) *SidecarPump {
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarPump{
		gatewayURL:  strings.TrimRight(gatewayURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		publisher:   publisher,
		firmwareURL: firmwareURLBase,
		interval:    interval,
		logger:      logger.With("component", "sidecar-pump"),
	}
}

// pendingCommand mirrors the gateway's command representation on
// /api/commands/pending/.
type pendingCommand struct {
	CommandID    string          `json:"command_id"`
	ReaderSerial string          `json:"reader_serial_number"`
	CommandType  string          `json:"command_type"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Start runs the sidecar pump until ctx is cancelled.
func (p *SidecarPump) Start(ctx context.Context) {
	runTicker(ctx, p.interval, p.logger, "sidecar-pump", p.tick)
}

// tick polls the pending-command endpoint and publishes every command
// it returns. Claim semantics are identical to the in-process Pump:
// the gateway transitions the rows to PROCESSING atomically before this
// process ever sees them, so a publish failure here simply leaves the
// command waiting for the gateway's Reaper.
func (p *SidecarPump) tick(ctx context.Context) {
	pending, err := p.fetchPending(ctx)
	if err != nil {
		p.logger.Error("poll pending commands failed", "error", err)
		return
	}

	for _, pc := range pending {
		cmd := &store.Command{
			CommandID:    pc.CommandID,
			ReaderSerial: pc.ReaderSerial,
			CommandType:  store.CommandType(pc.CommandType),
			DetailsJSON:  string(pc.Details),
		}
		topic, msg := buildWireMessage(cmd, p.firmwareURL)
		if err := p.publisher.Publish(ctx, topic, msg); err != nil {
			metrics.PublishAttemptsTotal.WithLabelValues("failure").Inc()
			p.logger.Warn("publish failed; command stays PROCESSING for gateway reaper",
				"command_id", cmd.CommandID, "topic", topic, "error", err)
			continue
		}
		metrics.PublishAttemptsTotal.WithLabelValues("success").Inc()
	}
}

func (p *SidecarPump) fetchPending(ctx context.Context) ([]pendingCommand, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.gatewayURL+"/api/commands/pending/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pending poll returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Commands []pendingCommand `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pending poll response: %w", err)
	}
	return out.Commands, nil
}

// ForwardInbound relays an inbound MQTT message to the gateway's
// Inbound Router webhook. Registered as the sidecar's broker-session
// MessageHandler, it is what keeps routing and correlation centralized
// in the gateway process even though the broker connection lives here.
// Non-JSON payloads are forwarded as a JSON string in data; the
// gateway's router applies its own log-and-drop rules.
func (p *SidecarPump) ForwardInbound(topic string, payload []byte) {
	body := map[string]any{"topic": topic}
	if json.Valid(payload) {
		body["data"] = json.RawMessage(payload)
	} else {
		body["data"] = string(payload)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("encode inbound forward failed", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL+"/api/mqtt/process/", bytes.NewReader(encoded))
	if err != nil {
		p.logger.Error("build inbound forward request failed", "topic", topic, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("forward inbound message failed", "topic", topic, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		p.logger.Warn("gateway rejected forwarded inbound message", "topic", topic, "status", resp.StatusCode)
	}
}
