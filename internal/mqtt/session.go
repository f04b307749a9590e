package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/suporterfid/smartreader-gateway/internal/config"
	"github.com/suporterfid/smartreader-gateway/internal/events"
)

// State is a Broker Session connection phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String renders the state the way log lines and diagnostics expect.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MessageHandler is invoked for every inbound MQTT message on a
// subscribed topic. Implementations (the Inbound Router) must be safe
// for concurrent use; the Session wraps every call in a recover() so a
// handler panic cannot take down the process.
type MessageHandler func(topic string, payload []byte)

// Diagnostics is the snapshot returned by [Session.Diagnostics].
type Diagnostics struct {
	State               string    `json:"state"`
	Broker              string    `json:"broker"`
	Port                int       `json:"port"`
	KeepAliveSec        int       `json:"keepalive_sec"`
	ClientID            string    `json:"client_id"`
	LastConnectTime     time.Time `json:"last_connect_time,omitempty"`
	ReconnectCount      int64     `json:"reconnect_count"`
	AttemptedPublishes  int64     `json:"attempted_publishes"`
	SuccessfulPublishes int64     `json:"successful_publishes"`
	Stopped             bool      `json:"stopped"`
}

// Session is the single process-wide MQTT client connection.
// It is created once by the process root and passed by reference to
// every worker that needs to publish; there is no package-level
// singleton variable.
type Session struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	bus        *events.Bus

	connectMu sync.Mutex // serializes connect attempts; guards state+cm together
	publishMu sync.Mutex // serializes publish calls

	state State32
	cm    *autopaho.ConnectionManager

	handler MessageHandler

	lastConnectTime     atomic.Value // time.Time
	reconnectCount      atomic.Int64
	attemptedPublishes  atomic.Int64
	successfulPublishes atomic.Int64
	connectAttempts     atomic.Int64
	stopped             atomic.Bool
	connected           bool // guarded by connectMu; true after the first successful connect
}

// State32 is an atomic wrapper around State.
type State32 struct {
	v atomic.Int32
}

func (s *State32) Load() State      { return State(s.v.Load()) }
func (s *State32) Store(state State) { s.v.Store(int32(state)) }

// New creates a Session bound to the given MQTT configuration. Call
// [Session.Connect] to open the connection. bus may be nil; events are
// then simply not published.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger, bus *events.Bus) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{cfg: cfg, instanceID: instanceID, logger: logger, bus: bus}
	s.state.Store(Disconnected)
	return s
}

// SetMessageHandler registers the callback invoked for every inbound
// message. Must be called before Connect; the serve command registers
// the Inbound Router's Handle and the pump command registers
// SidecarPump.ForwardInbound.
func (s *Session) SetMessageHandler(h MessageHandler) {
	s.handler = h
}

func (s *Session) availabilityTopic() string {
	return "gateway/" + s.instanceID + "/availability"
}

// Connect opens the broker connection and starts the background
// network loop. A second caller while the state is CONNECTING observes
// ErrConnectInProgress rather than racing the first caller's dial.
// Calling Connect again after a prior connection was
// stopped (reconnect cap exceeded) resumes the session.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	if s.state.Load() == Connecting {
		s.connectMu.Unlock()
		return ErrConnectInProgress
	}
	if s.state.Load() == Connected {
		s.connectMu.Unlock()
		return nil
	}
	s.state.Store(Connecting)
	s.stopped.Store(false)
	s.connectAttempts.Store(0)
	s.connectMu.Unlock()

	brokerURL, err := s.brokerURL()
	if err != nil {
		s.state.Store(Disconnected)
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	keepAlive := uint16(s.cfg.KeepAlive)
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.connectMu.Lock()
			wasConnected := s.connected
			s.connected = true
			s.state.Store(Connected)
			s.lastConnectTime.Store(time.Now())
			if wasConnected {
				s.reconnectCount.Add(1)
			}
			s.connectAttempts.Store(0)
			s.connectMu.Unlock()

			s.logger.Info("mqtt broker connected", "broker", s.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.resubscribe(pubCtx, cm)
			s.publishAvailability(pubCtx, cm, "online")
			s.publishBusEvent(events.KindConnected, map[string]any{"broker": s.cfg.Broker, "client_id": s.clientID()})
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection attempt failed", "error", err)
			attempts := s.connectAttempts.Add(1)
			max := int64(s.cfg.MaxReconnectAttempts)
			if max > 0 && attempts >= max {
				s.logger.Error("mqtt max reconnect attempts reached; stopping retries until Connect is called again",
					"attempts", attempts)
				s.stopped.Store(true)
				go func() {
					disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = s.cm.Disconnect(disconnectCtx)
					s.state.Store(Disconnected)
				}()
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID(),
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.state.Store(Disconnected)
				s.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
				s.publishBusEvent(events.KindDisconnected,
					map[string]any{"broker": s.cfg.Broker, "reconnect_count": s.reconnectCount.Load()})
			},
			OnClientError: func(err error) {
				s.state.Store(Disconnected)
				s.logger.Warn("mqtt client error", "error", err)
				s.publishBusEvent(events.KindDisconnected,
					map[string]any{"broker": s.cfg.Broker, "reconnect_count": s.reconnectCount.Load()})
			},
		},
	}

	if s.cfg.ReconnectDelaySec > 0 {
		pahoCfg.ReconnectBackoff = autopaho.NewConstantBackoff(time.Duration(s.cfg.ReconnectDelaySec) * time.Second)
	}

	if s.cfg.UseTLS {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			s.state.Store(Disconnected)
			return fmt.Errorf("mqtt tls config: %w", err)
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		s.state.Store(Disconnected)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		s.dispatchInbound(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out; autopaho continues retrying in background", "error", err)
	}

	return nil
}

func (s *Session) dispatchInbound(topic string, payload []byte) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mqtt inbound handler panicked", "topic", topic, "panic", r)
		}
	}()
	s.handler(topic, payload)
}

// tlsConfig builds the broker TLS configuration from the configured
// CA bundle and optional client certificate pair.
func (s *Session) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.cfg.VerifyHostname,
	}

	switch s.cfg.TLSVersion {
	case "", "1.2":
	case "1.3":
		tlsCfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported tls version %q (valid: 1.2, 1.3)", s.cfg.TLSVersion)
	}

	if s.cfg.Ciphers != "" {
		suites, err := cipherSuiteIDs(s.cfg.Ciphers)
		if err != nil {
			return nil, err
		}
		tlsCfg.CipherSuites = suites
	}

	if s.cfg.CACerts != "" {
		pem, err := os.ReadFile(s.cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read ca certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", s.cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// cipherSuiteIDs resolves a colon- or comma-separated list of cipher
// suite names (as printed by crypto/tls) to their IDs.
func cipherSuiteIDs(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}

	var out []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Session) clientID() string {
	id := s.instanceID
	if len(id) > 12 {
		id = id[:12]
	}
	return "smartreader-gateway-" + id
}

func (s *Session) brokerURL() (*url.URL, error) {
	raw := s.cfg.Broker
	if raw == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		if u.Port() == "" && s.cfg.Port != 0 {
			u.Host = u.Hostname() + ":" + strconv.Itoa(s.cfg.Port)
		}
		return u, nil
	}
	scheme := "tcp"
	if s.cfg.UseTLS {
		scheme = "ssl"
	}
	return url.Parse(fmt.Sprintf("%s://%s:%d", scheme, raw, s.cfg.Port))
}

func (s *Session) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := SubscriptionFilters()
	opts := make([]paho.SubscribeOptions, len(filters))
	for i, f := range filters {
		opts[i] = paho.SubscribeOptions{Topic: f, QoS: byte(clampQoS(s.cfg.QoS))}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		s.logger.Error("mqtt subscribe failed", "error", err, "filters", filters)
		return
	}
	s.logger.Info("mqtt subscribed", "filters", filters)
}

func (s *Session) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// Publish serializes payload as UTF-8 JSON and publishes it to topic
// with the configured QoS/retain, blocking up to the configured ack
// timeout. Safe to call concurrently from any worker; publishMu
// ensures only one publish is in flight at a time per process.
func (s *Session) Publish(ctx context.Context, topic string, payload any) error {
	s.attemptedPublishes.Add(1)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	if s.cfg.MaxMessageSize > 0 && len(body) > s.cfg.MaxMessageSize {
		return fmt.Errorf("mqtt payload %d bytes exceeds max message size %d", len(body), s.cfg.MaxMessageSize)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.cm == nil || s.state.Load() != Connected {
		return fmt.Errorf("mqtt session not connected")
	}

	timeout := time.Duration(s.cfg.PublishTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = s.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: body,
		QoS:     byte(clampQoS(s.cfg.QoS)),
		Retain:  s.cfg.Retain,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	s.successfulPublishes.Add(1)
	return nil
}

// Diagnostics returns connection state, reconnect count, and publish
// counters.
func (s *Session) Diagnostics() Diagnostics {
	d := Diagnostics{
		State:               s.state.Load().String(),
		Broker:              s.cfg.Broker,
		Port:                s.cfg.Port,
		KeepAliveSec:        s.cfg.KeepAlive,
		ClientID:            s.clientID(),
		ReconnectCount:      s.reconnectCount.Load(),
		AttemptedPublishes:  s.attemptedPublishes.Load(),
		SuccessfulPublishes: s.successfulPublishes.Load(),
		Stopped:             s.stopped.Load(),
	}
	if t, ok := s.lastConnectTime.Load().(time.Time); ok {
		d.LastConnectTime = t
	}
	return d
}

// Disconnect publishes the gateway's own "offline" availability
// message and closes the broker connection. Called on process
// shutdown.
func (s *Session) Disconnect(ctx context.Context) error {
	s.connectMu.Lock()
	cm := s.cm
	s.connectMu.Unlock()
	if cm == nil {
		return nil
	}
	s.publishAvailability(ctx, cm, "offline")
	s.state.Store(Disconnected)
	return cm.Disconnect(ctx)
}

func (s *Session) publishBusEvent(kind string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceBroker, Kind: kind, Data: data})
}

func clampQoS(q int) int {
	if q < 0 {
		return 0
	}
	if q > 2 {
		return 2
	}
	return q
}

// ErrConnectInProgress is returned by Connect when another goroutine is
// already mid-dial.
var ErrConnectInProgress = fmt.Errorf("mqtt: connect already in progress")
