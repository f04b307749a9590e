package mqtt

import (
	"testing"

	"github.com/suporterfid/smartreader-gateway/internal/config"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want string
	}{
		{
			name: "bare hostname gets tcp scheme and port",
			cfg:  config.MQTTConfig{Broker: "broker.local", Port: 1883},
			want: "tcp://broker.local:1883",
		},
		{
			name: "bare hostname with TLS gets ssl scheme",
			cfg:  config.MQTTConfig{Broker: "broker.local", Port: 8883, UseTLS: true},
			want: "ssl://broker.local:8883",
		},
		{
			name: "full URL passes through",
			cfg:  config.MQTTConfig{Broker: "mqtt://broker.local:1884", Port: 1883},
			want: "mqtt://broker.local:1884",
		},
		{
			name: "URL without port gets the configured one",
			cfg:  config.MQTTConfig{Broker: "tcp://broker.local", Port: 1883},
			want: "tcp://broker.local:1883",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.cfg, "test-instance", nil, nil)
			u, err := s.brokerURL()
			if err != nil {
				t.Fatalf("brokerURL() error: %v", err)
			}
			if u.String() != tt.want {
				t.Errorf("brokerURL() = %q, want %q", u.String(), tt.want)
			}
		})
	}
}

func TestBrokerURL_Unconfigured(t *testing.T) {
	s := New(config.MQTTConfig{}, "test-instance", nil, nil)
	if _, err := s.brokerURL(); err == nil {
		t.Fatal("brokerURL() with empty broker should error")
	}
}

func TestClampQoS(t *testing.T) {
	tests := []struct{ in, want int }{
		{-1, 0}, {0, 0}, {1, 1}, {2, 2}, {3, 2},
	}
	for _, tt := range tests {
		if got := clampQoS(tt.in); got != tt.want {
			t.Errorf("clampQoS(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "DISCONNECTED"},
		{Connecting, "CONNECTING"},
		{Connected, "CONNECTED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDiagnostics_InitialState(t *testing.T) {
	cfg := config.MQTTConfig{Broker: "broker.local", Port: 1883, KeepAlive: 60}
	s := New(cfg, "0123456789abcdef", nil, nil)

	d := s.Diagnostics()
	if d.State != "DISCONNECTED" {
		t.Errorf("initial state = %q, want DISCONNECTED", d.State)
	}
	if d.AttemptedPublishes != 0 || d.SuccessfulPublishes != 0 || d.ReconnectCount != 0 {
		t.Errorf("fresh session has nonzero counters: %+v", d)
	}
	if d.ClientID != "smartreader-gateway-0123456789ab" {
		t.Errorf("client ID = %q, want truncated instance suffix", d.ClientID)
	}
}

func TestClientID_ShortInstanceNotTruncated(t *testing.T) {
	s := New(config.MQTTConfig{Broker: "b"}, "short", nil, nil)
	if got := s.clientID(); got != "smartreader-gateway-short" {
		t.Errorf("clientID() = %q, want smartreader-gateway-short", got)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	s := New(config.MQTTConfig{Broker: "broker.local", Port: 1883}, "test", nil, nil)
	if err := s.Publish(t.Context(), "smartreader/S1/control", map[string]any{}); err == nil {
		t.Fatal("Publish() on a disconnected session should error")
	}
	if d := s.Diagnostics(); d.AttemptedPublishes != 1 || d.SuccessfulPublishes != 0 {
		t.Errorf("counters after failed publish = %+v, want 1 attempted / 0 successful", d)
	}
}

func TestTLSConfig_HostnameVerification(t *testing.T) {
	s := New(config.MQTTConfig{Broker: "b", UseTLS: true, VerifyHostname: false}, "test", nil, nil)
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		t.Fatalf("tlsConfig() error: %v", err)
	}
	if !tlsCfg.InsecureSkipVerify {
		t.Error("verify_hostname=false should skip verification")
	}

	s = New(config.MQTTConfig{Broker: "b", UseTLS: true, VerifyHostname: true}, "test", nil, nil)
	tlsCfg, err = s.tlsConfig()
	if err != nil {
		t.Fatalf("tlsConfig() error: %v", err)
	}
	if tlsCfg.InsecureSkipVerify {
		t.Error("verify_hostname=true must not skip verification")
	}
}

func TestTLSConfig_MissingCAFile(t *testing.T) {
	s := New(config.MQTTConfig{Broker: "b", UseTLS: true, CACerts: "/does/not/exist.pem"}, "test", nil, nil)
	if _, err := s.tlsConfig(); err == nil {
		t.Fatal("tlsConfig() with missing CA file should error")
	}
}

func TestLoadOrCreateInstanceID_Persists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error: %v", err)
	}
	if first == "" {
		t.Fatal("generated instance ID is empty")
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() second call error: %v", err)
	}
	if second != first {
		t.Fatalf("instance ID changed across calls: %q then %q", first, second)
	}
}
