package worker

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, js string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(js), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", js, err)
	}
	return m
}

func TestNormalizeModeDetails(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "drops empty keys and sets default threshold",
			input: `{"type":"INVENTORY","antennas":[1,2],"rssiFilter":{"threshold":""},"filter":{"value":""}}`,
			want:  `{"antennas":[1,2],"rssiFilter":{"threshold":-92},"type":"INVENTORY"}`,
		},
		{
			name:  "keeps explicit threshold",
			input: `{"rssiFilter":{"threshold":-70}}`,
			want:  `{"rssiFilter":{"threshold":-70}}`,
		},
		{
			name:  "drops null and empty list",
			input: `{"antennas":[],"zone":null,"mode":"x"}`,
			want:  `{"mode":"x","rssiFilter":{"threshold":-92}}`,
		},
		{
			name:  "already-clean payload is a no-op beyond threshold default",
			input: `{"mode":"x","antennas":[1],"rssiFilter":{"threshold":-92}}`,
			want:  `{"antennas":[1],"mode":"x","rssiFilter":{"threshold":-92}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeModeDetails(decode(t, tt.input))
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(decode(t, tt.want))

			var gotM, wantM map[string]any
			json.Unmarshal(gotJSON, &gotM)
			json.Unmarshal(wantJSON, &wantM)
			if !reflect.DeepEqual(gotM, wantM) {
				t.Errorf("normalizeModeDetails(%s) = %s, want %s", tt.input, gotJSON, wantJSON)
			}
		})
	}
}

func TestNormalizeModeDetails_Idempotent(t *testing.T) {
	input := decode(t, `{"type":"INVENTORY","antennas":[1,2],"rssiFilter":{"threshold":""},"filter":{"value":""}}`)
	once := normalizeModeDetails(input)
	twice := normalizeModeDetails(once)

	onceJSON, _ := json.Marshal(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Errorf("normalization not idempotent: once=%s twice=%s", onceJSON, twiceJSON)
	}
}

func TestNormalizeUpgradeDetails(t *testing.T) {
	tests := []struct {
		name    string
		details map[string]any
		urlBase string
		wantURL string
	}{
		{
			name:    "relative url gets prefixed",
			details: map[string]any{"url": "firmware-1.2.3.bin", "timeoutInMinutes": 10, "maxRetries": 3},
			urlBase: "https://firmware.example.com/files",
			wantURL: "https://firmware.example.com/files/firmware-1.2.3.bin",
		},
		{
			name:    "absolute url left alone",
			details: map[string]any{"url": "https://elsewhere.example.com/fw.bin"},
			urlBase: "https://firmware.example.com/files",
			wantURL: "https://elsewhere.example.com/fw.bin",
		},
		{
			name:    "no url base configured leaves url untouched",
			details: map[string]any{"url": "fw.bin"},
			urlBase: "",
			wantURL: "fw.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeUpgradeDetails(tt.details, tt.urlBase)
			if got["url"] != tt.wantURL {
				t.Errorf("url = %v, want %v", got["url"], tt.wantURL)
			}
		})
	}
}

func TestDecodeDetails_EmptyIsEmptyMap(t *testing.T) {
	got := decodeDetails("")
	if len(got) != 0 {
		t.Errorf("decodeDetails(\"\") = %v, want empty map", got)
	}
}

func TestDecodeDetails_Malformed(t *testing.T) {
	got := decodeDetails("{not json")
	if len(got) != 0 {
		t.Errorf("decodeDetails(malformed) = %v, want empty map", got)
	}
}
