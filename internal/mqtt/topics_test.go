package mqtt

import (
	"slices"
	"testing"
)

func TestSubscriptionFilters(t *testing.T) {
	filters := SubscriptionFilters()

	want := []string{
		"smartreader/+/manageResult",
		"smartreader/+/controlResult",
		"smartreader/+/tagEvents",
		"smartreader/+/event",
		"smartreader/+/metrics",
		"smartreader/+/lwt",
	}
	if !slices.Equal(filters, want) {
		t.Fatalf("SubscriptionFilters() = %v, want %v", filters, want)
	}
}

func TestManageAndControlTopics(t *testing.T) {
	if got := ManageTopic("S1"); got != "smartreader/S1/manage" {
		t.Errorf("ManageTopic() = %q, want smartreader/S1/manage", got)
	}
	if got := ControlTopic("S1"); got != "smartreader/S1/control" {
		t.Errorf("ControlTopic() = %q, want smartreader/S1/control", got)
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantSerial string
		wantSuffix string
		wantOK     bool
	}{
		{"smartreader/S1/tagEvents", "S1", "tagEvents", true},
		{"smartreader/37022341016/controlResult", "37022341016", "controlResult", true},
		{"smartreader/S1", "", "", false},
		{"smartreader/S1/deep/nested", "", "", false},
		{"otherprefix/S1/event", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		serial, suffix, ok := ParseTopic(tt.topic)
		if serial != tt.wantSerial || suffix != tt.wantSuffix || ok != tt.wantOK {
			t.Errorf("ParseTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.topic, serial, suffix, ok, tt.wantSerial, tt.wantSuffix, tt.wantOK)
		}
	}
}
