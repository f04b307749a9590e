package router

import (
	"testing"

	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// claimCommand creates a command for serial and moves it to PROCESSING,
// as the Publisher Pump would have before any result can arrive.
func claimCommand(t *testing.T, st *store.Store, serial string) *store.Command {
	t.Helper()
	cmd := &store.Command{ReaderSerial: serial, CommandType: store.CommandStart}
	if err := st.CreateCommand(cmd); err != nil {
		t.Fatalf("CreateCommand() error: %v", err)
	}
	if _, err := st.ClaimPending(0); err != nil {
		t.Fatalf("ClaimPending() error: %v", err)
	}
	return cmd
}

func TestCorrelator_SuccessResponseCompletes(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	r.Handle("smartreader/S1/controlResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "success",
		"message":    "",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}
	if got.Response != "success" {
		t.Errorf("response = %q, want %q", got.Response, "success")
	}

	reader, _ := st.GetReader("S1")
	if !reader.IsConnected {
		t.Error("reader not marked connected after replying on a result topic")
	}
}

func TestCorrelator_FailureResponseFails(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	r.Handle("smartreader/S1/manageResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "error",
		"message":    "antenna fault",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want FAILED", got.Status)
	}
	if got.Response != "error antenna fault" {
		t.Errorf("response = %q, want %q", got.Response, "error antenna fault")
	}
}

func TestCorrelator_EmptyResponseGetsDefaultText(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	r.Handle("smartreader/S1/controlResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "",
		"message":    "",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Response != "No response message" {
		t.Errorf("response = %q, want %q", got.Response, "No response message")
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want FAILED (empty response is not success)", got.Status)
	}
}

func TestCorrelator_UnknownCommandIDDropped(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	r.Handle("smartreader/S1/controlResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": "not-a-real-id",
		"response":   "success",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING untouched by alien command_id", got.Status)
	}
}

func TestCorrelator_ReaderSerialMismatchDropped(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	seedReader(t, st, "S2")
	cmd := claimCommand(t, st, "S1")

	// A result for S1's command arriving on S2's topic is dropped.
	r.Handle("smartreader/S2/controlResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "success",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING (serial mismatch must not correlate)", got.Status)
	}
}

func TestCorrelator_LateDuplicateIgnored(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	result := mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "success",
	})
	r.Handle("smartreader/S1/controlResult", result)

	// A duplicate delivery (QoS 1 at-least-once) or a late retransmit
	// carrying a different outcome must not overwrite the terminal
	// status.
	r.Handle("smartreader/S1/controlResult", mustJSON(t, map[string]any{
		"command":    "start",
		"command_id": cmd.CommandID,
		"response":   "error",
		"message":    "retransmit",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusCompleted || got.Response != "success" {
		t.Fatalf("command after duplicate = %q/%q, want COMPLETED/success unchanged", got.Status, got.Response)
	}
}

func TestCorrelator_MissingCommandIDDropped(t *testing.T) {
	r, st := newTestRouter(t)
	seedReader(t, st, "S1")
	cmd := claimCommand(t, st, "S1")

	r.Handle("smartreader/S1/controlResult", mustJSON(t, map[string]any{
		"command":  "start",
		"response": "success",
	}))

	got, err := st.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("status = %q, want PROCESSING (no command_id, no correlation)", got.Status)
	}
}
