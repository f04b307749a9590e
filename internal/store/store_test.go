package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "gateway.db"), time.UTC)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedReader(t *testing.T, s *Store, serial string) {
	t.Helper()
	if err := s.CreateReader(&Reader{SerialNumber: serial, Enabled: true}); err != nil {
		t.Fatalf("CreateReader(%q) error: %v", serial, err)
	}
}

func TestGetReader_Unknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetReader("UNKNOWN"); err != ErrNotFound {
		t.Fatalf("GetReader(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClaimPending_ExactlyOnceUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	const n = 20
	for i := 0; i < n; i++ {
		if err := s.CreateCommand(&Command{ReaderSerial: "S1", CommandType: CommandStart}); err != nil {
			t.Fatalf("CreateCommand() error: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]bool)
		dupes   int
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmds, err := s.ClaimPending(0)
			if err != nil {
				t.Errorf("ClaimPending() error: %v", err)
				return
			}
			mu.Lock()
			for _, c := range cmds {
				if claimed[c.CommandID] {
					dupes++
				}
				claimed[c.CommandID] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if dupes != 0 {
		t.Fatalf("ClaimPending() under concurrency produced %d duplicate claims", dupes)
	}
	if len(claimed) != n {
		t.Fatalf("claimed %d commands, want %d", len(claimed), n)
	}

	// A second round finds nothing left PENDING.
	rest, err := s.ClaimPending(0)
	if err != nil {
		t.Fatalf("ClaimPending() second round error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("second ClaimPending() round claimed %d, want 0", len(rest))
	}
}

func TestCompleteCommand_TerminalAbsorption(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	cmd := &Command{ReaderSerial: "S1", CommandType: CommandStart}
	if err := s.CreateCommand(cmd); err != nil {
		t.Fatalf("CreateCommand() error: %v", err)
	}
	if _, err := s.ClaimPending(0); err != nil {
		t.Fatalf("ClaimPending() error: %v", err)
	}

	if err := s.CompleteCommand(cmd.CommandID, StatusCompleted, "success"); err != nil {
		t.Fatalf("CompleteCommand() first call error: %v", err)
	}

	// A second writer (e.g. the Reaper racing the Correlator) must lose.
	err := s.CompleteCommand(cmd.CommandID, StatusFailed, "Command processing timed out")
	if err != ErrAlreadyTerminal {
		t.Fatalf("second CompleteCommand() error = %v, want ErrAlreadyTerminal", err)
	}

	got, err := s.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != StatusCompleted || got.Response != "success" {
		t.Fatalf("command after race = %+v, want COMPLETED/success unchanged", got)
	}
}

func TestReapStale(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	cmd := &Command{ReaderSerial: "S1", CommandType: CommandStop}
	if err := s.CreateCommand(cmd); err != nil {
		t.Fatalf("CreateCommand() error: %v", err)
	}
	if _, err := s.ClaimPending(0); err != nil {
		t.Fatalf("ClaimPending() error: %v", err)
	}

	// Not yet stale.
	n, err := s.ReapStale(time.Now().Add(-30*time.Second), "Command processing timed out")
	if err != nil {
		t.Fatalf("ReapStale() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReapStale() reaped %d fresh commands, want 0", n)
	}

	// Stale as of "now" (our command's updated_at is <= now).
	n, err = s.ReapStale(time.Now().Add(time.Second), "Command processing timed out")
	if err != nil {
		t.Fatalf("ReapStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReapStale() reaped %d, want 1", n)
	}

	got, err := s.GetCommand(cmd.CommandID)
	if err != nil {
		t.Fatalf("GetCommand() error: %v", err)
	}
	if got.Status != StatusFailed || got.Response != "Command processing timed out" {
		t.Fatalf("reaped command = %+v, want FAILED/timeout", got)
	}
}

func TestTagEvent_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	for i := 0; i < 3; i++ {
		if err := s.CreateTagEvent(&TagEvent{ReaderSerial: "S1", EPC: "E200", FirstSeenAt: time.Now()}); err != nil {
			t.Fatalf("CreateTagEvent() error: %v", err)
		}
	}

	n, err := s.CountTagEventsForReader("S1")
	if err != nil {
		t.Fatalf("CountTagEventsForReader() error: %v", err)
	}
	if n != 3 {
		t.Fatalf("CountTagEventsForReader() = %d, want 3", n)
	}
}

func TestAdvanceSchedule_Daily(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	when := time.Now().Add(-time.Second).Truncate(time.Second)
	sc := &ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   CommandStop,
		ScheduledTime: when,
		Recurrence:    RecurrenceDaily,
		IsActive:      true,
	}
	if err := s.CreateScheduledCommand(sc); err != nil {
		t.Fatalf("CreateScheduledCommand() error: %v", err)
	}

	due, err := s.DueScheduledCommands(time.Now())
	if err != nil {
		t.Fatalf("DueScheduledCommands() error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("DueScheduledCommands() returned %d rows, want 1", len(due))
	}

	tick := time.Now()
	next := when.Add(24 * time.Hour)
	if err := s.AdvanceSchedule(sc.ID, when, next, true, tick); err != nil {
		t.Fatalf("AdvanceSchedule() error: %v", err)
	}

	all, err := s.ListScheduledCommands()
	if err != nil {
		t.Fatalf("ListScheduledCommands() error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListScheduledCommands() returned %d rows, want 1", len(all))
	}
	got := all[0]
	if !got.ScheduledTime.Equal(next) {
		t.Fatalf("ScheduledTime after advance = %v, want %v", got.ScheduledTime, next)
	}
	if !got.IsActive {
		t.Fatal("DAILY schedule deactivated, want still active")
	}
}
