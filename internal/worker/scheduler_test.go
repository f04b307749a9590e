package worker

import (
	"testing"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/store"
)

func TestScheduler_FiresDailyAndAdvances(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	due := time.Now().Add(-time.Second)
	sc := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStop,
		ScheduledTime: due,
		Recurrence:    store.RecurrenceDaily,
		IsActive:      true,
	}
	if err := s.CreateScheduledCommand(sc); err != nil {
		t.Fatalf("CreateScheduledCommand() error: %v", err)
	}

	sched := NewScheduler(s, time.Minute, nil, nil)
	sched.tick(nil)

	cmds, err := s.ListCommandsForReader("S1", 10)
	if err != nil {
		t.Fatalf("ListCommandsForReader() error: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].CommandType != store.CommandStop || cmds[0].Status != store.StatusPending {
		t.Errorf("fired command = %+v, want PENDING stop", cmds[0])
	}

	rows, err := s.ListScheduledCommands()
	if err != nil {
		t.Fatalf("ListScheduledCommands() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d schedule rows, want 1", len(rows))
	}
	got := rows[0]
	wantNext := due.Add(24 * time.Hour)
	if got.ScheduledTime.Sub(wantNext).Abs() > time.Second {
		t.Errorf("scheduled_time = %v, want ~%v", got.ScheduledTime, wantNext)
	}
	if !got.IsActive {
		t.Error("DAILY schedule should remain active after firing")
	}
	if got.LastRun == nil {
		t.Error("last_run should be set after firing")
	}
}

func TestScheduler_OnceDeactivates(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	sc := &store.ScheduledCommand{
		ReaderSerial:  "S1",
		CommandType:   store.CommandStart,
		ScheduledTime: time.Now().Add(-time.Second),
		Recurrence:    store.RecurrenceOnce,
		IsActive:      true,
	}
	s.CreateScheduledCommand(sc)

	sched := NewScheduler(s, time.Minute, nil, nil)
	sched.tick(nil)

	rows, _ := s.ListScheduledCommands()
	if len(rows) != 1 || rows[0].IsActive {
		t.Errorf("ONCE schedule should be deactivated after firing, got %+v", rows)
	}
}

func TestScheduler_WeeklyAndMonthlyDeltas(t *testing.T) {
	cases := []struct {
		recurrence store.Recurrence
		want       time.Duration
	}{
		{store.RecurrenceWeekly, 7 * 24 * time.Hour},
		{store.RecurrenceMonthly, 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(string(tc.recurrence), func(t *testing.T) {
			base := time.Now()
			next, active := advance(base, tc.recurrence)
			if !active {
				t.Errorf("%s should remain active", tc.recurrence)
			}
			if next.Sub(base) != tc.want {
				t.Errorf("delta = %v, want %v", next.Sub(base), tc.want)
			}
		})
	}
}

func TestScheduler_DoesNotFireInactiveOrFutureRows(t *testing.T) {
	s := newTestStore(t)
	seedReader(t, s, "S1")

	inactive := &store.ScheduledCommand{
		ReaderSerial: "S1", CommandType: store.CommandStart,
		ScheduledTime: time.Now().Add(-time.Hour), Recurrence: store.RecurrenceOnce, IsActive: false,
	}
	future := &store.ScheduledCommand{
		ReaderSerial: "S1", CommandType: store.CommandStop,
		ScheduledTime: time.Now().Add(time.Hour), Recurrence: store.RecurrenceOnce, IsActive: true,
	}
	s.CreateScheduledCommand(inactive)
	s.CreateScheduledCommand(future)

	sched := NewScheduler(s, time.Minute, nil, nil)
	sched.tick(nil)

	cmds, _ := s.ListCommandsForReader("S1", 10)
	if len(cmds) != 0 {
		t.Errorf("got %d commands fired, want 0", len(cmds))
	}
}
