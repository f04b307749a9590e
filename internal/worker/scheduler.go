package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// Scheduler is the Scheduler worker: on a fixed cadence it
// materializes due ScheduledCommand rows into new PENDING commands and
// advances their next-run time. A failure enqueuing the command leaves
// the schedule row untouched so it is retried on the next tick.
type Scheduler struct {
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
	bus      *events.Bus
}

// NewScheduler creates a Scheduler. interval is the tick cadence
// (default 60s).
func NewScheduler(st *store.Store, interval time.Duration, logger *slog.Logger, bus *events.Bus) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, interval: interval, logger: logger.With("component", "scheduler"), bus: bus}
}

// Start runs the scheduler until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	runTicker(ctx, s.interval, s.logger, "scheduler", s.tick)
}

func (s *Scheduler) tick(_ context.Context) {
	metrics.SchedulerTicksTotal.Inc()

	now := time.Now()
	due, err := s.store.DueScheduledCommands(now)
	if err != nil {
		s.logger.Error("list due scheduled commands failed", "error", err)
		return
	}

	for _, sc := range due {
		s.fire(sc, now)
	}
}

// fire handles a single due row: enqueue, then
// advance. Enqueue failures never advance the schedule (it stays due
// and retries next tick).
func (s *Scheduler) fire(sc *store.ScheduledCommand, now time.Time) {
	cmd := &store.Command{
		ReaderSerial: sc.ReaderSerial,
		CommandType:  sc.CommandType,
	}
	if err := s.store.CreateCommand(cmd); err != nil {
		s.logger.Error("scheduled command enqueue failed; schedule not advanced",
			"schedule_id", sc.ID, "reader", sc.ReaderSerial, "error", err)
		return
	}
	metrics.CommandsEnqueuedTotal.WithLabelValues(string(sc.CommandType)).Inc()
	metrics.SchedulesFiredTotal.Inc()

	next, stillActive := advance(sc.ScheduledTime, sc.Recurrence)
	if err := s.store.AdvanceSchedule(sc.ID, sc.ScheduledTime, next, stillActive, now); err != nil {
		s.logger.Error("advance schedule failed", "schedule_id", sc.ID, "error", err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceScheduler,
			Kind:      events.KindScheduleFired,
			Data:      map[string]any{"reader_serial": sc.ReaderSerial, "command_type": string(sc.CommandType), "recurrence": string(sc.Recurrence)},
		})
	}
}

// advance implements the schedule-advance rule: ONCE
// deactivates the row; DAILY/WEEKLY/MONTHLY add a fixed calendar
// delta to the previous scheduled_time (not to now, so a tick that
// runs late does not compound drift).
func advance(scheduledTime time.Time, recurrence store.Recurrence) (next time.Time, stillActive bool) {
	switch recurrence {
	case store.RecurrenceDaily:
		return scheduledTime.Add(24 * time.Hour), true
	case store.RecurrenceWeekly:
		return scheduledTime.Add(7 * 24 * time.Hour), true
	case store.RecurrenceMonthly:
		return scheduledTime.Add(30 * 24 * time.Hour), true
	default: // ONCE
		return scheduledTime, false
	}
}
