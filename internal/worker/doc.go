// Package worker implements the gateway's three periodic background
// workers: the Publisher Pump, the Reaper, and the
// Scheduler. Each follows the same shape — a time.Ticker loop
// that ticks immediately on Start and then on a fixed cadence, with a
// recover-and-log wrapper around each tick so a single bad iteration
// never takes down the worker — grounded on this codebase's
// internal/unifi poller.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Publisher is the subset of the Broker Session a worker needs. Kept
// narrow and interface-typed so tests can substitute a fake without
// standing up a real MQTT connection, mirroring this codebase's
// StatsSource/DeviceLocator style of small collaborator interfaces.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// runTicker drives fn immediately and then every interval until ctx is
// cancelled. Each invocation is wrapped in recover() so a panic inside
// fn is logged and the loop continues rather than crashing the
// process.
func runTicker(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	safeCall(logger, name, ctx, fn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeCall(logger, name, ctx, fn)
		}
	}
}

func safeCall(logger *slog.Logger, name string, ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker tick panicked", "worker", name, "panic", r)
		}
	}()
	fn(ctx)
}
