// Package worker implements the shared event loop every role (Developer,
// CAB, Tester, Refinery, Librarian) runs: heartbeat -> consume events ->
// act -> acknowledge, driven by a heartbeat ticker and a poll ticker in one
// single-threaded select loop.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ai-sprint/ai-sprint/internal/domain"
	"github.com/ai-sprint/ai-sprint/internal/queue"
	"github.com/ai-sprint/ai-sprint/internal/store"
)

// Role is the behavior every worker package (developer, cab, tester,
// refinery, librarian) implements. HandleEvent never lets an error cross
// the queue.Acknowledge boundary untranslated: Loop acknowledges failed and
// logs, it does not retry or panic.
type Role interface {
	AgentType() domain.AgentType
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// IdleActor is optionally implemented by roles that have work to do when
// idle (no pending events) -- only the Developer does today, via
// ClaimNextTask, but the seam is generic.
type IdleActor interface {
	Idle(ctx context.Context) error
}

// Options configures Loop's polling cadence and batch size.
type Options struct {
	HeartbeatEvery time.Duration
	PollEvery      time.Duration
	BatchSize      int
}

// DefaultOptions matches a 30s Supervisor polling interval, scaled down for
// a tighter per-worker loop.
func DefaultOptions() Options {
	return Options{HeartbeatEvery: 30 * time.Second, PollEvery: 2 * time.Second, BatchSize: 5}
}

// Loop runs the common heartbeat/consume/act/acknowledge cycle for agentID
// until ctx is cancelled. Heartbeat and poll share one select loop on
// separate tickers: the heartbeat is written on its own cadence rather than
// once per poll, but a heartbeat that falls due while a batch of HandleEvent
// calls is running is written only after that batch returns.
func Loop(ctx context.Context, st *store.Store, q *queue.Queue, agentID string, role Role, opts Options, log *zap.Logger) error {
	heartbeatTicker := time.NewTicker(opts.HeartbeatEvery)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(opts.PollEvery)
	defer pollTicker.Stop()

	heartbeat := func() {
		if err := st.TouchHeartbeat(agentID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			log.Warn("heartbeat failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	heartbeat()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeatTicker.C:
			heartbeat()
		case <-pollTicker.C:
			if err := runOnce(ctx, q, agentID, role, opts, log); err != nil {
				log.Error("worker loop iteration failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}
}

func runOnce(ctx context.Context, q *queue.Queue, agentID string, role Role, opts Options, log *zap.Logger) error {
	events, err := q.Consume(ctx, agentID, opts.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		if idle, ok := role.(IdleActor); ok {
			if err := idle.Idle(ctx); err != nil {
				log.Warn("idle action failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
		return nil
	}
	for _, ev := range events {
		handleErr := role.HandleEvent(ctx, ev)
		if handleErr != nil {
			log.Error("event handling failed", zap.String("agent_id", agentID), zap.String("event_id", ev.ID), zap.Error(handleErr))
		}
		if ackErr := q.Acknowledge(ev.ID, handleErr == nil); ackErr != nil {
			log.Error("acknowledge failed", zap.String("event_id", ev.ID), zap.Error(ackErr))
		}
	}
	return nil
}
