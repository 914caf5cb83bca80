package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/makinje/busrelay-agent/internal/engine"
	"github.com/prep/average"
)

const (
	statsWindow      = time.Minute
	statsGranularity = time.Second
)

// sendStats accumulates engine cycle reports for the periodic
// telemetry_stats log line.
type sendStats struct {
	sent      atomic.Uint64
	abandoned atomic.Uint64
	requests  atomic.Uint64
	failures  atomic.Uint64
	state     atomic.Pointer[engine.State]

	latencyMillis *average.SlidingWindow
	latencyCount  *average.SlidingWindow
}

func newSendStats() *sendStats {
	return &sendStats{
		latencyMillis: average.MustNew(statsWindow, statsGranularity),
		latencyCount:  average.MustNew(statsWindow, statsGranularity),
	}
}

func (s *sendStats) ObserveCycle(r engine.CycleReport) {
	state := r.State
	s.state.Store(&state)

	if !r.Sent {
		return
	}

	s.sent.Add(uint64(r.Result.Delivered))
	s.abandoned.Add(uint64(r.Result.Abandoned))

	for _, req := range r.Result.Requests {
		s.requests.Add(1)
		if req.Outcome == engine.OutcomeFailure {
			s.failures.Add(1)
		}
		if req.Outcome == engine.OutcomeTooLarge || req.Outcome == engine.OutcomeUnencodable {
			continue
		}
		s.latencyMillis.Add(req.Elapsed.Milliseconds())
		s.latencyCount.Add(1)
	}
}

// meanLatency is the mean charged request time over the last window, or
// zero when no request completed in it.
func (s *sendStats) meanLatency(window time.Duration) time.Duration {
	total, _ := s.latencyMillis.Total(window)
	count, _ := s.latencyCount.Total(window)
	if count == 0 {
		return 0
	}
	return time.Duration(total/count) * time.Millisecond
}

// lastState is the engine state after the most recent cycle.
func (s *sendStats) lastState() engine.State {
	if st := s.state.Load(); st != nil {
		return *st
	}
	return engine.State{}
}

func (s *sendStats) Stop() {
	s.latencyMillis.Stop()
	s.latencyCount.Stop()
}

func (a *Agent) runTelemetryStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastIngest := uint64(0)
	lastSent := uint64(0)
	last := time.Now()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(last).Seconds()
			if elapsed <= 0 {
				last = now
				continue
			}

			ingestTotal := a.queue.Enqueued()
			sentTotal := a.stats.sent.Load()

			ingestRate := float64(ingestTotal-lastIngest) / elapsed
			sendRate := float64(sentTotal-lastSent) / elapsed

			lastIngest = ingestTotal
			lastSent = sentTotal
			last = now

			state := a.stats.lastState()

			slog.LogAttrs(
				ctx, slog.LevelInfo,
				"telemetry_stats",
				slog.Float64("ingest_rate_per_s", ingestRate),
				slog.Float64("send_rate_per_s", sendRate),
				slog.Int("queue_depth", a.queue.Len()),
				slog.Uint64("ingest_total", ingestTotal),
				slog.Uint64("sent_total", sentTotal),
				slog.Uint64("abandoned_total", a.stats.abandoned.Load()),
				slog.Uint64("request_failures", a.stats.failures.Load()),
				slog.Duration("mean_latency", a.stats.meanLatency(statsWindow)),
				slog.Int("batch_size", state.BatchSize),
				slog.Duration("delay", state.Delay),
				slog.Bool("retrying", state.Retrying),
				slog.Float64("interval_s", elapsed),
			)

			a.cleanupJournal(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) cleanupJournal(ctx context.Context) {
	if a.journal == nil || a.options.JournalRetention <= 0 {
		return
	}

	removed, err := a.journal.Cleanup(ctx, a.options.JournalRetention)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "journal_cleanup_error", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "journal_cleanup", slog.Int64("removed", removed))
	}
	if dropped := a.journal.Dropped(); dropped > 0 {
		slog.LogAttrs(ctx, slog.LevelWarn, "journal_entries_dropped", slog.Uint64("dropped", dropped))
	}
}
