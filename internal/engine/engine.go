// Package engine implements the adaptive batch transmission engine.
//
// Each cycle the engine adjusts its inter-cycle delay from the queue
// depth, drains up to the target batch size into a transmit buffer, sends
// it, and resizes the batch target from the observed request latency. A
// failed buffer is retained and re-sent on the following cycles until it
// succeeds; new frames keep queueing in the meantime.
//
// The control rules are pure functions on State (Config.Plan and
// Config.Settle); the Engine only sequences them with the queue, the
// transmitter and the sleep between cycles.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue is the part of the ingestion queue the engine drains.
type Queue interface {
	DrainUpTo(n int) [][]byte
	Len() int
}

// Observer receives a report at the end of every cycle. It is called on
// the engine goroutine and must not block.
type Observer interface {
	ObserveCycle(report CycleReport)
}

// CycleReport summarises one engine cycle.
type CycleReport struct {
	Cycle uint64
	// BatchID identifies the transmit buffer. It is stable across
	// retries of the same buffer.
	BatchID    string
	QueueDepth int
	// Drained is the number of frames batch formation took from the
	// queue. Zero while retrying.
	Drained  int
	Retry    bool
	Result   Result
	Sent     bool
	State    State
	Finished time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its transmitter.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver adds an observer notified after every cycle.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Engine is the single worker that forms, sends and retries batches.
type Engine struct {
	cfg       Config
	queue     Queue
	tx        *Transmitter
	logger    *slog.Logger
	observers []Observer

	state   State
	buffer  [][]byte
	batchID string
	cycle   uint64

	sleepFn func(ctx context.Context, d time.Duration) bool
	now     func() time.Time

	started  atomic.Bool
	killed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New validates cfg and returns an engine that drains q and sends through
// poster.
func New(cfg Config, q Queue, poster Poster, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrNilQueue
	}
	if poster == nil {
		return nil, ErrNilPoster
	}

	e := &Engine{
		cfg:    cfg,
		queue:  q,
		logger: slog.Default(),
		state:  cfg.InitialState(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tx = NewTransmitter(poster, cfg.RequestTimeout, e.logger)
	e.sleepFn = e.sleep

	return e, nil
}

// Start launches the engine goroutine. It returns ErrAlreadyStarted on a
// second call.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go e.run(ctx)
	return nil
}

// Kill requests a cooperative stop. The engine exits at the next cycle
// boundary; a send in progress runs to completion first.
func (e *Engine) Kill() {
	e.killed.Store(true)
	e.stopOnce.Do(func() { close(e.stop) })
}

// Done is closed once the engine goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the control state. It is only safe to call before Start
// or after Done is closed.
func (e *Engine) State() State {
	return e.state
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.logger.LogAttrs(ctx, slog.LevelInfo, "engine_started",
		slog.Int("batch_size", e.state.BatchSize),
		slog.Duration("delay", e.state.Delay),
	)

	for {
		if e.killed.Load() || ctx.Err() != nil {
			e.logger.LogAttrs(context.WithoutCancel(ctx), slog.LevelInfo, "engine_stopped",
				slog.Uint64("cycles", e.cycle),
				slog.Int("frames_lost", len(e.buffer)),
				slog.Int("queued", e.queue.Len()),
			)
			return
		}

		e.runCycle(ctx)

		e.sleepFn(ctx, e.state.Delay)
	}
}

// runCycle performs one engine cycle without the trailing sleep.
func (e *Engine) runCycle(ctx context.Context) CycleReport {
	e.cycle++
	depth := e.queue.Len()

	var drain int
	e.state, drain = e.cfg.Plan(e.state, depth)

	report := CycleReport{
		Cycle:      e.cycle,
		QueueDepth: depth,
		Retry:      e.state.Retrying,
	}

	if !e.state.Retrying {
		e.buffer = e.queue.DrainUpTo(drain)
		e.batchID = ""
		report.Drained = len(e.buffer)
		if len(e.buffer) > 0 {
			e.batchID = uuid.NewString()
		}
	}
	report.BatchID = e.batchID

	if len(e.buffer) > 0 {
		res := e.tx.Send(ctx, e.buffer)
		e.state = e.cfg.Settle(e.state, res.Elapsed, res.Failed)
		if res.Failed {
			e.buffer = res.Retained
		} else {
			e.buffer = nil
		}
		report.Sent = true
		report.Result = res

		e.logger.LogAttrs(ctx, slog.LevelDebug, "batch_sent",
			slog.String("batch_id", report.BatchID),
			slog.Int("delivered", res.Delivered),
			slog.Int("abandoned", res.Abandoned),
			slog.Int("requests", len(res.Requests)),
			slog.Bool("failed", res.Failed),
			slog.Duration("elapsed", res.Elapsed),
			slog.Int("remaining", e.queue.Len()),
		)
	}

	report.State = e.state
	report.Finished = e.now()
	for _, o := range e.observers {
		o.ObserveCycle(report)
	}
	return report
}

// sleep waits for d, returning false if the engine was stopped first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-e.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
