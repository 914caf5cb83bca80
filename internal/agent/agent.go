package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/makinje/busrelay-agent/internal/encoding"
	"github.com/makinje/busrelay-agent/internal/engine"
	"github.com/makinje/busrelay-agent/internal/identity"
	"github.com/makinje/busrelay-agent/internal/journal"
	"github.com/makinje/busrelay-agent/internal/metrics"
	"github.com/makinje/busrelay-agent/internal/queue"
	"github.com/makinje/busrelay-agent/internal/source"
	"github.com/makinje/busrelay-agent/internal/transport"
)

const metricsShutdownTimeout = 5 * time.Second

type Agent struct {
	options *AgentOptions
	vehicle identity.Vehicle

	queue   *queue.Queue
	engine  *engine.Engine
	source  source.Source
	journal *journal.Journal
	stats   *sendStats

	// statsDone is closed once the telemetry stats loop has returned.
	statsDone chan struct{}

	metrics       metrics.Metrics
	metricsServer *http.Server
}

// NewAgent resolves the vehicle identity and wires the configured source,
// encoder and endpoint client into an engine.
func NewAgent(options *AgentOptions) (*Agent, error) {
	vehicle := identity.Resolve(options.VehicleID)
	if vehicle.ID == "" {
		return nil, ErrVehicleIDUnresolved
	}

	enc, err := encoding.New(options.Encoding, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	client, err := transport.NewClient(transport.Options{
		BaseURL:             options.Endpoint,
		Auth:                transport.APIKeyAuth{Key: options.APIKey, Secure: options.RequireTLS},
		SkipTLSVerification: options.SkipTLSVerification,
	}, enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	src, err := source.New(source.Options{
		Kind:         options.Source,
		VehicleID:    vehicle.ID,
		CANInterface: options.CANInterface,
		SerialPath:   options.SerialPath,
		SerialBaud:   options.SerialBaud,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	a, err := newAgent(options, vehicle, client, src)
	if err != nil {
		return nil, err
	}

	slog.LogAttrs(context.Background(), slog.LevelInfo, "agent_configured",
		slog.String("vehicle_id", vehicle.ID),
		slog.String("vehicle_id_method", vehicle.Method),
		slog.String("endpoint", client.Endpoint()),
		slog.String("encoding", enc.Name()),
		slog.String("source", src.Name()),
	)

	return a, nil
}

func newAgent(options *AgentOptions, vehicle identity.Vehicle, poster engine.Poster, src source.Source) (*Agent, error) {
	a := &Agent{
		options:   options,
		vehicle:   vehicle,
		queue:     queue.New(),
		source:    src,
		stats:     newSendStats(),
		statsDone: make(chan struct{}),
		metrics:   metrics.New(),
	}

	collector := metrics.NewEngineCollector(vehicle.ID, a.queue.Len)
	if err := a.metrics.Register(collector); err != nil {
		a.stats.Stop()
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(slog.Default()),
		engine.WithObserver(collector),
		engine.WithObserver(a.stats),
	}

	if options.JournalPath != "" {
		j, err := journal.New(options.JournalPath, 0, 0)
		if err != nil {
			a.stats.Stop()
			return nil, err
		}
		a.journal = j
		engineOpts = append(engineOpts, engine.WithObserver(j))
	}

	eng, err := engine.New(options.Engine, a.queue, poster, engineOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	a.engine = eng

	if options.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.HTTPHandler())
		a.metricsServer = &http.Server{
			Addr:              options.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Add places a frame on the ingestion queue. It never blocks.
func (a *Agent) Add(frame []byte) {
	a.queue.Enqueue(frame)
}

func (a *Agent) Vehicle() identity.Vehicle {
	return a.vehicle
}

// Start runs the agent until a signal arrives, ctx is cancelled or the
// source fails. Frames still queued or awaiting retry at that point are
// discarded.
func (a *Agent) Start(ctx context.Context, sigCh <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.close()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("%w: %v", ErrMetricsServer, err)
			}
		}()
	}

	sourceErr := make(chan error, 1)
	go func() {
		sourceErr <- a.source.Run(ctx, a.queue)
	}()

	go func() {
		defer close(a.statsDone)
		a.runTelemetryStats(ctx, a.options.StatsInterval)
	}()

	var runErr error
	for runErr == nil {
		select {
		case sig := <-sigCh:
			slog.LogAttrs(ctx, slog.LevelInfo, "shutdown_signal", slog.String("signal", sig.String()))
			return a.shutdown(ctx, cancel, nil)
		case <-ctx.Done():
			return a.shutdown(ctx, cancel, nil)
		case err := <-serverErr:
			runErr = err
		case err := <-sourceErr:
			if err == nil || errors.Is(err, context.Canceled) {
				// A finite source such as stdin ran dry; queued frames
				// keep flowing until shutdown.
				slog.LogAttrs(ctx, slog.LevelInfo, "source_finished", slog.String("source", a.source.Name()))
				sourceErr = nil
				continue
			}
			runErr = fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}
	}

	slog.LogAttrs(ctx, slog.LevelError, "agent_failed", slog.String("error", runErr.Error()))
	return a.shutdown(ctx, cancel, runErr)
}

// shutdown stops the engine at its next cycle boundary, then the source,
// the stats loop and the metrics endpoint.
func (a *Agent) shutdown(ctx context.Context, cancel context.CancelFunc, runErr error) error {
	a.engine.Kill()
	<-a.engine.Done()
	cancel()
	<-a.statsDone

	if a.metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer done()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.LogAttrs(shutdownCtx, slog.LevelWarn, "metrics_shutdown_error", slog.String("error", err.Error()))
		}
	}

	return runErr
}

func (a *Agent) close() {
	a.stats.Stop()
	a.metrics.UnregisterAll()
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "journal_close_error", slog.String("error", err.Error()))
		}
	}
}
