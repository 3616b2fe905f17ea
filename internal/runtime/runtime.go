package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/standup-recorder/internal/analysis"
	"github.com/loqalabs/standup-recorder/internal/bus"
	"github.com/loqalabs/standup-recorder/internal/capture"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/httpapi"
	"github.com/loqalabs/standup-recorder/internal/llm"
	"github.com/loqalabs/standup-recorder/internal/natsserver"
	"github.com/loqalabs/standup-recorder/internal/session"
	"github.com/loqalabs/standup-recorder/internal/store"
	"github.com/loqalabs/standup-recorder/internal/stt"
)

const (
	sessionStream = "STANDUP"
	pruneInterval = 24 * time.Hour
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	closers    []closer
	checks     []check
	ready      atomic.Bool
	wg         sync.WaitGroup
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type check func(context.Context) bool

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
// Components are shut down in reverse start order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	handler, err := r.build(ctx)
	if err != nil {
		cancel()
		r.wg.Wait()
		sctx, cancelShutdown := shutdownCtx()
		defer cancelShutdown()
		r.close(sctx)
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	sctx, cancelShutdown := shutdownCtx()
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(sctx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.close(sctx)

	return nil
}

func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", tel.shutdown)

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
		r.onClose("nats-server", func(context.Context) error {
			embedded.Shutdown()
			return nil
		})
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.onClose("bus", func(context.Context) error {
		busClient.Close()
		return nil
	})
	r.checks = append(r.checks, func(context.Context) bool { return busClient.Healthy() })
	if err := busClient.EnsureStream(sessionStream, "standup.session.>", "stt.text.>"); err != nil {
		// history on the bus is optional; live delivery still works
		r.logger.Warn("failed to ensure session stream", slogError(err))
	}

	st, err := r.openStore(ctx)
	if err != nil {
		return nil, err
	}

	recognizer, err := stt.NewRecognizer(r.cfg.Speech)
	if err != nil {
		return nil, err
	}
	transcriber := stt.NewAdapter(r.cfg.Speech, recognizer, r.logger, stt.WithPublisher(busClient.Conn()))
	mic := capture.NewBusSource(busClient.Conn(), r.cfg.Capture, r.logger)

	generator, err := llm.NewGenerator(r.cfg.Analysis)
	if err != nil {
		return nil, err
	}
	gateway := analysis.NewGateway(generator, r.cfg.Analysis, r.logger)

	timeout := time.Duration(r.cfg.Analysis.TimeoutMS) * time.Millisecond
	responder := analysis.NewBusResponder(ctx, busClient.Conn(), gateway, timeout, r.logger)
	if err := responder.Start(); err != nil {
		return nil, err
	}
	r.onClose("analysis-responder", func(context.Context) error {
		responder.Close()
		return nil
	})
	r.checks = append(r.checks, func(context.Context) bool { return responder.Healthy() })

	sessionOpts := session.Options{
		Recorder:    r.cfg.Recorder,
		Speech:      r.cfg.Speech,
		Analysis:    r.cfg.Analysis,
		Microphone:  mic,
		Transcriber: transcriber,
		Analyzer:    gateway,
		Publisher:   busClient,
		Logger:      r.logger,
	}
	apiOpts := httpapi.Options{
		Analyzer: gateway,
		Ingester: mic,
		Speech:   r.cfg.Speech,
		Logger:   r.logger,
	}
	if st != nil {
		sessionOpts.Store = st
		apiOpts.Reports = st
		apiOpts.Timeline = st
	}
	manager := session.NewManager(sessionOpts)
	r.onClose("sessions", func(context.Context) error {
		manager.Close()
		return nil
	})

	apiOpts.Sessions = manager
	api := httpapi.NewServer(apiOpts)

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil && r.cfg.Telemetry.MetricsPath != "" {
		mux.Handle(r.cfg.Telemetry.MetricsPath, tel.metrics)
	}
	return mux, nil
}

func (r *Runtime) onClose(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

func (r *Runtime) close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(ctx); err != nil {
			r.logger.Error("shutdown error", slog.String("component", c.name), slogError(err))
		}
	}
	r.closers = nil
}

// openStore opens the report store. A store that cannot be opened only costs
// history, so persistence failures yield a nil store instead of an error.
func (r *Runtime) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		if errors.Is(err, failure.ErrPersistence) {
			r.logger.Error("report store unavailable, history disabled", slogError(err))
			return nil, nil
		}
		return nil, err
	}
	r.onClose("store", func(context.Context) error { return st.Close() })
	r.checks = append(r.checks, st.Healthy)
	r.startPruning(ctx, st)
	return st, nil
}

func (r *Runtime) startPruning(ctx context.Context, st *store.Store) {
	prune := func() {
		if err := st.Prune(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("timeline prune failed", slogError(err))
		}
	}
	prune()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune()
			}
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.healthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy(ctx context.Context) bool {
	for _, ok := range r.checks {
		if !ok(ctx) {
			return false
		}
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
