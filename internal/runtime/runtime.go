package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/bus"
	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/loqalabs/loqa-ttsgw/internal/eventstore"
	"github.com/loqalabs/loqa-ttsgw/internal/gate"
	"github.com/loqalabs/loqa-ttsgw/internal/natsserver"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
	"github.com/loqalabs/loqa-ttsgw/internal/worker"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	telemetry   *telemetry
	store       *eventstore.Store
	backend     *backend.Handle
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	worker      *worker.Service
	runHandler  atomic.Pointer[worker.HTTPHandler]
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the gateway up and blocks until ctx is cancelled. A backend
// that never becomes healthy is returned as *backend.StartupError before any
// job is accepted.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer r.shutdown()
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	r.startHTTP(tel.metrics)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, pruneInterval)
	}()

	handle, err := backend.Launch(ctx, backend.OptionsFromConfig(r.cfg.Backend), r.logger)
	if err != nil {
		return err
	}
	r.backend = handle

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	g := gate.New(time.Duration(r.cfg.Gate.AcquireTimeoutMS) * time.Millisecond)
	proxy := synth.New(handle, g, r.logger,
		synth.WithRequestTimeout(time.Duration(r.cfg.Backend.RequestTimeout)*time.Millisecond),
		synth.WithObserver(r.recordTransition()),
	)

	r.worker = worker.NewService(ctx, r.cfg.Worker, r.bus, proxy, r.logger)
	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	r.runHandler.Store(worker.NewHTTPHandler(proxy, r.logger))
	if err := tel.observeGateway(g, r.worker, handle); err != nil {
		r.logger.Warn("gateway gauges unavailable", slog.String("error", err.Error()))
	}

	r.ready.Store(true)
	r.logger.Info("gateway started", slog.String("backend", handle.BaseURL()), slog.String("subject", r.cfg.Worker.Subject))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/run", r.handleRun)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleJob)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) recordTransition() synth.Observer {
	return synth.ObserverFunc(func(ctx context.Context, t synth.Transition) {
		err := r.store.RecordTransition(ctx, eventstore.Transition{
			JobID:  t.JobID,
			State:  string(t.State),
			Detail: t.Detail,
			Format: t.Format,
			Voice:  t.Voice,
		})
		if err != nil {
			r.logger.Warn("failed to record job transition",
				slog.String("job_id", t.JobID),
				slog.String("state", string(t.State)),
				slog.String("error", err.Error()))
		}
	})
}

// shutdown tears down whatever Start managed to bring up, in reverse order.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.worker != nil {
		r.worker.Close()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.backend != nil {
		if err := r.backend.Close(shutdownCtx); err != nil {
			r.logger.Error("backend shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	return r.backend.Alive() && r.bus.Healthy() && r.worker.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRun(w http.ResponseWriter, req *http.Request) {
	h := r.runHandler.Load()
	if h == nil || !r.ready.Load() {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, req)
}

// jobView is the ledger entry for one job as served over HTTP.
type jobView struct {
	eventstore.Job
	Events []eventstore.Event `json:"events"`
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	if !r.store.Enabled() {
		http.Error(w, "job ledger disabled", http.StatusNotFound)
		return
	}
	id := req.PathValue("id")
	job, ok, err := r.store.GetJob(req.Context(), id)
	if err != nil {
		r.logger.Error("job lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	events, err := r.store.ListJobEvents(req.Context(), id, 0)
	if err != nil {
		r.logger.Error("job events lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobView{Job: job, Events: events})
}
