// Package runtime owns process-level concerns: telemetry wiring and
// the operational HTTP surface (health, readiness, metrics, and the
// live call snapshot).
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

// Probe is one named readiness check.
type Probe struct {
	Name  string
	Check func() bool
}

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsHandler http.Handler
	telemetryClose func(context.Context) error
	probes         []Probe
	calls          func() []session.Info
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, probes ...Probe) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		probes: probes,
	}
}

// WithCallSnapshot exposes the live call table on /calls.
func (r *Runtime) WithCallSnapshot(fn func() []session.Info) {
	r.calls = fn
}

// Setup initializes telemetry. It must run before Start so callers can
// create meters against the global provider when wiring components.
func (r *Runtime) Setup() error {
	shutdown, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = shutdown
	r.metricsHandler = metricsHandler
	return nil
}

// Start serves the operational endpoints until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	if r.calls != nil {
		mux.HandleFunc("/calls", r.handleCalls)
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
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	var failing []string
	for _, p := range r.probes {
		if !p.Check() {
			failing = append(failing, p.Name)
		}
	}
	if len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ", ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type callView struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	State     string    `json:"state"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleCalls(w http.ResponseWriter, _ *http.Request) {
	infos := r.calls()
	views := make([]callView, 0, len(infos))
	for _, info := range infos {
		views = append(views, callView{
			CallID:    info.CallID,
			CallerID:  info.CallerID,
			State:     string(info.State),
			Provider:  info.Provider,
			CreatedAt: info.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		r.logger.Warn("encode call snapshot failed", slog.String("error", err.Error()))
	}
}
