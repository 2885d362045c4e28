package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rollcall/internal/lifecycle/handler"
	"rollcall/internal/lifecycle/ledger"
	lifecyclemetrics "rollcall/internal/lifecycle/metrics"
	"rollcall/internal/lifecycle/service"
	"rollcall/internal/lifecycle/sweeper"
	"rollcall/internal/lifecycle/validation"
	"rollcall/internal/platform/config"
	"rollcall/internal/platform/httpserver"
	"rollcall/internal/platform/logger"
	httpmetrics "rollcall/internal/platform/metrics"
	"rollcall/pkg/platform/httputil"
)

// main wires configuration, stores, the orchestrator, the sweeper and the
// admin API, then runs until SIGINT or SIGTERM.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("rollcall stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	res := newResources(cfg, log)
	defer func() {
		if err := res.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	lifecycleMetrics := lifecyclemetrics.New(reg)

	opStore, err := res.operationStore(ctx, reg)
	if err != nil {
		return fmt.Errorf("open operation ledger: %w", err)
	}
	l, err := ledger.New(opStore, ledger.WithLogger(log), ledger.WithLeaseTTL(cfg.Lifecycle.LeaseTTL))
	if err != nil {
		return err
	}
	identityStore, err := res.identityStore(ctx)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	documentStore, err := res.documentStore(ctx)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	auditPublisher, err := res.auditPublisher(ctx)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	res.onClose(auditPublisher.Close)

	svc, err := service.New(identityStore, documentStore, l, validation.New(),
		service.WithLogger(log),
		service.WithMetrics(lifecycleMetrics),
		service.WithAuditPublisher(auditPublisher),
		service.WithStepPolicy(cfg.Lifecycle.StepTimeout, cfg.Lifecycle.StepMaxAttempts, cfg.Lifecycle.StepBackoffInitial),
	)
	if err != nil {
		return err
	}

	sw, err := sweeper.New(l, svc,
		sweeper.WithLogger(log),
		sweeper.WithMetrics(lifecycleMetrics),
		sweeper.WithInterval(cfg.Lifecycle.SweepInterval),
		sweeper.WithStaleAfter(cfg.Lifecycle.StaleAfter),
		sweeper.WithConcurrency(cfg.Lifecycle.SweepConcurrency),
	)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get("/healthz", healthHandler(res))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	handler.New(svc, cfg.AdminToken,
		handler.WithLogger(log),
		handler.WithMetrics(httpmetrics.New(reg)),
	).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting rollcall", "addr", cfg.Addr,
			"ledger", cfg.Ledger.Backend,
			"identity", cfg.Identity.Backend,
			"documents", cfg.Documents.Backend,
			"audit", cfg.Audit.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func healthHandler(res *resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{}
		for name, err := range res.Health(ctx) {
			if err != nil {
				status = http.StatusServiceUnavailable
				body[name] = "down"
				continue
			}
			body[name] = "ok"
		}
		httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "dependencies": body})
	}
}
