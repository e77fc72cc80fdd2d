package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/api"
)

const shutdownTimeout = 10 * time.Second

// Handler returns the HTTP router over the wired components.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(a.Orchestrator, a.OrderSaga, a.Views, a.Sync, a.OutboxStore, a.Logger)
	return api.NewRouter(h, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
}

// Serve runs the saga workers, crash recovery, the timeout scanner, the
// outbox scheduler, the read model consumer and the HTTP server until ctx
// is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Pool.Run(ctx)
		return nil
	})

	report, err := a.Orchestrator.Recover(ctx)
	if err != nil {
		a.Logger.ErrorContext(ctx, "saga recovery failed", "error", err)
	} else {
		a.Logger.InfoContext(ctx, "saga recovery done",
			"resumed", report.Resumed,
			"compensated", report.Compensated,
			"left_running", report.LeftRunning,
			"skipped", report.Skipped,
		)
	}

	g.Go(func() error {
		a.Timeouts.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.RunPurge(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Consumer.Run(ctx)
	})

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
