package cli

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const day = 24 * time.Hour

func newCleanCommand(a *app) *cobra.Command {
	var (
		days     int
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Evict cache entries unused for more than --days days",
		Long: `Evict cache entries whose last access is more than --days days old, deleting
their artifacts. With --schedule the sweep repeats on a standard cron
expression until interrupted, serving metrics on --metrics-addr if set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return errors.Errorf("--days must not be negative, got %d", days)
			}
			age := time.Duration(days) * day
			if schedule == "" {
				return writeJSON(a.stdout, a.svc.Sweep(cmd.Context(), age))
			}
			return a.serveSchedule(cmd.Context(), schedule, age)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "maximum age in days of a kept entry")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression to sweep on, e.g. \"0 3 * * *\"")
	return cmd
}

// metricsHandler serves Prometheus metrics, and expvar when enabled.
func (a *app) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	if a.cfg.MetricsExpvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	return mux
}

// serveSchedule runs the sweeper schedule, and the metrics endpoint when
// configured, until ctx is done.
func (a *app) serveSchedule(ctx context.Context, schedule string, age time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.metricsHandler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			a.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	g.Go(func() error {
		err := a.svc.Sweeper().Schedule(gctx, schedule, age)
		if err != nil {
			return err
		}
		// the schedule only returns once gctx is done
		return ctx.Err()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newClearCacheCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Evict every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(a.stdout, a.svc.ClearCache(cmd.Context()))
		},
	}
}
