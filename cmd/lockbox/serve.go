package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/lockbox/pkg/gateway"
	"github.com/pixperk/lockbox/pkg/metrics"
	"github.com/pixperk/lockbox/pkg/store/memory"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	gaugeInterval   = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sweeper and the ops endpoints until interrupted",
	Long: `Opens the configured backend, starts the expiration sweeper and serves
/metrics, /healthz and /raft on the metrics address. A raft backend also
starts the local raft node.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			if _, err := e.backend.Migrate(ctx); err != nil {
				return err
			}
		}

		e.logger.Info("starting lockbox",
			"backend", e.cfg.Backend,
			"application", e.cfg.ApplicationName,
			"sweep_interval", e.cfg.SweepInterval,
			"metrics_addr", e.cfg.MetricsAddr,
		)

		e.provider.Start(ctx)
		defer e.provider.Stop()

		srv := gateway.NewServer(e.cfg.MetricsAddr, e.backend.Store, e.backend.Node, e.logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
		g.Go(func() error {
			reportGauges(gctx, e)
			return nil
		})

		e.logger.Info("lockbox is ready")

		err = g.Wait()
		e.logger.Info("shutting down")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// samples the gauges that have no natural update point
func reportGauges(ctx context.Context, e *env) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		switch {
		case e.backend.Node != nil:
			node := e.backend.Node
			stats := node.Stats()
			metrics.SessionsStored.Set(float64(stats.Records))
			metrics.SessionsLocked.Set(float64(stats.Locked))
			metrics.BoolGauge(metrics.RaftIsLeader, node.IsLeader())
			metrics.RaftPeers.Set(float64(node.Peers()))
			metrics.RaftAppliedIndex.Set(float64(node.AppliedIndex()))
		default:
			if m, ok := e.backend.Store.(*memory.Store); ok {
				stats := m.FSM().Stats()
				metrics.SessionsStored.Set(float64(stats.Records))
				metrics.SessionsLocked.Set(float64(stats.Locked))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("migrate", false, "Create the SQL schema before serving")
}
