package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flight engine until interrupted",
		Long: `Run the flight engine, resuming every flight a previous process left
unfinished. Serves Prometheus metrics when enabled and reloads access
policies when policy.watch is set.

On interrupt the engine stops taking work. Steps in progress see the
cancellation; their flights stay RUNNING and resume on the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := a.close(stopCtx); err != nil {
					log.Error().Err(err).Msg("Shutdown incomplete")
				}
			}()

			logger := a.tel.Logger.NewComponentLogger("serve")
			a.tel.Events.Subscribe(func(ev telemetry.Event) {
				logger.Debug().
					Str("event", ev.Type).
					Str("flight_id", ev.FlightID).
					Str("flight_type", ev.FlightType).
					Msg(ev.Message)
			}, telemetry.FilterByType(
				telemetry.EventTypeFlightCompleted,
				telemetry.EventTypeStepRetrying,
				telemetry.EventTypeUndoStarted,
			))

			g, gctx := errgroup.WithContext(ctx)

			if err := a.engine.Start(gctx); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}

			if a.tel.Metrics.Enabled() {
				srv := a.tel.Metrics.NewServer()
				g.Go(func() error {
					logger.Info().Str("addr", srv.Addr).Msg("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(stopCtx)
				})
			}

			if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(a.tel.Logger.Zerolog())
				err := loader.Watch(gctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
					return a.policies.ReplacePolicies(gctx, policies)
				})
				if err != nil {
					return err
				}
			}

			logger.Info().
				Str("domain", a.cfg.Service.Domain).
				Str("database", a.cfg.Database.Driver).
				Str("cloud", a.cfg.Cloud.Provider).
				Msg("flightdeck running")

			g.Go(func() error {
				<-gctx.Done()
				logger.Info().Msg("Shutting down")
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-progress steps to stop")

	return cmd
}
