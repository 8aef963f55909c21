package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	fleet "github.com/wpeva/undetect-fleet"
	httpAdapter "github.com/wpeva/undetect-fleet/internal/adapters/http"
	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/adapters/redislock"
	"github.com/wpeva/undetect-fleet/pkg/adapters/redistransport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleet engine HTTP server",
	Long: `Starts the fleet engine and exposes it as a JSON API over HTTP,
with prometheus metrics on /metrics. With --redis, session payloads are
staged through Redis and per-session locks extend across instances.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		regions, _ := cmd.Flags().GetStringSlice("regions")
		redisAddr, _ := cmd.Flags().GetString("redis")
		timeout, _ := cmd.Flags().GetDuration("migration-timeout")
		workers, _ := cmd.Flags().GetInt("batch-workers")
		levelName, _ := cmd.Flags().GetString("log-level")

		if redisAddr == "" {
			redisAddr = os.Getenv("FLEET_REDIS_ADDR")
		}

		logger := logging.New(parseLevel(levelName))
		registry := prometheus.NewRegistry()

		opts := []fleet.Option{
			fleet.WithLogger(logger),
			fleet.WithRegions(regions...),
			fleet.WithMigrationTimeout(timeout),
			fleet.WithBatchWorkers(workers),
			fleet.WithMetrics(registry),
		}
		if redisAddr != "" {
			client := backend.NewClient(&backend.Options{Addr: redisAddr})
			opts = append(opts,
				fleet.WithTransport(redistransport.NewFromClient(client)),
				fleet.WithLocker(redislock.NewLocker(client, "fleet:")),
			)
		}

		engine := fleet.New(opts...)
		defer engine.Stop()

		handler := httpAdapter.NewHandler(engine, registry, httpAdapter.WithLogger(logger))

		srv := &http.Server{
			Addr:    addr,
			Handler: handler,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)

		go func() {
			logger.Info("starting fleetd", "addr", srv.Addr, "regions", regions)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)

		case sig := <-shutdown:
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("graceful shutdown did not complete", "err", err)
				if err := srv.Close(); err != nil {
					logger.Error("error killing server", "err", err)
				}
			}
		}
	},
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func init() {
	serveCmd.Flags().String("addr", ":8090", "Listen address")
	serveCmd.Flags().StringSlice("regions", []string{"us-east", "eu-west", "ap-south"}, "Known region codes for evacuation destinations")
	serveCmd.Flags().String("redis", "", "Redis address for cross-instance state staging and locks (or FLEET_REDIS_ADDR)")
	serveCmd.Flags().Duration("migration-timeout", 30*time.Second, "Deadline for one state transfer")
	serveCmd.Flags().Int("batch-workers", 4, "Parallelism of batch migrations and evacuations")
	rootCmd.AddCommand(serveCmd)
}
