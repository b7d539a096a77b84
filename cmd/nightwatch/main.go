package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nightwatch/internal/bootstrap"
	"nightwatch/internal/config"
	"nightwatch/internal/domain"
	"nightwatch/internal/logging"
	"nightwatch/internal/server"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "nightwatch",
		Short:         "Personal safety monitor: shared live location and periodic audio capture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file layered under the environment")

	root.AddCommand(newServeCmd(&envFile))
	root.AddCommand(newLocateCmd(&envFile))
	root.AddCommand(newWatchCmd(&envFile))
	return root
}

func load(envFile string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Pretty, os.Stderr), nil
}

func newServeCmd(envFile *string) *cobra.Command {
	var (
		addr     string
		activate bool
		mic      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring session behind the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(*envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := server.NewHub(logger)
			hubCtx, stopHub := context.WithCancel(context.Background())
			defer stopHub()
			go hub.Run(hubCtx)

			services, err := bootstrap.Build(cfg, hub, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.UploadTimeout)
				defer cancel()
				if err := services.Close(closeCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown incomplete")
				}
			}()

			if mic {
				if err := services.Session.EnableMic(); err != nil {
					return err
				}
			}
			if activate {
				if err := services.Session.Activate(ctx); err != nil {
					return err
				}
			}

			srv := server.New(services.Session, hub, logger)
			errs := make(chan error, 1)
			go func() { errs <- srv.Start(cfg.HTTP.Addr) }()

			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
			}
			logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides NIGHTWATCH_HTTP_ADDR)")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the session at startup")
	cmd.Flags().BoolVar(&mic, "mic", false, "enable the microphone at startup")
	return cmd
}

func newLocateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Take a single position fix and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(*envFile)
			if err != nil {
				return err
			}
			source, err := bootstrap.NewPositionSource(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Session.FixTimeout)
			defer cancel()
			sample, err := source.Fix(ctx)
			if err != nil {
				return err
			}
			if sample.ObservedAt.IsZero() {
				sample.ObservedAt = time.Now().UTC()
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(sample)
		},
	}
}

func newWatchCmd(envFile *string) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the shared position key and print every update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(*envFile)
			if err != nil {
				return err
			}
			if key == "" {
				key = cfg.Session.PositionKey
			}
			sink, closeSink, err := bootstrap.NewSink(cfg, logger)
			if err != nil {
				return err
			}
			if closeSink != nil {
				defer closeSink()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			cancel, err := sink.Subscribe(key, func(value []byte) {
				var position domain.StoredPosition
				if err := json.Unmarshal(value, &position); err != nil {
					logger.Warn().Err(err).Str("key", key).Msg("ignoring malformed value")
					return
				}
				_, _ = fmt.Fprintf(out, "%s lat=%.6f lon=%.6f\n", time.Now().Format(time.RFC3339), position.Latitude, position.Longitude)
			})
			if err != nil {
				return err
			}
			defer cancel()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to follow (defaults to the configured position key)")
	return cmd
}
