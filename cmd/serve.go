package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"argus/bootstrap"
)

// newServeCmd creates the 'serve' command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Argus service",
		Long:  "Start the orchestrator, correlation engine and HTTP API, and run until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			logger, level := bootstrap.InitLogger(zapcore.InfoLevel)
			sugar := logger.Sugar()

			cfg, err := bootstrap.InitConfig(ctx, configFile, sugar)
			if err != nil {
				return err
			}
			level.SetLevel(cfg.Level())

			app, err := bootstrap.NewApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start application: %w", err)
			}

			app.WaitForShutdown()
			app.Shutdown()
			return nil
		},
	}
}
