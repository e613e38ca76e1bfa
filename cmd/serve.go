// -- cmd/serve.go --
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/observability"
	"github.com/xkilldash9x/arena-bridge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OpenAI-compatible HTTP facade.",
	Long: `Starts the browser session, performs the authentication bootstrap, and
serves GET /v1/models and POST /v1/chat/completions until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st := buildStack(cfg, logger)
		defer st.close(context.Background())

		if err := st.bootstrap(ctx); err != nil {
			if cfg.Server.FailFastBootstrap {
				return err
			}
			// Degraded start: serve anyway and let the first request retry.
			logger.Warn("Bootstrap failed, serving in degraded mode", zap.Error(err))
		}

		handler := server.NewHandler(st.orchestrator, st.discovery, st.driver, logger)
		srv := server.New(cfg, handler, logger)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
