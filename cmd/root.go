// -- cmd/root.go --
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arena-bridge",
	Short: "arena-bridge is a programmatic gateway to the LMArena chat surface.",
	// Version is dynamically set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Runs before any command, setting up config and logging.
		loaded, err := config.Load(cfgFile)
		if err != nil {
			// Initialize a fallback logger so the failure is still visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "arena-bridge"})
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg = loaded

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting arena-bridge", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
