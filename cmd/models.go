// -- cmd/models.go --
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/arena-bridge/internal/observability"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the arena currently offers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st := buildStack(cfg, observability.GetLogger())
		defer st.close(context.Background())

		if err := st.bootstrap(ctx); err != nil {
			return err
		}

		catalog, err := st.discovery.ListModels(ctx, true)
		if err != nil {
			return err
		}
		for _, m := range catalog.Models {
			caps := ""
			if m.VisionInput {
				caps += " [vision]"
			}
			if m.ImageOutput {
				caps += " [image-out]"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", m.PublicName, caps)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
