// -- cmd/chat.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/observability"
)

var (
	chatModel   string
	chatSession string
	chatAttach  []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message and stream the reply to stdout.",
	Long: `Sends a single message to the chosen model and prints the streamed reply.
Pass --session with a previously printed session id to continue a thread;
the remote replays history, so only the new message travels.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		atts, err := loadAttachments(chatAttach)
		if err != nil {
			return err
		}

		st := buildStack(cfg, observability.GetLogger())
		defer st.close(context.Background())

		if err := st.bootstrap(ctx); err != nil {
			return err
		}

		conv := &arena.Conversation{Model: chatModel, EvaluationSessionID: chatSession}
		stream, err := st.orchestrator.Send(ctx, conv, strings.Join(args, " "), atts)
		if err != nil {
			return err
		}
		defer stream.Close()

		out := cmd.OutOrStdout()
		for {
			ev, ok := stream.Next()
			if !ok {
				break
			}
			switch ev.Kind {
			case arena.EventText:
				fmt.Fprint(out, ev.Text)
			case arena.EventImage:
				fmt.Fprintf(out, "\n[image] %s\n", ev.ImageURL)
			case arena.EventError:
				fmt.Fprintln(out)
				return ev.Err
			case arena.EventDone:
				fmt.Fprintln(out)
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", ev.EvaluationSessionID)
			}
		}
		return nil
	},
}

func loadAttachments(paths []string) ([]arena.Attachment, error) {
	var atts []arena.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", p, err)
		}
		atts = append(atts, arena.Attachment{Name: filepath.Base(p), Data: data})
	}
	return atts, nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "public model name (required)")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "evaluation session id to continue")
	chatCmd.Flags().StringArrayVarP(&chatAttach, "attach", "a", nil, "file to attach (repeatable)")
	_ = chatCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(chatCmd)
}
