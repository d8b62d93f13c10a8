package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quizrush-client/internal/config"
	"quizrush-client/internal/flow"
	"quizrush-client/internal/protocol"
)

// NewBoardCmd builds the subcommand that renders a room's live leaderboard.
func NewBoardCmd(configPath *string) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Watch a room's leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoard(cmd.Context(), *configPath, room)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room code to watch")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runBoard(ctx context.Context, configPath, room string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	transport, _ := buildClients(cfg)
	defer transport.Disconnect()

	done := make(chan struct{})
	board := flow.NewBoard(transport, room, flow.BoardEvents{
		OnUpdate: printLeaderboard,
		OnFinal: func(entries []protocol.LeaderboardEntry) {
			close(done)
		},
	})
	if err := board.Watch(ctx); err != nil {
		return fmt.Errorf("watch room %s: %w", room, err)
	}
	defer board.Close()

	fmt.Printf("Watching room %s. Ctrl-C to stop.\n", room)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-done:
		fmt.Println("Quiz over.")
	case <-ctx.Done():
	}
	return nil
}
