package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quizrush-client/internal/config"
	"quizrush-client/internal/flow"
	"quizrush-client/internal/protocol"
)

// NewHostCmd builds the subcommand that runs a quiz session as its host.
func NewHostCmd(configPath *string) *cobra.Command {
	var (
		quizID int64
		hostID string
		room   string
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Open and drive a quiz session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostID == "" {
				hostID = uuid.NewString()
			}
			return runHost(cmd.Context(), *configPath, quizID, hostID, room)
		},
	}
	cmd.Flags().Int64Var(&quizID, "quiz", 0, "quiz session id")
	cmd.Flags().StringVar(&hostID, "host-id", "", "host identity (random when omitted)")
	cmd.Flags().StringVar(&room, "room", "", "room code for the session")
	_ = cmd.MarkFlagRequired("quiz")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runHost(ctx context.Context, configPath string, quizID int64, hostID, room string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	transport, api := buildClients(cfg)
	defer transport.Disconnect()

	events := flow.HostEvents{
		OnPhase: func(phase flow.HostPhase) {
			log.Info().Str("phase", string(phase)).Msg("phase changed")
		},
		OnRoster: func(roster []protocol.Participant) {
			fmt.Printf("Room %s: %d participant(s)\n", room, len(roster))
			for _, p := range roster {
				fmt.Printf("  - %s (score %d)\n", p.Nickname, p.Score)
			}
		},
		OnQuestion: printQuestion,
		OnTick:     printTick,
		OnLeaderboard: func(lb protocol.Leaderboard) {
			printLeaderboard(lb.Entries, lb.Final)
		},
		OnServerError: printServerError,
	}

	host := flow.NewHost(transport, api, quizID, hostID, room, events)
	if err := host.Open(ctx); err != nil {
		return fmt.Errorf("open quiz %d: %w", quizID, err)
	}
	defer host.Close()

	fmt.Printf("Room %s is open. Commands: start, next, roster, end, confirm, cancel, quit.\n", room)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch cmdLine := strings.TrimSpace(scanner.Text()); cmdLine {
		case "":
		case "start":
			if err := host.Start(ctx); err != nil {
				fmt.Printf("start failed: %v\n", err)
			}
		case "next":
			switch err := host.Advance(ctx); err {
			case nil:
			case flow.ErrNotAwaitingAdvance:
				fmt.Println("Current question is still running.")
			default:
				fmt.Printf("advance failed: %v\n", err)
			}
		case "roster":
			if err := host.RefreshRoster(ctx); err != nil {
				fmt.Printf("roster fetch failed: %v\n", err)
			}
		case "end":
			host.RequestEndQuiz()
			fmt.Println("End the quiz for everyone? Type confirm or cancel.")
		case "confirm":
			switch err := host.ConfirmEndQuiz(ctx); err {
			case nil:
				printSummary(host.Summary())
				return nil
			case flow.ErrEndNotRequested:
				fmt.Println("Type end first.")
			default:
				fmt.Printf("end failed: %v\n", err)
			}
		case "cancel":
			host.CancelEndQuiz()
			fmt.Println("End cancelled.")
		case "quit":
			if host.Phase() == flow.HostQuizEnded {
				printSummary(host.Summary())
			}
			return nil
		default:
			fmt.Printf("unknown command %q\n", cmdLine)
		}
		if host.Phase() == flow.HostQuizEnded {
			printSummary(host.Summary())
			return nil
		}
	}
	return scanner.Err()
}

func printSummary(s flow.HostSummary) {
	fmt.Printf("\nQuiz finished in %s with %d participant(s).\n", s.Duration.Round(time.Second), len(s.Roster))
	printLeaderboard(s.Final.Entries, true)
}
