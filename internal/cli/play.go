package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quizrush-client/internal/config"
	"quizrush-client/internal/flow"
	"quizrush-client/internal/protocol"
	"quizrush-client/internal/quizapi"
	"quizrush-client/internal/session"
)

// NewPlayCmd builds the subcommand that joins a room as a participant.
func NewPlayCmd(configPath *string) *cobra.Command {
	var nickname, room string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a quiz room and answer questions from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), *configPath, room, nickname)
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "display name in the room")
	cmd.Flags().StringVar(&room, "room", "", "room code to join")
	_ = cmd.MarkFlagRequired("nickname")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runPlay(ctx context.Context, configPath, room, nickname string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	transport, api := buildClients(cfg)
	defer transport.Disconnect()
	store := buildSessionStore(cfg)

	ended := make(chan struct{})
	events := flow.ParticipantEvents{
		OnPhase: func(phase flow.ParticipantPhase) {
			log.Info().Str("phase", string(phase)).Msg("phase changed")
		},
		OnQuestion:    printQuestion,
		OnTick:        printTick,
		OnResult:      printResult,
		OnLeaderboard: func(lb protocol.Leaderboard) { printLeaderboard(lb.Entries, lb.Final) },
		OnServerError: printServerError,
		OnEnded:       func() { close(ended) },
	}

	player := flow.NewParticipant(transport, api, room, nickname, events)
	if err := player.Join(ctx); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}
	defer player.Close()

	snap := session.Snapshot{
		RoomCode:      room,
		QuizID:        player.QuizID(),
		ParticipantID: player.ParticipantID(),
		Nickname:      nickname,
		SavedAt:       time.Now(),
	}
	if err := store.Save(ctx, snap); err != nil {
		log.Warn().Err(err).Msg("could not save session snapshot")
	}

	fmt.Printf("Joined room %s as %s. Type option numbers (e.g. \"2\" or \"1 3\") to answer, \"quit\" to leave.\n", room, nickname)
	go answerLoop(ctx, player)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("leaving room")
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := player.Leave(leaveCtx); err != nil {
			log.Warn().Err(err).Msg("leave failed")
		}
		_ = store.Delete(leaveCtx, room)
	case <-ended:
		fmt.Println("Quiz over. Final standings above.")
		_ = store.Delete(context.Background(), room)
	case <-ctx.Done():
	}
	return nil
}

// answerLoop reads answer selections from stdin. Options are entered
// 1-based; multi-select answers are whitespace separated.
func answerLoop(ctx context.Context, player *flow.Participant) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			_ = player.Leave(ctx)
			return
		}
		selected, err := parseSelections(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		switch err := player.SubmitAnswer(ctx, selected); err {
		case nil:
		case flow.ErrAlreadySubmitted:
			fmt.Println("You already answered this question.")
		case flow.ErrNotAnswering:
			fmt.Println("No question is open right now.")
		default:
			fmt.Printf("Submit failed: %v. You can try again.\n", err)
		}
	}
}

func parseSelections(line string) ([]int, error) {
	fields := strings.Fields(line)
	selected := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%q is not an option number", f)
		}
		selected = append(selected, n-1)
	}
	return selected, nil
}

func printQuestion(q protocol.Question) {
	fmt.Printf("\nQ: %s (%d points, %ds)\n", q.Text, q.Points, q.DurationSeconds)
	for i, opt := range q.Options {
		fmt.Printf("  %d. %s\n", i+1, opt)
	}
}

func printTick(questionID int64, remaining int) {
	if remaining <= 5 && remaining > 0 {
		fmt.Printf("  %ds left!\n", remaining)
	}
}

func printResult(res quizapi.AnswerResult) {
	if res.Correct {
		fmt.Printf("Correct! +%d points (total %d)\n", res.PointsAwarded, res.TotalScore)
		return
	}
	fmt.Printf("Wrong. Total %d points.\n", res.TotalScore)
}

func printServerError(se protocol.ServerError) {
	log.Error().Str("code", se.Code).Str("message", se.Message).Msg("server error")
}

func printLeaderboard(entries []protocol.LeaderboardEntry, final bool) {
	header := "Leaderboard"
	if final {
		header = "Final leaderboard"
	}
	fmt.Printf("\n%s:\n", header)
	for _, e := range entries {
		fmt.Printf("  %2d. %-20s %d\n", e.Rank, e.Nickname, e.Score)
	}
}
