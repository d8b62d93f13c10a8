package cli

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quizrush-client/internal/config"
	"quizrush-client/internal/infra/memory"
	redissession "quizrush-client/internal/infra/redis"
	"quizrush-client/internal/quizapi"
	"quizrush-client/internal/session"
	"quizrush-client/internal/transport/ws"
)

var configPath string

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "quizrush",
		Short: "Terminal client for QuizRush live quiz rooms",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewPlayCmd(&configPath))
	cmd.AddCommand(NewHostCmd(&configPath))
	cmd.AddCommand(NewBoardCmd(&configPath))
	return cmd
}

// buildClients wires the realtime and REST clients from config, falling back
// to defaults for any tuning knob the file leaves blank.
func buildClients(cfg config.Config) (*ws.Client, *quizapi.Client) {
	wsCfg := ws.DefaultConfig(cfg.Realtime.URL)
	wsCfg.HeartbeatInterval = config.Duration(cfg.Realtime.HeartbeatInterval, wsCfg.HeartbeatInterval)
	wsCfg.DialTimeout = config.Duration(cfg.Realtime.DialTimeout, wsCfg.DialTimeout)
	wsCfg.ReconnectBase = config.Duration(cfg.Realtime.Reconnect.Base, wsCfg.ReconnectBase)
	wsCfg.ReconnectMax = config.Duration(cfg.Realtime.Reconnect.Max, wsCfg.ReconnectMax)
	if cfg.Realtime.Reconnect.Attempts > 0 {
		wsCfg.ReconnectAttempts = cfg.Realtime.Reconnect.Attempts
	}

	transport := ws.New(wsCfg, ws.WithStateListener(func(state ws.ConnState, err error) {
		evt := log.Info()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("state", state.String()).Msg("connection state changed")
	}))

	api := quizapi.New(cfg.API.BaseURL,
		quizapi.WithTimeout(config.Duration(cfg.API.Timeout, 15*time.Second)))
	return transport, api
}

// buildSessionStore returns a Redis-backed store when an address is
// configured, otherwise an in-memory one scoped to this process.
func buildSessionStore(cfg config.Config) session.Store {
	if cfg.Redis.Addr == "" {
		return memory.NewSessionStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return redissession.NewSessionStore(client, config.Duration(cfg.Redis.TTL, 24*time.Hour))
}
