package main

import (
	"os"

	"github.com/poundifdef/queuemon/cmd/queuemon/server"
	"github.com/poundifdef/queuemon/cmd/queuemon/tester"
	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"
	"github.com/poundifdef/queuemon/queue/redis"
	"github.com/poundifdef/queuemon/queue/sqlite"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newStore(cli *config.CLI) (models.Store, error) {
	switch cli.Backend {
	case "sqlite":
		return sqlite.NewSQLiteQueue(cli.SQLite)
	default:
		return redis.NewRedisQueue(cli.Redis), nil
	}
}

func main() {
	command, cli, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to parse configuration")
	}

	setupLogging(cli.Log)

	store, err := newStore(cli)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cli.Backend).Msg("Unable to open queue store")
	}

	switch command {
	case "tester":
		err = tester.Run(store, cli.Tester)
	default:
		err = server.Run(store, cli)
	}

	if err != nil {
		log.Fatal().Err(err).Send()
	}
}
