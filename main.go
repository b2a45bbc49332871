/*
Duelrl serves real-time control for bots dueling in game arenas and trains
their policies online from the observations and reward events the game
streams in. Bots register, get paired into open arenas, ask for actions every
few ticks and report what happened; every so many calls a background run
updates the bot's network. Training progress is served as JSON and streamed
over a websocket.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"duelrl/rcon"
	"duelrl/reinforcement"
	"duelrl/server"
	"duelrl/trainlog"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	dbg        = flag.Bool("debug", false, "debug logging")
	host       = flag.String("host", "", "The host ip")
	port       = flag.String("port", "8000", "The host port")
	configPath = flag.String("config", "./config.yaml", "path to the training config")
	pretty     = flag.Bool("pretty", false, "human readable console logs")
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if *dbg {
		level = zerolog.DebugLevel
	}
	var logger zerolog.Logger
	if *pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openArchive returns nil when no archive path is configured.
func openArchive(cfg *reinforcement.TrainingConfig) (*trainlog.Archive, error) {
	if cfg.Storage.Archive == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Archive), 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	return trainlog.OpenArchive(cfg.Storage.Archive)
}

func runApp(logger zerolog.Logger) (err error) {
	// A missing .env is normal outside development.
	if err = godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Msg("ignoring unreadable .env")
	}

	var cfg *reinforcement.TrainingConfig
	if cfg, err = reinforcement.FromYaml(*configPath); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info().
		Str("kind", cfg.Kind()).
		Str("scheme", string(cfg.Scheme())).
		Int("arenas", len(cfg.Arenas)).
		Int("tick_interval", cfg.Schedule.TickInterval).
		Msg("loaded config")

	appCtx, appCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer appCancel()

	deps := server.Deps{
		Config:     cfg,
		Dispatcher: rcon.NewClient(cfg.Rcon.Addr, cfg.Rcon.Password, cfg.RconTimeout(), logger),
		Logger:     logger,
	}
	archive, err := openArchive(cfg)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
		deps.Archive = archive
	}

	// Training runs outlive the request that triggered them but not the app.
	app, err := server.NewApp(appCtx, deps)
	if err != nil {
		return err
	}
	srv := server.NewServer(*host+":"+*port, app)

	group, groupCtx := errgroup.WithContext(appCtx)
	group.Go(func() error {
		return srv.Serve(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("shutting down")
		return app.Shutdown()
	})
	return group.Wait()
}

func main() {
	flag.Parse()
	logger := newLogger()
	if err := runApp(logger); err != nil {
		logger.Fatal().Err(err).Msg("exit")
	}
}
