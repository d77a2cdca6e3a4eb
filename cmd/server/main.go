package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/Tyrowin/gochat-live/internal/app"
	"github.com/Tyrowin/gochat-live/internal/config"
	"github.com/Tyrowin/gochat-live/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("gochat-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file, reloaded on change")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("GOCHAT")); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logging.NewConsole("info")
		boot.Error().Err(err).Str("path", *configPath).Msg("Invalid configuration")
		return 1
	}

	log, closeLog := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
	})
	defer closeLog()

	log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Driver).Msg("Starting GoChat server...")

	a := app.New(cfg, app.ConfigPath(*configPath), log)
	startCtx, cancel := context.WithTimeout(context.Background(), a.StartTimeout())
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		log.Error().Err(err).Msg("Server failed to start")
		return 1
	}

	sig := <-a.Wait()
	log.Info().Str("signal", fmt.Sprint(sig.Signal)).Msg("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		return 1
	}
	log.Info().Msg("Server stopped")
	return sig.ExitCode
}
