// Command waterflow runs a worker: it loads HCL flow definitions, opens the
// configured store and lock backend, and drives recovery, retention,
// notification redelivery and the intake queue until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/petrijr/waterflow"
)

func main() {
	if err := run(os.Stderr, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string) error {
	flags := flag.NewFlagSet("waterflow", flag.ContinueOnError)
	flags.SetOutput(outW)
	configPath := flags.String("config", os.Getenv("WATERFLOW_CONFIG"), "Path to the YAML configuration file.")
	envFile := flags.String("env-file", ".env", "Environment file loaded before the configuration.")
	once := flags.Bool("once", false, "Run one recovery, retention and notification cycle and exit.")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := loadEnv(*envFile); err != nil {
		return err
	}
	cfg, err := waterflow.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(outW)
	slog.SetDefault(logger)

	bundle, err := waterflow.NewBundle(cfg, waterflow.BuiltinHandlers(logger), logger)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := bundle.Close(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		return bundle.Worker.RunOnce(ctx)
	}
	return bundle.Run(ctx)
}

// loadEnv loads path into the environment. A missing file is fine.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
