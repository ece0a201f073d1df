package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/vctt94/bisonbotkit/logging"
	"golang.org/x/sync/errgroup"

	"github.com/IanLaFlair/0xHuman/server"
)

var (
	datadir    = flag.String("datadir", "", "Directory for the database and logs")
	listenAddr = flag.String("listen", "", "HTTP/websocket listen address")
	envFile    = flag.String("env", "", "Path to an env file to load")
	debugLevel = flag.String("debuglevel", "", "Log level (trace, debug, info, warn, error)")
)

func realMain() error {
	flag.Parse()

	// Missing .env is fine when the environment is already populated.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFile, err)
		}
	} else {
		godotenv.Load()
	}

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		return err
	}
	if *datadir != "" {
		cfg.DataDir = *datadir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *debugLevel != "" {
		cfg.DebugLevel = *debugLevel
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(cfg.DataDir, "logs", "arenad.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return err
	}
	cfg.LogBackend = lb

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(*cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}

func main() {
	if err := realMain(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
