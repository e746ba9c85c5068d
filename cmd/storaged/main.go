package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/securestore/internal/config"
	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/storaged"
)

func main() {
	path := flag.String("config", "", "daemon config file (defaults when empty)")
	flag.Parse()

	logger := observability.InitLogger("storaged")
	cfg := config.DefaultDaemon()
	if *path != "" {
		loaded, err := config.LoadDaemon(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storaged: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := storaged.NewService(cfg.ServiceConfig())
	if err := svc.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("storaged stopped")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("storaged shut down")
}
