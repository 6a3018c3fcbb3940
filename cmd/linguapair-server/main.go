package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BioHazard786/Linguapair/internal/broker"
	"github.com/BioHazard786/Linguapair/internal/config"
	"github.com/BioHazard786/Linguapair/internal/logging"
	"github.com/BioHazard786/Linguapair/internal/server"
	"github.com/BioHazard786/Linguapair/internal/version"
)

const shutdownGrace = 5 * time.Second

func main() {
	var opts config.ServerOptions
	flags := pflag.NewFlagSet("linguapair-server", pflag.ExitOnError)
	flags.IntVarP(&opts.Port, "port", "p", 0, "listen port (env PORT, default 3000)")
	flags.StringVar(&opts.STUNServer, "stun", "", "STUN URL handed to clients (env STUN_URL)")
	flags.StringVar(&opts.TURNURL, "turn-url", "", "comma-separated TURN URLs (env TURN_URL)")
	flags.StringVar(&opts.TURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
	flags.StringVar(&opts.TURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
	showVersion := flags.BoolP("version", "v", false, "print the version and exit")
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	logger := logging.Init(slog.LevelInfo)

	cfg, err := config.LoadServer(opts)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(logger)
	go b.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.NewRouter(b, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("broker listening", "addr", cfg.Addr(), "turn", cfg.HasTURN(), "version", version.Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("broker stopped")
}
