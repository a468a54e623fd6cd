package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ventosilenzioso/raknet-gateway/examples/demoapp"
	"github.com/ventosilenzioso/raknet-gateway/internal/config"
	"github.com/ventosilenzioso/raknet-gateway/internal/logging"
	"github.com/ventosilenzioso/raknet-gateway/internal/raknet"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env RAKNET_* and defaults otherwise)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.Banner("RakNet Gateway", version)
	logging.SetLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("load config: %v", err)
		os.Exit(1)
	}

	logging.Info("listen address: %s", cfg.Addr())
	logging.Info("max players: %d", cfg.MaxNumberOfPlayers)
	logging.Info("inactivity timeout: %s", cfg.InactivityTimeout)
	logging.Success("configuration loaded")

	app := demoapp.New()

	srv := raknet.NewServer(raknet.Options{
		ListenAddr:                    cfg.Addr(),
		MaxNumberOfPlayers:            cfg.MaxNumberOfPlayers,
		MaxNumberOfConcurrentConnects: cfg.MaxNumberOfConcurrentConnects,
		InactivityTimeout:             cfg.InactivityTimeout,
		ForceOrderingForAll:           cfg.ForceOrderingForAll,
		EnableEdu:                     cfg.EnableEdu,
		EnableQuery:                   cfg.EnableQuery,
		ServerName:                    "RakNet Gateway [GO]",
		MOTD:                          app,
		Admission:                     app,
		Codec:                         app.Codec(),
		OnConnect:                     app.OnConnect,
		OnMessage:                     app.OnMessage,
		OnDisconnect:                  app.OnDisconnect,
	})
	app.BindServer(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			logging.Fatal("server error: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logging.Warn("shutdown signal received")
		if err := <-errCh; err != nil {
			logging.Fatal("server error during shutdown: %v", err)
			os.Exit(1)
		}
	}

	logging.Success("server stopped")
}
