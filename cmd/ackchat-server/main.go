package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/acknet/ackchat/internal/config"
	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/pidfile"
	"github.com/acknet/ackchat/internal/pprof"
	"github.com/acknet/ackchat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", config.DefaultPath(), "path to the config file")
	listenAddr := flag.String("listen", "", "TCP listen address (overrides config)")
	wsAddr := flag.String("ws", "", "WebSocket listen address (overrides config)")
	simple := flag.Bool("simple", false, "disable confirmed delivery, send responses right after the fan-out")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if envLevel := strings.TrimSpace(os.Getenv("ACKCHAT_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("ACKCHAT_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *wsAddr != "" {
		cfg.Server.WebSocketAddr = *wsAddr
	}
	if *simple {
		cfg.ConfirmedDelivery = false
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	// Pick up log level changes without a restart.
	stopWatch, watchErr := config.Watch(*configPath, func(updated *config.Config) {
		logger.Global().SetLevel(logger.ParseLevel(updated.LogLevel))
		logger.Info("Config reloaded, log level now %s", updated.LogLevel)
	})
	if watchErr != nil {
		logger.Warn("Config watch disabled: %v", watchErr)
	} else {
		defer stopWatch()
	}

	if cfg.Server.PIDFile != "" {
		pf := pidfile.New(cfg.Server.PIDFile)
		if err := pf.Write(); err != nil {
			return err
		}
		defer func() {
			if removeErr := pf.Remove(); removeErr != nil {
				logger.Warn("Failed to remove pidfile: %v", removeErr)
			}
		}()
	}

	if cfg.Server.PprofAddr != "" {
		handler := pprof.NewHandler(cfg.Server.PprofAddr)
		if err := handler.Start(); err != nil {
			return err
		}
		defer func() {
			if stopErr := handler.Stop(); stopErr != nil {
				logger.Warn("Failed to stop pprof endpoint: %v", stopErr)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("ackchat server listening on %s\n", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal %v, shutting down", sig)

	srv.Stop()
	return nil
}
