package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/logger"
	"github.com/aeolun/relaychat/pkg/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relaychat-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	configPath := fs.String("config", server.DefaultConfigPath, "Path to config file")
	host := fs.String("host", "", "Bind address (overrides config)")
	port := fs.Int("port", 0, "TCP port (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	dev := fs.Bool("dev", false, "Human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return err
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := tomlConfig.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	if err := logger.Init(level, *dev); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	config := tomlConfig.ToServerConfig()
	if *host != "" {
		config.Host = *host
	}
	if *port > 0 {
		config.TCPPort = *port
	}

	log := logger.WithModule("bootstrap")
	log.Info("starting relaychat server",
		zap.String("config", *configPath),
		zap.String("host", config.Host),
		zap.Int("tcp_port", config.TCPPort),
		zap.Int("ssh_port", config.SSHPort),
		zap.Int("http_port", config.HTTPPort),
		zap.String("default_group", config.DefaultGroup),
	)

	srv, err := server.NewServer(config, logger.Logger())
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
