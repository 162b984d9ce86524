// Command strobe discovers and controls lights on the local network.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/config"
	"github.com/sharnoff/strobe/internal/pool"
	"github.com/sharnoff/strobe/internal/store"
	"github.com/sharnoff/strobe/internal/transport"
)

const (
	configKey   = "config"
	logLevelKey = "log-level"
)

func main() {
	cmd := &cli.Command{
		Name:  "strobe",
		Usage: "Discover and control lights on the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configKey,
				Usage: "Path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:  logLevelKey,
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			discoverCommand(),
			devicesCommand(),
			powerCommand(),
			serveCommand(),
			tasksCommand(),
			tickCommand(),
			benchCommand(),
			fakeCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("strobe: command failed", "error", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	// cancelled on SIGINT or SIGTERM, and when the command returns
	final  *strobe.Signal[struct{}]
	stopOS func()
}

func setup(cmd *cli.Command) (*app, error) {
	cfg := config.Default()
	if path := cmd.String(configKey); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if level := cmd.String(logLevelKey); level != "" {
		cfg.LogLevel = level
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	final := strobe.NewSignal[struct{}]("strobe")
	return &app{
		cfg:    cfg,
		logger: logger,
		final:  final,
		stopOS: strobe.CancelOnOS(final, syscall.SIGINT, syscall.SIGTERM),
	}, nil
}

func (a *app) close() {
	a.stopOS()
	_ = a.final.Cancel()
}

func (a *app) communicator() (*transport.Communicator, error) {
	opts := []transport.Option{
		transport.WithListenAddr(a.cfg.Network.ListenAddr),
		transport.WithBroadcast(a.cfg.Network.Broadcast...),
		transport.WithRetry(transport.RetryOptions{Gaps: a.cfg.Retry.Gaps, Timeout: a.cfg.Retry.Timeout}),
		transport.WithLogger(a.logger),
	}
	if a.cfg.Name != "" {
		opts = append(opts, transport.WithName(a.cfg.Name))
	}
	return transport.New(a.final, opts...)
}

// openStore opens the configured device store. It returns nil without error if none is configured.
func (a *app) openStore() (*store.Store, error) {
	if a.cfg.Store.Path == "" {
		return nil, nil
	}
	p := pool.New(a.final, a.cfg.Pool.Workers, a.logger)
	st, err := store.Open(a.cfg.Store.Path, p)
	if err != nil {
		p.Stop()
		return nil, err
	}
	return st, nil
}
