// Package main runs one wake-on-LAN service node.
//
// A node is either the manager of its LAN segment, which admits hosts,
// tracks whether they are awake and sends magic packets on demand, or a
// participant, which answers the manager's heartbeats and takes over by
// election if the manager disappears.
//
//	┌───────────────────────────────────────────┐
//	│                 wakeonlan                 │
//	├───────────────────────────────────────────┤
//	│  console     table view, wakeup / exit    │
//	│  admin API   /health /participants        │
//	│              /participants/:h/wakeup      │
//	│              /metrics                     │
//	├───────────────────────────────────────────┤
//	│  coordinator.Node                         │
//	│    Discovery  Monitoring  Election        │
//	├───────────────────────────────────────────┤
//	│  membership.Table     transport (UDP)     │
//	└───────────────────────────────────────────┘
//
// Usage:
//
//	wakeonlan                    participant on the default-route interface
//	wakeonlan <iface>            participant on <iface>
//	wakeonlan manager <iface>    manager on <iface>
//
// See package config for the environment variables.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/dreamware/wakeonlan/internal/api"
	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/config"
	"github.com/dreamware/wakeonlan/internal/console"
	"github.com/dreamware/wakeonlan/internal/coordinator"
	"github.com/dreamware/wakeonlan/internal/logging"
	"github.com/dreamware/wakeonlan/internal/membership"
	"github.com/dreamware/wakeonlan/internal/telemetry"
	"github.com/dreamware/wakeonlan/internal/transport"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logFatal("%v", err)
	}

	logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		logFatal("%v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := transport.DefaultOptions()
	opts.Port = cfg.Port
	opts.WakePort = cfg.WakePort

	app := appOptions{
		transport: opts,
		timings:   coordinator.DefaultTimings(),
		in:        os.Stdin,
		out:       os.Stdout,
		color:     isatty.IsTerminal(os.Stdout.Fd()),
	}
	if err := run(ctx, cfg, app, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		logger.Sync()
		logFatal("%v", err)
	}
}

// appOptions are the process wiring choices that tests replace.
type appOptions struct {
	in        io.Reader
	out       io.Writer
	transport transport.Options
	timings   coordinator.Timings
	color     bool
}

// run assembles the node and blocks until ctx ends, the console asks to
// quit or the admin API fails. It then leaves the group (participants only)
// and tears everything down in reverse order.
func run(ctx context.Context, cfg config.Config, app appOptions, logger *zap.Logger) error {
	logger.Info("starting wakeonlan",
		zap.String("version", version),
		zap.String("hostname", cfg.Node.Hostname),
		zap.String("ip", cfg.Node.IP),
		zap.String("mac", cfg.Node.MAC),
		zap.String("interface", cfg.Node.Interface),
		zap.Stringer("role", cfg.Node.Role),
	)
	telemetry.SetBuildInfo(version)

	tr := transport.New(cfg.Node, cluster.NewSyncState(), app.transport, logger.Named("transport"))
	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Stop()

	table := membership.NewTable(logger.Named("table"))
	node := coordinator.NewNode(tr, table, cfg.Node.Role, app.timings, logger)
	node.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var apiErr <-chan error
	var server *api.Server
	if cfg.HTTPAddr != "" {
		server = api.New(cfg.HTTPAddr, cfg.Node, node, logger)
		apiErr = server.Start()
	}

	consoleDone := make(chan struct{})
	if !cfg.Headless {
		c := console.New(node, table, app.in, app.out, logger)
		c.Color = app.color
		go func() {
			defer close(consoleDone)
			if err := c.Run(ctx); err == nil {
				cancel()
			}
		}()
	} else {
		close(consoleDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-apiErr:
		if ok {
			runErr = err
		}
	}
	cancel()
	logger.Info("shutting down")

	if err := node.Leave(); err != nil && !errors.Is(err, coordinator.ErrNoManager) {
		logger.Warn("leave failed", zap.Error(err))
	}
	node.Stop()

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API shutdown", zap.Error(err))
		}
	}
	<-consoleDone
	logger.Info("stopped")
	return runErr
}
