// Command requiemd is the standalone QUIC/WebTransport ingress dispatcher
// described in spec.md: a socket pool reads datagrams, a dispatcher pool
// classifies and routes them, and a connection supervisor owns the
// per-connection actors the dispatcher forwards to.
//
// Grounded on zllovesuki-specter's cmd/specter/app.go + cmd/server/server.go:
// a single urfave/cli/v2 App, a Before hook that builds the shared
// zap.Logger and stashes it on cli.Context.App.Metadata, and an Action that
// builds every subsystem from parsed flags before blocking on a signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/requiem-go/requiem/internal/config"
	"github.com/requiem-go/requiem/internal/devengine"
	"github.com/requiem-go/requiem/internal/logging"
	"github.com/requiem-go/requiem/internal/metrics"
	"github.com/requiem-go/requiem/internal/quicapi"
	"github.com/requiem-go/requiem/internal/udpsocket"
	"github.com/requiem-go/requiem/server"
)

func main() {
	app := &cli.App{
		Name:        "requiemd",
		Usage:       "QUIC/WebTransport ingress dispatcher",
		Description: "Classifies, routes and terminates QUIC ingress traffic ahead of an application's connection handlers.",
		Flags:       config.Flags(),
		Before:      before,
		Action:      run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// before loads --config's TOML file as an input source for every flag that
// accepts one, then configures the logger; config.Before must run first so
// ctx.String/ctx.Int already see file-sourced values by the time
// configureLogger and run read the context.
func before(ctx *cli.Context) error {
	if err := config.Before()(ctx); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	return configureLogger(ctx)
}

func configureLogger(ctx *cli.Context) error {
	logger, err := logging.New(ctx.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	ctx.App.Metadata["logger"] = logger
	return nil
}

func run(ctx *cli.Context) error {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)
	defer logger.Sync()

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	acceptor := devengine.NewAcceptor(logging.Sub(logger, "devengine"))
	cfgFactory := devengine.NewConfigFactory(cfg.Transport)
	pbFactory := devengine.NewPacketBuilderFactory()

	// Every pooled socket binds the same host:port via SO_REUSEPORT, per
	// spec.md §1's single listening endpoint; reusePort is unnecessary (and
	// would simply be a no-op) for a pool of one.
	sockFactory := func(index int) (quicapi.Socket, error) {
		reusePort := cfg.SocketPoolSize > 1
		return udpsocket.Listen(cfg.Host, cfg.Port, cfg.SocketPollingTimeout, reusePort)
	}

	coord, err := server.New("requiemd", cfg, logger, acceptor, sockFactory, cfgFactory, pbFactory)
	if err != nil {
		return fmt.Errorf("wiring server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(runCtx) }()

	select {
	case sig := <-sigs:
		logger.Info("received signal to stop", zap.String("signal", sig.String()))
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
