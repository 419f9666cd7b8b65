package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-proxy/internal/application"
	"socks-proxy/internal/config"
	"socks-proxy/internal/infrastructure/dns"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log, err := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log.Info("Initializing SOCKS5 Proxy...", "mode", cfg.Mode, "port_order", cfg.PortOrder)

	eventLoop, err := epoll.New(cfg.PollTimeout, log)
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer eventLoop.Stop()

	resolver, err := dns.New(cfg.DNS, log)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	defer resolver.Close()
	log.Info("DNS resolver ready", "server", resolver.Server())

	proxy, err := application.NewProxyService(eventLoop, log, application.Config{
		Listen:           cfg.Listen,
		Mode:             cfg.Mode,
		Codec:            cfg.Codec,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxBuffer:        cfg.MaxBuffer,
	}, resolver, network.Dialer{})
	if err != nil {
		return fmt.Errorf("create proxy service: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("Debug listening", "addr", cfg.DebugListen)
	}

	g.Go(func() error {
		log.Info("Proxy listening", "addr", proxy.Addr())
		if err := proxy.Start(ctx); err != nil {
			return fmt.Errorf("proxy stopped unexpectedly: %w", err)
		}
		return nil
	})

	return g.Wait()
}
