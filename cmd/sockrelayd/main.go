// Command sockrelayd runs one encrypted TCP relay (client or server mode)
// as described by a YAML config file, wiring together internal/relay,
// internal/reactor, internal/resolver, internal/cipher, internal/metrics
// and internal/debug. CLI shape grounded on caddyserver-caddy's cmd package
// (cobra root command, flags bound via pflag).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/sockrelay/internal/config"
	"github.com/relaymesh/sockrelay/internal/debug"
	"github.com/relaymesh/sockrelay/internal/logging"
	"github.com/relaymesh/sockrelay/internal/metrics"
	"github.com/relaymesh/sockrelay/internal/reactor"
	"github.com/relaymesh/sockrelay/internal/relay"
	"github.com/relaymesh/sockrelay/internal/resolver"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sockrelayd",
		Short: "Encrypted TCP relay (SOCKS5 client / tunneling server)",
		Long: `sockrelayd runs one encrypted relay described by a YAML config file.

In client mode it terminates a SOCKS5 session on listen_addr:listen_port and
tunnels an encrypted stream to one of peer_addr:peer_port. In server mode it
terminates that tunnel and connects directly to the requested origin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "sockrelay.yaml", "path to the relay's YAML config file")
	return root
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("sockrelayd: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log := logging.Wrap(slogger)

	loop, err := reactor.New(slogger)
	if err != nil {
		return fmt.Errorf("sockrelayd: reactor: %w", err)
	}

	res, err := resolver.New(loop, cfg.DNSServers, log)
	if err != nil {
		return fmt.Errorf("sockrelayd: resolver: %w", err)
	}

	reg := metrics.New("sockrelay")

	r, err := relay.New(cfg, res, log, nil, reg)
	if err != nil {
		return fmt.Errorf("sockrelayd: relay: %w", err)
	}
	if err := r.AddToLoop(loop); err != nil {
		return fmt.Errorf("sockrelayd: add to loop: %w", err)
	}

	var shutdowns []func(context.Context) error
	if cfg.MetricsAddr != "" {
		shutdown, err := startHTTP(cfg.MetricsAddr, reg.Handler())
		if err != nil {
			log.Warn("metrics server failed to start", "err", err)
		} else {
			shutdowns = append(shutdowns, shutdown)
		}
	}
	if shutdown, err := debug.StartServer(r, debugAddr(cfg)); err == nil {
		shutdowns = append(shutdowns, shutdown)
	} else {
		log.Warn("debug server failed to start", "err", err)
	}

	watcher, err := config.WatchFile(configPath)
	if err != nil {
		log.Warn("config hot-reload unavailable", "err", err)
	} else {
		go watchConfigReloads(watcher, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		r.Close(false)
		for _, shutdown := range shutdowns {
			_ = shutdown(context.Background())
		}
		loop.Stop()
	}()

	log.Info("relay listening", "mode", string(cfg.Mode), "addr", cfg.ListenAddr, "port", cfg.ListenPort)
	if err := loop.Run(); err != nil {
		return fmt.Errorf("sockrelayd: %w", err)
	}
	// loop.Run returning nil doesn't by itself distinguish a signal-driven
	// Stop from the relay tearing itself down (e.g. its listen socket
	// erroring); FatalErr is how that propagates upward per spec.md §4.2/§7.
	if fatalErr := r.FatalErr(); fatalErr != nil {
		return fmt.Errorf("sockrelayd: %w", fatalErr)
	}
	return nil
}

// watchConfigReloads logs reloaded configs; spec.md's RelayConfig is
// immutable after construction, so a reload is not applied to the running
// relay, not even for new connections — applying it requires restarting
// sockrelayd, which this function does not do.
func watchConfigReloads(w *config.Watcher, log logging.Logger) {
	defer w.Close()
	for {
		select {
		case cfg, ok := <-w.Updates:
			if !ok {
				return
			}
			log.Info("config file changed; restart sockrelayd to apply", "listen_port", cfg.ListenPort)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", "err", err)
		}
	}
}

func debugAddr(cfg *config.RelayConfig) string {
	return fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort+1000)
}
