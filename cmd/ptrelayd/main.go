// Command ptrelayd runs the listeners described by a YAML configuration
// file: SOCKS and plain TCP acceptance flows that obfuscate traffic onto (or
// off of) the wire through a pluggable Protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/obfuscated/ptrelay/config"
	"github.com/obfuscated/ptrelay/listener"
	"github.com/obfuscated/ptrelay/protocol"
	"github.com/obfuscated/ptrelay/registry"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "ptrelayd",
		Short:         "Pluggable-transport relay daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ptrelayd: %v\n", err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration test FAILED: %w", err)
			}
			fmt.Printf("configuration file %s OK: %d listener(s)\n", configPath, len(entries))
			for _, e := range entries {
				fmt.Printf("  %-13s %s -> %s [%s]\n", e.Mode, e.ListenAddr, e.TargetAddr, e.Protocol)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every configured listener and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	log := newLogger(logLevel)

	entries, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.Info().Str("path", configPath).Int("listeners", len(entries)).Msg("configuration loaded")

	protoReg := protocol.NewRegistry()

	shutdownComplete := make(chan struct{})
	reg := registry.New(func() { close(shutdownComplete) }, log)

	// Bind every listener concurrently; a single bad address shouldn't wait
	// behind N-1 good ones before it's reported.
	lctx, cancelListeners := context.WithCancel(ctx)
	defer cancelListeners()

	// listener.New's own context governs each accept loop's lifetime; it
	// must outlive group.Wait(), so it's lctx (cancelled only on shutdown),
	// never the errgroup's own context (cancelled the moment Wait returns).
	listeners := make([]*listener.Listener, len(entries))
	group, _ := errgroup.WithContext(lctx)
	for i, params := range entries {
		i, params := i, params
		group.Go(func() error {
			l, err := listener.New(lctx, params, protoReg, reg, log)
			if err != nil {
				return fmt.Errorf("starting listener %s: %w", params.ListenAddr, err)
			}
			listeners[i] = l
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		reg.RemoveAllListeners()
		return err
	}

	log.Info().Int("listeners", len(listeners)).Msg("all listeners running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	firstSignal := true
	for {
		select {
		case sig := <-sigCh:
			if !firstSignal {
				log.Warn().Str("signal", sig.String()).Msg("second signal received, forcing shutdown")
				reg.StartShutdown(true)
				continue
			}
			firstSignal = false
			log.Info().Str("signal", sig.String()).Msg("shutting down gracefully, press again to force")
			reg.RemoveAllListeners()
			reg.StartShutdown(false)

		case <-shutdownComplete:
			log.Info().Msg("all connections drained, exiting")
			return nil
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
