package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/symmetry-network/hub/internal/config"
	"github.com/symmetry-network/hub/internal/dispatcher"
	"github.com/symmetry-network/hub/internal/httpapi"
	"github.com/symmetry-network/hub/internal/identity"
	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/stop"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var logger = log.NewScoped("cli")

// shutdownTimeout bounds how long runStart waits for the peer transport,
// HTTP front door and metrics server to stop cleanly before giving up on
// them and exiting anyway.
const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "symmetryhub",
		Short: "Rendezvous and dispatch hub for a peer-to-peer inference network",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return runVersion(os.Stdout)
			}
			return runStart(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "location of the configuration file")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print the version and exit")

	deletePeerCmd := &cobra.Command{
		Use:   "delete-peer <key>",
		Short: "Remove a peer's durable record from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeletePeer(configPath, args[0])
		},
	}
	rootCmd.AddCommand(deletePeerCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(os.Stdout)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*config.Config, *identity.Identity, error) {
	cfg, err := config.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	id, err := identity.FromHex(cfg.PublicKey, cfg.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return cfg, id, nil
}

// runStart opens the store, resets stale peer state, and serves the peer
// transport, dispatcher, HTTP front door and metrics endpoint until a
// termination signal or a fatal error from any of them.
func runStart(configPath string) error {
	cfg, id, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log.SetDebug(cfg.Debug)

	st, err := store.Open(cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	ctx := context.Background()
	if err := st.Peers().ResetAllConnections(ctx); err != nil {
		return fmt.Errorf("failed to reset peer connections: %w", err)
	}
	if err := st.ProviderSessions().EndOrphans(ctx); err != nil {
		return fmt.Errorf("failed to close orphaned provider sessions: %w", err)
	}

	reg := registry.New()
	disp := dispatcher.New(st, reg, id, cfg.MinCoreVersion)

	listener, err := transport.NewTCPListener(cfg.PeerAddr)
	if err != nil {
		return fmt.Errorf("failed to bind peer transport: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.PrometheusAddr)

	httpServer := httpapi.New(httpapi.Config{
		Addr:           httpapi.AddrFromPort(cfg.APIPort),
		AllowedOrigins: cfg.AllowedOrigins,
	}, st, reg)

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	defer cancelListener()

	errChan := make(chan error, 3)

	go func() {
		logger.Info("serving peer transport", log.Fields{"addr": cfg.PeerAddr})
		if err := listener.Serve(listenerCtx, disp.Handle); err != nil {
			errChan <- fmt.Errorf("peer transport: %w", err)
		}
	}()

	go func() {
		logger.Info("serving HTTP", log.Fields{"addr": cfg.APIPort})
		if err := httpServer.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("http front door: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
		case <-shutdown:
		}

		group := stop.NewGroup()
		group.Add(metricsServer)
		group.AddFunc(func() stop.Result {
			ch := make(stop.Channel)
			go func() { ch.Done(listener.Close()) }()
			return ch.Result()
		})
		group.AddFunc(func() stop.Result {
			ch := make(stop.Channel)
			go func() { ch.Done(httpServer.Shutdown(context.Background())) }()
			return ch.Result()
		})

		for _, stopErr := range group.StopWithTimeout(shutdownTimeout).Wait() {
			if stopErr != nil {
				errChan <- stopErr
			}
		}
		close(errChan)
	}()

	var firstErr error
	closedShutdown := false
	for err := range errChan {
		if err == nil {
			continue
		}
		logger.Error("component error", log.Err(err))
		if !closedShutdown {
			close(shutdown)
			closedShutdown = true
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if closeErr := st.Close(); closeErr != nil && firstErr == nil {
		firstErr = closeErr
	}

	return firstErr
}

// runDeletePeer removes a peer's durable record, exiting 0 whether or not
// the key was present.
func runDeletePeer(configPath, key string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	removed, err := st.Peers().Delete(context.Background(), key)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to delete peer %q: %w", key, err)
	}
	if removed {
		fmt.Printf("removed peer %q\n", key)
	} else {
		fmt.Printf("no peer found with key %q\n", key)
	}
	return nil
}

// runVersion writes the build version to w, backing both the "version"
// subcommand and the root command's "-V/--version" flag.
func runVersion(w io.Writer) error {
	_, err := fmt.Fprintln(w, version)
	return err
}
