// Package main provides the CLI entry point for the stunwire STUN engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/stunwire/internal/bench"
	"github.com/postalsys/stunwire/internal/config"
	"github.com/postalsys/stunwire/internal/control"
	"github.com/postalsys/stunwire/internal/daemon"
	"github.com/postalsys/stunwire/internal/discover"
	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/stack"
	"github.com/postalsys/stunwire/internal/sysinfo"
	"github.com/postalsys/stunwire/internal/wizard"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stunwire",
		Short: "stunwire - STUN transaction engine",
		Long: `stunwire is a STUN (RFC 5389) transaction engine over UDP.

It serves Binding requests as a standalone server, discovers the
reflexive transport address as a client, and drives both roles from
one configuration file.`,
		Version: sysinfo.Version,
	}

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(wizardCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the STUN server daemon",
		Long:  "Start the STUN server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Create daemon
			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			fmt.Printf("Starting stunwire %s...\n", sysinfo.Version)

			// Start daemon
			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			// Print status
			for _, addr := range d.ListenAddrs() {
				fmt.Printf("Listening on %s/udp\n", addr)
			}
			if cfg.Health.Enabled {
				fmt.Printf("Health server: http://%s\n", d.HealthAddr())
			}
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}
			stats := d.Stats()
			fmt.Printf("Status: running (sockets: %d)\n", stats.Sockets)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := d.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Daemon stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func discoverCmd() *cobra.Command {
	var (
		configPath   string
		localAddr    string
		timeout      time.Duration
		software     string
		integrityKey string
		fingerprint  bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "discover [server...]",
		Short: "Discover the reflexive address via STUN servers",
		Long: `Send a Binding request to each server and print the mapped address
the server observed. Servers come from the arguments, or from
client.servers in the configuration file when no arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(configPath)
			if err != nil {
				return err
			}

			servers := args
			if len(servers) == 0 {
				servers = cfg.Client.Servers
			}
			if len(servers) == 0 {
				return fmt.Errorf("no servers: pass them as arguments or set client.servers in the config")
			}

			level := "error"
			if verbose {
				level = "debug"
			}
			logger := logging.NewLogger(level, cfg.Log.Format)

			st := stack.New(daemon.EngineConfig(cfg, logger))
			if err := st.Start(); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			defer st.Stop()

			bind := "0.0.0.0:0"
			if cfg.Client.LocalAddress != "" {
				bind = cfg.Client.LocalAddress
			}
			if localAddr != "" {
				bind = localAddr
			}
			local, err := st.AddSocket(bind)
			if err != nil {
				return fmt.Errorf("failed to bind %s: %w", bind, err)
			}
			fmt.Printf("Local address: %s\n", local)

			results := discover.Discover(cmd.Context(), st, servers, discover.Options{
				Local:        local,
				Timeout:      timeout,
				Software:     software,
				IntegrityKey: integrityKey,
				Fingerprint:  fingerprint,
			})

			failed := 0
			for _, res := range results {
				printResult(res)
				if !res.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d servers failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&localAddr, "local", "l", "", "Local address to bind (default ephemeral)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Per-server timeout")
	cmd.Flags().StringVar(&software, "software", "stunwire", "SOFTWARE attribute for requests, empty to omit")
	cmd.Flags().StringVar(&integrityKey, "key", "", "Short-term credential key for MESSAGE-INTEGRITY")
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "Append FINGERPRINT to requests")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log retransmissions and responses")

	return cmd
}

func printResult(res *discover.Result) {
	if !res.Success {
		fmt.Printf("%s: failed after %d attempts: %s\n", res.Server, res.Attempts, res.ErrorDetail)
		return
	}

	fmt.Printf("%s: mapped address %s (rtt %s)\n",
		res.Server, res.Mapped, res.RTT.Round(time.Millisecond))
	if res.Other.IsValid() {
		fmt.Printf("  other address: %s\n", res.Other)
	}
	if res.ServerSoftware != "" {
		fmt.Printf("  server software: %s\n", res.ServerSoftware)
	}
}

func benchCmd() *cobra.Command {
	var (
		configPath  string
		localAddr   string
		concurrency int
		requests    int
		duration    time.Duration
		software    string
	)

	cmd := &cobra.Command{
		Use:   "bench <server>",
		Short: "Benchmark a STUN server",
		Long: `Drive concurrent Binding transactions against a server and report
throughput and round-trip latency percentiles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger("error", cfg.Log.Format)

			st := stack.New(daemon.EngineConfig(cfg, logger))
			if err := st.Start(); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			defer st.Stop()

			bind := "0.0.0.0:0"
			if localAddr != "" {
				bind = localAddr
			}
			local, err := st.AddSocket(bind)
			if err != nil {
				return fmt.Errorf("failed to bind %s: %w", bind, err)
			}

			gen := bench.NewGenerator(st, bench.Config{
				Server:      args[0],
				Local:       local,
				Concurrency: concurrency,
				Requests:    requests,
				Duration:    duration,
				Software:    software,
			})

			if duration > 0 {
				fmt.Printf("Benchmarking %s for %s (workers: %d)...\n", args[0], duration, concurrency)
			} else {
				fmt.Printf("Benchmarking %s with %d requests (workers: %d)...\n", args[0], requests, concurrency)
			}

			m, err := gen.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("benchmark failed: %w", err)
			}

			fmt.Print(m.Report())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().StringVarP(&localAddr, "local", "l", "", "Local address to bind (default ephemeral)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "w", 8, "Concurrent workers")
	cmd.Flags().IntVarP(&requests, "requests", "n", 1000, "Total requests (0 for duration-bounded)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Run duration (overrides --requests)")
	cmd.Flags().StringVar(&software, "software", "stunwire-bench", "SOFTWARE attribute for requests")

	return cmd
}

func statusCmd() *cobra.Command {
	var (
		configPath string
		socketPath string
		showTx     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Query a running daemon over its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := socketPath
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Control.SocketPath
			}

			ctl := control.NewClient(path)
			defer ctl.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := ctl.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query %s (is the daemon running with control.enabled?): %w", path, err)
			}

			fmt.Printf("Version:      %s\n", status.Version)
			fmt.Printf("Hostname:     %s\n", status.Hostname)
			fmt.Printf("Running:      %v\n", status.Running)
			fmt.Printf("Uptime:       %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			fmt.Printf("Sockets:      %d\n", status.Sockets)
			fmt.Printf("Transactions: %d client, %d server\n",
				status.ClientTransactions, status.ServerTransactions)

			sockets, err := ctl.Sockets(ctx)
			if err == nil && len(sockets.Sockets) > 0 {
				fmt.Println("\nListeners:")
				for _, s := range sockets.Sockets {
					fmt.Printf("  %s/udp\n", s)
				}
			}

			if showTx {
				txs, err := ctl.Transactions(ctx)
				if err != nil {
					return fmt.Errorf("failed to list transactions: %w", err)
				}
				fmt.Println("\nOpen transactions:")
				if len(txs.Transactions) == 0 {
					fmt.Println("  none")
				}
				for _, tx := range txs.Transactions {
					fmt.Printf("  %s  %s -> %s  attempt %d  age %dms\n",
						tx.ID, tx.Local, tx.Remote, tx.Attempts, tx.AgeMs)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Read the socket path from this configuration file")
	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./stunwire.sock", "Control socket path")
	cmd.Flags().BoolVarP(&showTx, "transactions", "t", false, "List open transactions")

	return cmd
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive configuration wizard",
		Long:  "Generate a configuration file by answering a few questions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

// loadOrDefault reads the configuration file when a path is given and
// falls back to defaults otherwise, so the client commands work without
// any configuration.
func loadOrDefault(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
