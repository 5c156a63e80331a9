// Package main provides the CLI entry point for the SimpleTunnel server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/below/SimpleTunnel/internal/certutil"
	"github.com/below/SimpleTunnel/internal/config"
	"github.com/below/SimpleTunnel/internal/logging"
	"github.com/below/SimpleTunnel/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simpletunnel",
		Short: "SimpleTunnel - UDP-over-stream tunnel server",
		Long: `SimpleTunnel is a tunnel server that relays UDP flows for remote
clients over a single multiplexed stream connection.

Clients connect over TLS, WebSocket, or QUIC and open per-flow UDP
channels that the server proxies to their real destinations.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(hashSecretCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const starterConfig = `server:
  log_level: info
  log_format: text
  # 0 = unlimited concurrent tunnels
  max_tunnels: 0

listeners:
  - transport: tls
    address: ":4433"
    tls:
      cert: %[1]s
      key: %[2]s

auth:
  required: false
  # Generate with: simpletunnel hash-secret
  secret_hash: ""

udp:
  max_flows_per_tunnel: 1000
  idle_timeout: 2m
  rate_limit: ""

keepalive:
  interval: 30s
  timeout: 90s

metrics:
  enabled: false
  address: "127.0.0.1:9090"
`

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter configuration",
		Long:  "Create a starter configuration file and a self-signed TLS certificate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			configPath := filepath.Join(dataDir, "config.yaml")
			certPath := filepath.Join(dataDir, "server.crt")
			keyPath := filepath.Join(dataDir, "server.key")

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Already initialized: %s exists\n", configPath)
				return nil
			}

			cert, err := certutil.GenerateServerCert("simpletunnel", 90*24*time.Hour)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			content := fmt.Sprintf(starterConfig, certPath, keyPath)
			if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", configPath)
			fmt.Printf("Self-signed certificate: %s\n", certPath)
			fmt.Printf("Certificate fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for configuration and certificates")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel server",
		Long:  "Start the tunnel server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			srv := server.New(cfg, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("SimpleTunnel %s\n", Version)
			for _, addr := range srv.ListenerAddrs() {
				fmt.Printf("Listening on %s\n", addr)
			}
			if addr := srv.MetricsAddr(); addr != nil {
				fmt.Printf("Metrics on http://%s/metrics\n", addr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := srv.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func hashSecretCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a shared secret for the config file",
		Long: `Read a shared secret from the terminal and print its bcrypt hash.

Put the hash in auth.secret_hash; clients present the plain secret
during the tunnel handshake.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Secret: ")
			secret, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			if len(secret) == 0 {
				return fmt.Errorf("secret must not be empty")
			}

			fmt.Fprint(os.Stderr, "Confirm: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			if string(secret) != string(confirm) {
				return fmt.Errorf("secrets do not match")
			}

			hash, err := bcrypt.GenerateFromPassword(secret, cost)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")

	return cmd
}
