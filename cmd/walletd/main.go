// Package main implements walletd, the background process of the Superhero
// wallet extension. Extension pages, content scripts and dApps reach it over
// WebSocket ports; the browser itself is reached over NATS.
//
// SECURITY: decrypted key material exists only inside this process and only
// while a browser window is open.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AbuAR/superhero-wallet/host"
	"github.com/AbuAR/superhero-wallet/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "walletd",
		Short:         "Superhero wallet background daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("console", false, "Human-readable console logging")

	root.AddCommand(newServeCmd(), newKeystoreCmd(), newVersionCmd())
	return root
}

// flagOrEnv returns a non-empty string flag, else the environment value,
// else def.
func flagOrEnv(cmd *cobra.Command, flagName, envName, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return def
}

func setupLogging(cmd *cobra.Command, cfg LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(flagOrEnv(cmd, "log-level", "WALLETD_LOG_LEVEL", cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console, _ := cmd.Flags().GetBool("console")
	if console || cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background daemon",
		RunE:  runServe,
	}
	cmd.Flags().String("config", "/etc/superhero/walletd.yaml", "Path to configuration file")
	cmd.Flags().String("extension-id", "", "Extension id (overrides config)")
	cmd.Flags().String("nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().Uint32("vsock-port", 0, "Listen on AF_VSOCK instead of TCP")
	cmd.Flags().String("db", "", "SQLite database path (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	cfg.ExtensionID = flagOrEnv(cmd, "extension-id", "WALLETD_EXTENSION_ID", cfg.ExtensionID)
	cfg.NATS.URL = flagOrEnv(cmd, "nats-url", "WALLETD_NATS_URL", cfg.NATS.URL)
	cfg.Listen.Address = flagOrEnv(cmd, "listen", "WALLETD_LISTEN", cfg.Listen.Address)
	cfg.Storage.Path = flagOrEnv(cmd, "db", "WALLETD_DB", cfg.Storage.Path)
	if v, _ := cmd.Flags().GetUint32("vsock-port"); v != 0 {
		cfg.Listen.VsockPort = v
	}

	setupLogging(cmd, cfg.Log)

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("walletd starting")

	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	nh, err := host.Dial(cfg.NATS)
	if err != nil {
		return err
	}
	defer nh.Close()
	log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")

	d := NewDaemon(cfg, store, nh)
	d.connected = nh.IsConnected

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return d.Run(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	}
}
