package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeusync/docsync/internal/core/config"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/internal/injector"
)

var (
	configPath string
	wsAddr     string
	quicAddr   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "docsync-server",
	Short:         "Relay for docsync document channels",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&wsAddr, "ws", "", "websocket listen address, overrides the config")
	flags.StringVar(&quicAddr, "quic", "", "QUIC listen address, overrides the config")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "docsync-server:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.File, error) {
	file := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}
	if cmd.Flags().Changed("ws") {
		file.Server.WebSocketAddr = wsAddr
	}
	if cmd.Flags().Changed("quic") {
		file.Server.QUICAddr = quicAddr
	}
	if logLevel != "" {
		file.LogLevel = logLevel
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func run(cmd *cobra.Command, _ []string) error {
	file, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	srv, err := injector.InitializeServer(file)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	registry := shutdown.Default()
	ctx, cancel := shutdown.NotifyOnSignal(context.Background(), registry)
	defer cancel()

	if err = srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	registry.Register("relay", func() {
		_ = srv.Stop()
	})

	select {
	case <-ctx.Done():
	case err = <-waitDone(srv.Wait):
		if err != nil {
			_ = srv.Stop()
			return fmt.Errorf("relay: %w", err)
		}
	}
	return srv.Stop()
}

func waitDone(wait func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- wait() }()
	return ch
}
