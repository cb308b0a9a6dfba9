package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeusync/docsync/internal/core/config"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/sdk/go/client"
)

var (
	configPath  string
	channelID   string
	url         string
	quicAddr    string
	transport   string
	storageKind string
	storagePath string
	name        string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "docsync-peer",
	Short: "Join a document channel and edit it from the terminal",
	Long: `docsync-peer joins a document channel through a relay and reads
commands from stdin:

  set <key> <value>   write a key
  del <key>           delete a key
  show                print the document
  who                 print everyone's presence
  save                persist the document now
  quit                leave the channel`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&channelID, "channel", "", "document channel id")
	flags.StringVar(&url, "url", "", "relay websocket url")
	flags.StringVar(&quicAddr, "quic", "", "relay QUIC address")
	flags.StringVar(&transport, "transport", "", "websocket or quic")
	flags.StringVar(&storageKind, "storage", "", "none, memory or badger")
	flags.StringVar(&storagePath, "path", "", "badger directory")
	flags.StringVar(&name, "name", "", "name shown to other participants")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "docsync-peer:", err)
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
	changed := cmd.Flags().Changed
	if changed("channel") {
		file.Peer.Channel = channelID
	}
	if changed("url") {
		file.Peer.URL = url
	}
	if changed("quic") {
		file.Peer.QUICAddr = quicAddr
	}
	if changed("transport") {
		file.Peer.Transport = transport
	}
	if changed("storage") {
		file.Peer.Storage.Driver = storageKind
	}
	if changed("path") {
		file.Peer.Storage.Path = storagePath
	}
	if logLevel != "" {
		file.LogLevel = logLevel
	}
	if file.Peer.Channel == "" {
		return nil, fmt.Errorf("%w: channel is required", config.ErrInvalid)
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
	logger := log.New(file.Level())
	defer func() { _ = logger.Sync() }()

	opts, err := client.OptionsFromConfig(file.Peer, logger)
	if err != nil {
		return err
	}

	ctx, cancel := shutdown.NotifyOnSignal(context.Background(), shutdown.Default())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, file.Peer.JoinTimeout)
	c, err := client.Dial(dialCtx, opts)
	dialCancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if name != "" {
		c.Presence().SetLocalStateField("name", name)
	}
	c.Doc().OnUpdate(func(_ []byte, origin crdt.Origin) {
		if origin == crdt.OriginRemote {
			logger.Debug("Document changed remotely", log.Int("keys", len(c.Doc().Keys())))
		}
	})

	sh := &shell{doc: c.Doc(), presence: c.Presence(), save: c.Save, out: cmd.OutOrStdout()}
	lines := make(chan string)
	go scanLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Provider().Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sh.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintln(sh.out, "error:", err)
			}
		}
	}
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
