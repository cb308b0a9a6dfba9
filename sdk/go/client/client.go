// Package client provides a high-level Go SDK for docsync: it joins a
// document channel through a relay and keeps a local replica of the document
// and its presence state in sync.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/docsync/internal/core/channel"
	dsquic "github.com/zeusync/docsync/internal/core/channel/quic"
	dsws "github.com/zeusync/docsync/internal/core/channel/websocket"
	"github.com/zeusync/docsync/internal/core/config"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/events/bus"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/core/presence"
	"github.com/zeusync/docsync/internal/core/provider"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/internal/core/storage"
	"github.com/zeusync/docsync/internal/core/storage/badger"
	"github.com/zeusync/docsync/internal/core/storage/memory"
)

// Options holds configuration for a client
type Options struct {
	// Document channel id, required.
	ChannelID string
	// ClientID identifies this replica; zero picks a random one.
	ClientID uint32

	// Connection settings. Channel, when set, is used as is and the
	// transport settings are ignored.
	Channel     channel.Channel
	Transport   string
	URL         string
	QUICAddr    string
	TLSConfig   *tls.Config
	JoinTimeout time.Duration

	// Store persists snapshots; nil disables persistence.
	Store storage.Store

	Provider []provider.Option
	Logger   log.Log
	Shutdown *shutdown.Registry

	ownsStore bool
}

// OptionsFromConfig translates a peer configuration, opening its store.
func OptionsFromConfig(peer config.Peer, logger log.Log) (Options, error) {
	opts := Options{
		ChannelID:   peer.Channel,
		ClientID:    peer.ClientID,
		Transport:   peer.Transport,
		URL:         peer.URL,
		QUICAddr:    peer.QUICAddr,
		JoinTimeout: peer.JoinTimeout,
		Logger:      logger,
	}
	if peer.InsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if peer.DisableResync {
		opts.Provider = append(opts.Provider, provider.WithoutResync())
	} else if peer.ResyncInterval > 0 {
		opts.Provider = append(opts.Provider, provider.WithResyncInterval(peer.ResyncInterval))
	}
	if peer.UpdateDebounce > 0 {
		opts.Provider = append(opts.Provider, provider.WithUpdateDebounce(peer.UpdateDebounce))
	}
	if peer.AwarenessDebounce > 0 {
		opts.Provider = append(opts.Provider, provider.WithAwarenessDebounce(peer.AwarenessDebounce))
	}
	if peer.SaveDebounce > 0 {
		opts.Provider = append(opts.Provider, provider.WithSaveDebounce(peer.SaveDebounce))
	}
	if peer.PresenceTimeout > 0 {
		opts.Provider = append(opts.Provider, provider.WithPresenceTimeout(peer.PresenceTimeout))
	}

	switch peer.Storage.Driver {
	case "", config.DriverNone:
	case config.DriverMemory:
		opts.Store = memory.New()
		opts.ownsStore = true
	case config.DriverBadger:
		cfg := badger.DefaultConfig(peer.Storage.Path)
		cfg.Logger = logger
		store, err := badger.Open(cfg)
		if err != nil {
			return Options{}, err
		}
		opts.Store = store
		opts.ownsStore = true
	default:
		return Options{}, fmt.Errorf("%w: %q", ErrUnknownStorage, peer.Storage.Driver)
	}
	return opts, nil
}

// Client is one replica of a shared document.
type Client struct {
	doc      *crdt.Doc
	presence *presence.State
	provider *provider.Provider
	store    storage.Store
	opts     Options
	logger   log.Log

	closed atomic.Bool
}

// Dial builds the replica and waits until the channel subscription is
// acknowledged or ctx is done. A store opened by OptionsFromConfig is closed
// when Dial fails.
func Dial(ctx context.Context, opts Options) (_ *Client, err error) {
	releaseStore := opts.ownsStore && opts.Store != nil
	defer func() {
		if err != nil && releaseStore {
			_ = opts.Store.Close()
		}
	}()

	if opts.ChannelID == "" && opts.Channel == nil {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidConfig)
	}
	if opts.ClientID == 0 {
		opts.ClientID = uuid.New().ID()
	}
	if opts.Logger == nil {
		opts.Logger = log.Provide()
	}
	logger := opts.Logger.With(log.Uint32("client", opts.ClientID))

	ch := opts.Channel
	if ch == nil {
		if ch, err = newChannel(opts, logger); err != nil {
			return nil, err
		}
	}

	doc := crdt.New(opts.ClientID)
	state := presence.New(opts.ClientID)

	providerOpts := []provider.Option{provider.WithLogger(logger), provider.WithEventBus(bus.New())}
	if opts.Shutdown != nil {
		providerOpts = append(providerOpts, provider.WithShutdown(opts.Shutdown))
	}
	if opts.Store != nil {
		load, save := storage.Hooks(opts.Store, ch.ID())
		providerOpts = append(providerOpts, provider.WithLoad(load), provider.WithSave(save))
	}
	providerOpts = append(providerOpts, opts.Provider...)

	p, err := provider.New(doc, state, ch, providerOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{doc: doc, presence: state, provider: p, store: opts.Store, opts: opts, logger: logger}
	// From here on Close owns the store.
	releaseStore = false
	if err = c.connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newChannel(opts Options, logger log.Log) (channel.Channel, error) {
	switch opts.Transport {
	case "", config.TransportWebSocket:
		if opts.URL == "" {
			return nil, fmt.Errorf("%w: websocket url is required", ErrInvalidConfig)
		}
		cfg := dsws.DefaultConfig(opts.URL)
		if opts.JoinTimeout > 0 {
			cfg.JoinTimeout = opts.JoinTimeout
		}
		cfg.Logger = logger
		return dsws.New(opts.ChannelID, cfg), nil
	case config.TransportQUIC:
		if opts.QUICAddr == "" {
			return nil, fmt.Errorf("%w: quic address is required", ErrInvalidConfig)
		}
		return dsquic.New(opts.ChannelID, dsquic.Config{
			Addr:        opts.QUICAddr,
			TLSConfig:   opts.TLSConfig,
			JoinTimeout: opts.JoinTimeout,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, opts.Transport)
	}
}

func (c *Client) connect(ctx context.Context) error {
	result := make(chan error, 1)
	handler := func(e bus.Event) error {
		var err error
		switch e.Type() {
		case provider.EventConnect:
		case provider.EventError:
			err = ErrConnectionFailed
			if ev, ok := e.Data().(provider.ErrorEvent); ok && ev.Err != nil {
				err = fmt.Errorf("%w: %w", ErrConnectionFailed, ev.Err)
			}
		default:
			err = ErrConnectionFailed
		}
		select {
		case result <- err:
		default:
		}
		return nil
	}

	var subs []bus.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Cancel()
		}
	}()
	for _, typ := range []string{provider.EventConnect, provider.EventError, provider.EventDisconnect} {
		sub, err := c.provider.On(typ, handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	if err := c.provider.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	select {
	case err := <-result:
		if err == nil {
			c.logger.Info("Client connected", log.String("channel", c.provider.Topic()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Doc returns the local replica of the document.
func (c *Client) Doc() *crdt.Doc { return c.doc }

// Presence returns the presence state.
func (c *Client) Presence() *presence.State { return c.presence }

// Provider returns the sync provider.
func (c *Client) Provider() *provider.Provider { return c.provider }

// Save persists the document now.
func (c *Client) Save(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.provider.Save(ctx)
}

// Close destroys the provider and releases the store when the client opened it.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.provider.Destroy()
	var err error
	if c.opts.ownsStore && c.store != nil {
		err = c.store.Close()
	}
	c.logger.Info("Client closed")
	return err
}
